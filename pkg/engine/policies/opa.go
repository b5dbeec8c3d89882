package policies

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// OPAName is the registry name of the Rego authorization policy.
const OPAName = "opa-authz"

const defaultOPAQuery = "data.gateway.authz.allow"

const opaSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["module"],
  "properties": {
    "module":    {"type": "string", "minLength": 1},
    "query":     {"type": "string"},
    "fail_open": {"type": "boolean"}
  }
}`

// OPAConfig holds the Rego module and the decision query.
type OPAConfig struct {
	Module   string `json:"module"`
	Query    string `json:"query,omitempty"`
	FailOpen bool   `json:"fail_open,omitempty"`
}

// OPA authorizes requests with a Rego rule. The query yields either a boolean
// or an object with "allow" and an optional "reason".
type OPA struct {
	query    rego.PreparedEvalQuery
	failOpen bool
	logger   *slog.Logger
}

// NewOPAFactory returns the factory of the Rego authorization policy.
func NewOPAFactory(logger *slog.Logger) runtime.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cfg domain.Configuration) (any, error) {
		var conf OPAConfig
		if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
			return nil, err
		}
		if strings.TrimSpace(conf.Module) == "" {
			return nil, runtime.InvalidConfiguration("opa-authz: module is required")
		}
		query := conf.Query
		if query == "" {
			query = defaultOPAQuery
		}

		prepared, err := rego.New(
			rego.Query(query),
			rego.Module("policy.rego", conf.Module),
		).PrepareForEval(context.Background())
		if err != nil {
			return nil, runtime.InvalidConfiguration("opa-authz: compile rego: %v", err)
		}
		return &OPA{query: prepared, failOpen: conf.FailOpen, logger: logger}, nil
	}
}

func (o *OPA) OnRequest(ctx context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	results, err := o.query.Eval(ctx, rego.EvalInput(opaInput(exec)))
	if err != nil {
		if o.failOpen {
			o.logger.Warn("rego evaluation failed, allowing request",
				"api_id", apiID(exec),
				"request_id", exec.Request.ID,
				"error", err,
			)
			return runtime.Continue(), nil
		}
		return runtime.Action{}, fmt.Errorf("opa decision: %w", err)
	}

	allowed, reason := decision(results)
	if !allowed {
		if reason == "" {
			reason = "access denied by policy"
		}
		return runtime.Action{}, domain.NewFailure(domain.FailureForbidden, reason)
	}
	return runtime.Continue(), nil
}

func decision(results rego.ResultSet) (bool, string) {
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, ""
	}
	switch v := results[0].Expressions[0].Value.(type) {
	case bool:
		return v, ""
	case map[string]any:
		allowed, _ := v["allow"].(bool)
		reason, _ := v["reason"].(string)
		return allowed, reason
	default:
		return false, ""
	}
}

func opaInput(exec *domain.ExecutionContext) map[string]any {
	headers := make(map[string]any, len(exec.Request.Headers))
	for name, values := range exec.Request.Headers {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	attributes := map[string]any{}
	for key, value := range exec.Attributes() {
		switch value.(type) {
		case string, bool, int, int64, float64, map[string]any, []any:
			attributes[key] = value
		}
	}

	input := map[string]any{
		"method":      exec.Request.Method,
		"path":        exec.Request.Path,
		"query":       exec.Request.RawQuery,
		"headers":     headers,
		"remote_addr": exec.Request.RemoteAddr,
		"attributes":  attributes,
		"api_id":      apiID(exec),
	}
	if exec.API != nil {
		input["relative_path"] = exec.API.RelativePath(exec.Request.Path)
	}
	return input
}
