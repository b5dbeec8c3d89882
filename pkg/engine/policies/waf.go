package policies

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// WAFName is the registry name of the pattern-based request firewall.
const WAFName = "waf"

// AttributeWAFMatches holds the number of non-blocking detections of a call.
const AttributeWAFMatches = "waf.matches"

const (
	defaultWAFOverlap     = 256
	defaultWAFMaxFindings = 128
)

const wafSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["rules"],
  "properties": {
    "overlap":          {"type": "integer", "minimum": 0},
    "max_body_bytes":   {"type": "integer", "minimum": 0},
    "max_findings":     {"type": "integer", "minimum": 0},
    "inspect_headers":  {"type": "boolean"},
    "inspect_response": {"type": "boolean"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "pattern"],
        "properties": {
          "name":     {"type": "string", "minLength": 1},
          "pattern":  {"type": "string", "minLength": 1},
          "severity": {"type": "string", "enum": ["low", "medium", "high"]},
          "action":   {"type": "string", "enum": ["allow", "block"]}
        }
      }
    }
  }
}`

// WAFRule declares a detection pattern. Action defaults to block.
type WAFRule struct {
	Name     string `json:"name"`
	Pattern  string `json:"pattern"`
	Severity string `json:"severity,omitempty"`
	Action   string `json:"action,omitempty"`
}

// WAFConfig configures the firewall. MaxBodyBytes of zero inspects bodies of any
// size.
type WAFConfig struct {
	Rules           []WAFRule `json:"rules"`
	Overlap         *int      `json:"overlap,omitempty"`
	MaxBodyBytes    int64     `json:"max_body_bytes,omitempty"`
	MaxFindings     int       `json:"max_findings,omitempty"`
	InspectHeaders  bool      `json:"inspect_headers,omitempty"`
	InspectResponse bool      `json:"inspect_response,omitempty"`
}

type wafRule struct {
	name     string
	expr     *regexp.Regexp
	severity string
	block    bool
}

// WAF blocks requests whose target, headers or body match a rule. Bodies pass
// through unchanged while a tail of each chunk is kept, so matches crossing a
// chunk boundary are still seen.
type WAF struct {
	rules           []wafRule
	overlap         int
	maxBody         int64
	maxFindings     int
	inspectHeaders  bool
	inspectResponse bool
	logger          *slog.Logger

	findings int
	request  wafStream
	response wafStream
}

type wafStream struct {
	tail []byte
	read int64
}

// NewWAFFactory returns the factory of the firewall policy.
func NewWAFFactory(logger *slog.Logger) runtime.Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return func(cfg domain.Configuration) (any, error) {
		var conf WAFConfig
		if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
			return nil, err
		}
		return newWAF(conf, logger)
	}
}

func newWAF(conf WAFConfig, logger *slog.Logger) (*WAF, error) {
	if len(conf.Rules) == 0 {
		return nil, runtime.InvalidConfiguration("waf: at least one rule is required")
	}

	rules := make([]wafRule, 0, len(conf.Rules))
	for _, r := range conf.Rules {
		name := strings.TrimSpace(r.Name)
		if name == "" {
			return nil, runtime.InvalidConfiguration("waf: rule name is required")
		}
		expr, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, runtime.InvalidConfiguration("waf: invalid pattern for rule %s: %v", name, err)
		}
		severity := strings.ToLower(r.Severity)
		switch severity {
		case "":
			severity = "medium"
		case "low", "medium", "high":
		default:
			return nil, runtime.InvalidConfiguration("waf: invalid severity %q for rule %s", r.Severity, name)
		}
		action := strings.ToLower(r.Action)
		if action != "" && action != "allow" && action != "block" {
			return nil, runtime.InvalidConfiguration("waf: invalid action %q for rule %s", r.Action, name)
		}
		rules = append(rules, wafRule{name: name, expr: expr, severity: severity, block: action != "allow"})
	}

	overlap := defaultWAFOverlap
	if conf.Overlap != nil {
		overlap = *conf.Overlap
	}
	maxFindings := conf.MaxFindings
	if maxFindings <= 0 {
		maxFindings = defaultWAFMaxFindings
	}

	return &WAF{
		rules:           rules,
		overlap:         overlap,
		maxBody:         conf.MaxBodyBytes,
		maxFindings:     maxFindings,
		inspectHeaders:  conf.InspectHeaders,
		inspectResponse: conf.InspectResponse,
		logger:          logger,
	}, nil
}

func (w *WAF) OnRequest(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	target := exec.Request.Path
	if exec.Request.RawQuery != "" {
		target += "?" + exec.Request.RawQuery
	}
	if err := w.inspect(exec, "target", []byte(target), 0); err != nil {
		return runtime.Action{}, err
	}

	if w.inspectHeaders {
		for name, values := range exec.Request.Headers {
			for _, v := range values {
				if err := w.inspect(exec, "header "+strings.ToLower(name), []byte(v), 0); err != nil {
					return runtime.Action{}, err
				}
			}
		}
	}
	w.record(exec)
	return runtime.Continue(), nil
}

func (w *WAF) OnRequestChunk(_ context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	if err := w.scan(exec, &w.request, "request body", chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (w *WAF) OnRequestEnd(_ context.Context, exec *domain.ExecutionContext) ([]byte, error) {
	w.record(exec)
	return nil, nil
}

func (w *WAF) OnResponseChunk(_ context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	if !w.inspectResponse {
		return chunk, nil
	}
	if err := w.scan(exec, &w.response, "response body", chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func (w *WAF) OnResponseEnd(_ context.Context, exec *domain.ExecutionContext) ([]byte, error) {
	w.record(exec)
	return nil, nil
}

// scan inspects chunk together with the tail kept from the previous chunk.
func (w *WAF) scan(exec *domain.ExecutionContext, s *wafStream, where string, chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if w.maxBody > 0 && s.read+int64(len(chunk)) > w.maxBody {
		return domain.NewFailure(domain.FailureBadRequest, "body exceeds the inspection limit")
	}
	s.read += int64(len(chunk))

	buf := make([]byte, 0, len(s.tail)+len(chunk))
	buf = append(buf, s.tail...)
	buf = append(buf, chunk...)
	if err := w.inspect(exec, where, buf, len(s.tail)); err != nil {
		return err
	}

	keep := min(w.overlap, len(buf))
	s.tail = append(s.tail[:0], buf[len(buf)-keep:]...)
	return nil
}

// inspect runs the rules over buf. Matches that end inside the first skip bytes
// were reported by an earlier call.
func (w *WAF) inspect(exec *domain.ExecutionContext, where string, buf []byte, skip int) error {
	for _, rule := range w.rules {
		for _, idx := range rule.expr.FindAllIndex(buf, -1) {
			if idx[1] <= skip {
				continue
			}
			if rule.block {
				w.logger.Warn("waf rule blocked call",
					"api_id", apiID(exec),
					"request_id", exec.Request.ID,
					"rule", rule.name,
					"severity", rule.severity,
					"location", where,
				)
				return domain.NewFailure(domain.FailureForbidden, "request blocked by firewall rule "+rule.name)
			}
			w.findings++
			if w.findings > w.maxFindings {
				return domain.NewFailure(domain.FailureForbidden, "too many firewall findings")
			}
			w.logger.Info("waf rule matched",
				"api_id", apiID(exec),
				"request_id", exec.Request.ID,
				"rule", rule.name,
				"severity", rule.severity,
				"location", where,
			)
		}
	}
	return nil
}

func (w *WAF) record(exec *domain.ExecutionContext) {
	if w.findings > 0 {
		exec.SetAttribute(AttributeWAFMatches, w.findings)
	}
}
