package policies

import (
	"context"
	"net/http"
	"strings"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// TransformHeadersName is the registry name of the header transform policy.
const TransformHeadersName = "transform-headers"

const transformHeadersSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "request":  {"type": "array", "items": {"$ref": "#/definitions/operation"}},
    "response": {"type": "array", "items": {"$ref": "#/definitions/operation"}}
  },
  "definitions": {
    "operation": {
      "type": "object",
      "additionalProperties": false,
      "required": ["action"],
      "properties": {
        "action":  {"type": "string", "enum": ["set", "add", "remove", "rename"]},
        "header":  {"type": "string"},
        "value":   {"type": "string"},
        "values":  {"type": "array", "items": {"type": "string"}},
        "headers": {"type": "array", "items": {"type": "string"}},
        "from":    {"type": "string"},
        "to":      {"type": "string"}
      }
    }
  }
}`

// HeaderOperation is a single header mutation.
type HeaderOperation struct {
	Action  string   `json:"action"`
	Header  string   `json:"header,omitempty"`
	Value   string   `json:"value,omitempty"`
	Values  []string `json:"values,omitempty"`
	Headers []string `json:"headers,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
}

// TransformHeadersConfig lists the operations applied in each direction.
type TransformHeadersConfig struct {
	Request  []HeaderOperation `json:"request,omitempty"`
	Response []HeaderOperation `json:"response,omitempty"`
}

// TransformHeaders mutates request and response headers. Values may reference
// ${request.method}, ${request.header.<name>}, ${attributes.<key>} and the like.
type TransformHeaders struct {
	request  []HeaderOperation
	response []HeaderOperation
}

// NewTransformHeaders builds the policy from its configuration.
func NewTransformHeaders(cfg domain.Configuration) (any, error) {
	var conf TransformHeadersConfig
	if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
		return nil, err
	}
	if err := validateOperations("request", conf.Request); err != nil {
		return nil, err
	}
	if err := validateOperations("response", conf.Response); err != nil {
		return nil, err
	}
	return &TransformHeaders{request: conf.Request, response: conf.Response}, nil
}

func validateOperations(scope string, ops []HeaderOperation) error {
	for i, op := range ops {
		switch strings.ToLower(op.Action) {
		case "set", "add":
			if strings.TrimSpace(op.Header) == "" {
				return runtime.InvalidConfiguration("%s operation %d: %s requires header", scope, i, op.Action)
			}
			if op.Value == "" && len(op.Values) == 0 {
				return runtime.InvalidConfiguration("%s operation %d: %s requires value or values", scope, i, op.Action)
			}
		case "remove":
			if len(op.Headers) == 0 && strings.TrimSpace(op.Header) == "" {
				return runtime.InvalidConfiguration("%s operation %d: remove requires header or headers", scope, i)
			}
		case "rename":
			if strings.TrimSpace(op.From) == "" || strings.TrimSpace(op.To) == "" {
				return runtime.InvalidConfiguration("%s operation %d: rename requires from and to", scope, i)
			}
		default:
			return runtime.InvalidConfiguration("%s operation %d: unsupported action %q", scope, i, op.Action)
		}
	}
	return nil
}

func (t *TransformHeaders) OnRequest(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	if len(t.request) > 0 {
		applyHeaderOperations(t.request, exec.Request.Headers, templateValues(exec))
	}
	return runtime.Continue(), nil
}

func (t *TransformHeaders) OnResponse(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	if len(t.response) > 0 {
		applyHeaderOperations(t.response, exec.Response.Headers, templateValues(exec))
	}
	return runtime.Continue(), nil
}

func applyHeaderOperations(ops []HeaderOperation, headers http.Header, values map[string]string) {
	if headers == nil {
		return
	}
	for _, op := range ops {
		switch strings.ToLower(op.Action) {
		case "remove":
			names := op.Headers
			if op.Header != "" {
				names = append([]string{op.Header}, names...)
			}
			for _, name := range names {
				if canonical := http.CanonicalHeaderKey(strings.TrimSpace(name)); canonical != "" {
					headers.Del(canonical)
				}
			}
		case "set":
			header := http.CanonicalHeaderKey(strings.TrimSpace(op.Header))
			headers.Del(header)
			addRendered(headers, header, op, values)
		case "add":
			addRendered(headers, http.CanonicalHeaderKey(strings.TrimSpace(op.Header)), op, values)
		case "rename":
			from := http.CanonicalHeaderKey(strings.TrimSpace(op.From))
			to := http.CanonicalHeaderKey(strings.TrimSpace(op.To))
			moved := headers.Values(from)
			headers.Del(from)
			for _, value := range moved {
				headers.Add(to, value)
			}
		}
	}
}

func addRendered(headers http.Header, header string, op HeaderOperation, values map[string]string) {
	all := op.Values
	if op.Value != "" {
		all = append([]string{op.Value}, all...)
	}
	for _, value := range all {
		// Empty results are dropped rather than sent as blank headers.
		if rendered := render(value, values); rendered != "" {
			headers.Add(header, rendered)
		}
	}
}
