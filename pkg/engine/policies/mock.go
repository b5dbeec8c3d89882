package policies

import (
	"context"
	"net/http"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// MockName is the registry name of the mock policy.
const MockName = "mock"

const mockSchema = `{
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "status":  {"type": "integer", "minimum": 100, "maximum": 599},
    "headers": {"type": "object", "additionalProperties": {"type": "string"}},
    "body":    {"type": "string"}
  }
}`

// MockConfig describes the static response.
type MockConfig struct {
	Status  int               `json:"status,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Mock answers every request with a static response without calling the
// upstream. Header values are templates; the body is sent verbatim.
type Mock struct {
	status  int
	headers http.Header
	body    []byte
}

// NewMock builds the policy from its configuration.
func NewMock(cfg domain.Configuration) (any, error) {
	var conf MockConfig
	if err := runtime.DecodeConfiguration(cfg, &conf); err != nil {
		return nil, err
	}
	status := conf.Status
	if status == 0 {
		status = http.StatusOK
	}
	if status < 100 || status > 599 {
		return nil, runtime.InvalidConfiguration("status %d is out of range", status)
	}

	headers := make(http.Header, len(conf.Headers))
	for k, v := range conf.Headers {
		headers.Set(k, v)
	}
	return &Mock{status: status, headers: headers, body: []byte(conf.Body)}, nil
}

func (m *Mock) OnRequest(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	values := templateValues(exec)
	headers := make(http.Header, len(m.headers))
	for k, vs := range m.headers {
		for _, v := range vs {
			headers.Add(k, render(v, values))
		}
	}
	return runtime.ShortCircuit(&domain.Response{
		Status:  m.status,
		Headers: headers,
		Body:    m.body,
	}), nil
}
