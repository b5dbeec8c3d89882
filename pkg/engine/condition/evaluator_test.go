package condition

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
)

func newExec(method, path string) *domain.ExecutionContext {
	api := &domain.APIDefinition{ID: "products", ContextPath: "/products"}
	headers := http.Header{}
	headers.Set("X-Tenant", "acme")
	return domain.NewExecutionContext(context.Background(), api, domain.RequestMetadata{
		Method:   method,
		Path:     path,
		RawQuery: "debug=1",
		Headers:  headers,
	})
}

func TestMatchZeroCondition(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	ok, err := eval.Match(domain.Condition{}, newExec(http.MethodGet, "/products"), domain.OnRequest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMatchPathsAndMethods(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	tests := []struct {
		name   string
		cond   domain.Condition
		method string
		path   string
		want   bool
	}{
		{"single segment glob", domain.Condition{Paths: []string{"/*"}}, "GET", "/products/42", true},
		{"single segment does not cross", domain.Condition{Paths: []string{"/*"}}, "GET", "/products/42/reviews", false},
		{"double star crosses", domain.Condition{Paths: []string{"/**"}}, "GET", "/products/42/reviews", true},
		{"pattern without slash", domain.Condition{Paths: []string{"admin/**"}}, "GET", "/products/admin/users", true},
		{"method matches case-insensitively", domain.Condition{Methods: []string{"post"}}, "POST", "/products", true},
		{"method mismatch", domain.Condition{Methods: []string{"POST"}}, "GET", "/products", false},
		{"both must hold", domain.Condition{Paths: []string{"/42"}, Methods: []string{"DELETE"}}, "GET", "/products/42", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := eval.Match(tt.cond, newExec(tt.method, tt.path), domain.OnRequest)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestMatchExpression(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	exec := newExec(http.MethodGet, "/products/42")
	exec.SetAttribute("plan", "gold")
	exec.Response.Status = 503

	tests := []struct {
		expr      string
		direction domain.Direction
		want      bool
	}{
		{`request.headers["x-tenant"] == "acme"`, domain.OnRequest, true},
		{`request.query["debug"] == "1"`, domain.OnRequest, true},
		{`attributes["plan"] == "gold"`, domain.OnRequest, true},
		{`response.status >= 500 && direction == "response"`, domain.OnResponse, true},
		{`direction == "response"`, domain.OnRequest, false},
		{`api.id == "products" && request.relative_path == "/42"`, domain.OnRequest, true},
	}
	for _, tt := range tests {
		ok, err := eval.Match(domain.Condition{Expression: tt.expr}, exec, tt.direction)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, ok, tt.expr)
	}
}

type quota struct {
	Limit     int
	Remaining int
}

func TestMatchExpressionAttributeTypes(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)

	exec := newExec(http.MethodGet, "/products")
	exec.SetAttribute("decision", quota{Limit: 10, Remaining: 3})
	exec.SetAttribute("matches", 3)
	exec.SetAttribute("claims", map[string]any{"sub": "alice", "roles": []any{"admin", "dev"}, "raw": quota{}})
	exec.SetAttribute("scopes", []string{"read", "write"})

	tests := []struct {
		expr string
		want bool
	}{
		{`!has(attributes.decision)`, true},
		{`attributes["matches"] > 2`, true},
		{`attributes.claims.sub == "alice" && "admin" in attributes.claims.roles`, true},
		{`has(attributes.claims.raw)`, false},
		{`"write" in attributes.scopes`, true},
	}
	for _, tt := range tests {
		ok, err := eval.Match(domain.Condition{Expression: tt.expr}, exec, domain.OnRequest)
		require.NoError(t, err, tt.expr)
		assert.Equal(t, tt.want, ok, tt.expr)
	}
}

func TestMatchExpressionErrors(t *testing.T) {
	eval, err := NewEvaluator()
	require.NoError(t, err)
	exec := newExec(http.MethodGet, "/products")

	_, err = eval.Match(domain.Condition{Expression: `request.method`}, exec, domain.OnRequest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotBoolean))

	require.Error(t, eval.Compile(domain.Condition{Expression: `request.method ==`}))
	require.Error(t, eval.Compile(domain.Condition{Paths: []string{"/[a"}}))
	require.NoError(t, eval.Compile(domain.Condition{Paths: []string{"/**"}, Expression: `true`}))
}
