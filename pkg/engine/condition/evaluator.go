// Package condition evaluates policy activation conditions: path globs, method
// lists, and CEL expressions over the execution context.
package condition

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ErrNotBoolean is returned when an expression does not produce a boolean.
var ErrNotBoolean = errors.New("condition expression did not evaluate to a boolean")

// Evaluator matches conditions against an execution context. Compiled globs and
// CEL programs are cached per source string; the cache is safe for concurrent use.
type Evaluator struct {
	env *cel.Env

	mu       sync.RWMutex
	programs map[string]cel.Program
	globs    map[string]glob.Glob
}

// NewEvaluator creates an evaluator with the gateway CEL environment.
//
// Expressions see:
//
//	request    map: id, method, path, relative_path, host, query, headers
//	response   map: status, headers
//	attributes map of the context attribute bag; values that are not
//	           scalars, lists or string-keyed maps are left out
//	api        map: id, name, context_path
//	direction  "request" or "response"
//
// Header names are lower case and carry their first value.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("response", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("api", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("direction", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		programs: make(map[string]cel.Program),
		globs:    make(map[string]glob.Glob),
	}, nil
}

// Compile checks a condition and warms the caches. It is called when API
// definitions are deployed so that broken conditions are rejected early.
func (e *Evaluator) Compile(c domain.Condition) error {
	for _, pattern := range c.Paths {
		if _, err := e.glob(pattern); err != nil {
			return err
		}
	}
	if expr := strings.TrimSpace(c.Expression); expr != "" {
		if _, err := e.program(expr); err != nil {
			return err
		}
	}
	return nil
}

// Match reports whether the condition holds for the context in the direction.
func (e *Evaluator) Match(c domain.Condition, exec *domain.ExecutionContext, direction domain.Direction) (bool, error) {
	if c.IsZero() {
		return true, nil
	}
	if exec == nil {
		return false, errors.New("condition: execution context is nil")
	}

	if len(c.Methods) > 0 && !matchMethod(c.Methods, exec.Request.Method) {
		return false, nil
	}

	if len(c.Paths) > 0 {
		rel := exec.API.RelativePath(exec.Request.Path)
		matched := false
		for _, pattern := range c.Paths {
			g, err := e.glob(pattern)
			if err != nil {
				return false, err
			}
			if g.Match(rel) {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}

	expr := strings.TrimSpace(c.Expression)
	if expr == "" {
		return true, nil
	}
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(activation(exec, direction))
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
	}
	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: %q returned %T", ErrNotBoolean, expr, out.Value())
	}
	return result, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.programs[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build condition program %q: %w", expr, err)
	}
	e.programs[expr] = prg
	return prg, nil
}

func (e *Evaluator) glob(pattern string) (glob.Glob, error) {
	e.mu.RLock()
	g, ok := e.globs[pattern]
	e.mu.RUnlock()
	if ok {
		return g, nil
	}

	g, err := glob.Compile(normalizePattern(pattern), '/')
	if err != nil {
		return nil, fmt.Errorf("compile path pattern %q: %w", pattern, err)
	}
	e.mu.Lock()
	e.globs[pattern] = g
	e.mu.Unlock()
	return g, nil
}

func normalizePattern(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if !strings.HasPrefix(pattern, "/") {
		pattern = "/" + pattern
	}
	return pattern
}

func matchMethod(methods []string, method string) bool {
	for _, m := range methods {
		if strings.EqualFold(strings.TrimSpace(m), method) {
			return true
		}
	}
	return false
}

func activation(exec *domain.ExecutionContext, direction domain.Direction) map[string]any {
	headers := make(map[string]any, len(exec.Request.Headers))
	for name, values := range exec.Request.Headers {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	query := map[string]any{}
	if values, err := url.ParseQuery(exec.Request.RawQuery); err == nil {
		for k, v := range values {
			if len(v) > 0 {
				query[k] = v[0]
			}
		}
	}
	respHeaders := make(map[string]any, len(exec.Response.Headers))
	for name, values := range exec.Response.Headers {
		if len(values) > 0 {
			respHeaders[strings.ToLower(name)] = values[0]
		}
	}

	api := map[string]any{}
	if exec.API != nil {
		api["id"] = exec.API.ID
		api["name"] = exec.API.Name
		api["context_path"] = exec.API.ContextPath
	}

	return map[string]any{
		"request": map[string]any{
			"id":            exec.Request.ID,
			"method":        exec.Request.Method,
			"path":          exec.Request.Path,
			"relative_path": exec.API.RelativePath(exec.Request.Path),
			"host":          exec.Request.Host,
			"query":         query,
			"headers":       headers,
		},
		"response": map[string]any{
			"status":  int64(exec.Response.Status),
			"headers": respHeaders,
		},
		"attributes": celAttributes(exec.Attributes()),
		"api":        api,
		"direction":  direction.String(),
	}
}

// celAttributes keeps the attribute values CEL can represent. Values of other
// types, such as structs stored by policies for their own use, are omitted so
// has() reports them absent instead of failing evaluation.
func celAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if cv, ok := celValue(v); ok {
			out[k] = cv
		}
	}
	return out
}

func celValue(v any) (any, bool) {
	switch x := v.(type) {
	case nil:
		return nil, false
	case string, bool, int64, uint64, float64, []byte, time.Time, time.Duration:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case float32:
		return float64(x), true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			if ce, ok := celValue(e); ok {
				out = append(out, ce)
			}
		}
		return out, true
	case map[string]string:
		out := make(map[string]any, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out, true
	case map[string]any:
		return celAttributes(x), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return nil, false
	}
}
