// Package runtime defines the contracts shared by the chain engine and policy
// implementations, keeping policy logic decoupled from execution mechanics.
package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Action is the outcome of a header-phase policy step.
type Action struct {
	// Response, when set, short-circuits the chain: no later policy runs and the
	// response is written to the client.
	Response *domain.Response
}

// Continue passes control to the next policy.
func Continue() Action {
	return Action{}
}

// ShortCircuit halts the chain with a terminal response.
func ShortCircuit(resp *domain.Response) Action {
	return Action{Response: resp}
}

// Halts reports whether the action stops the chain.
func (a Action) Halts() bool {
	return a.Response != nil
}

// RequestHandler is implemented by policy instances acting on request headers.
type RequestHandler interface {
	OnRequest(ctx context.Context, exec *domain.ExecutionContext) (Action, error)
}

// ResponseHandler is implemented by policy instances acting on response headers.
type ResponseHandler interface {
	OnResponse(ctx context.Context, exec *domain.ExecutionContext) (Action, error)
}

// RequestBodyHandler is implemented by policy instances that inspect or transform
// the request body. OnRequestChunk returns the bytes to pass on, which may be empty
// while the policy buffers. OnRequestEnd returns any bytes still held back.
type RequestBodyHandler interface {
	OnRequestChunk(ctx context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error)
	OnRequestEnd(ctx context.Context, exec *domain.ExecutionContext) ([]byte, error)
}

// ResponseBodyHandler is the response counterpart of RequestBodyHandler.
type ResponseBodyHandler interface {
	OnResponseChunk(ctx context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error)
	OnResponseEnd(ctx context.Context, exec *domain.ExecutionContext) ([]byte, error)
}

// Policy is a policy instance bound to one direction, as run by a chain.
type Policy interface {
	Name() string
	Execute(ctx context.Context, exec *domain.ExecutionContext) (Action, error)
}

// BodyPolicy is a Policy that declared interest in body content.
type BodyPolicy interface {
	Policy
	OnChunk(ctx context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error)
	OnEnd(ctx context.Context, exec *domain.ExecutionContext) ([]byte, error)
}

type headerFunc func(ctx context.Context, exec *domain.ExecutionContext) (Action, error)

type boundPolicy struct {
	name     string
	instance any
	shared   bool
	header   headerFunc
}

func (p *boundPolicy) Name() string { return p.name }

func (p *boundPolicy) Execute(ctx context.Context, exec *domain.ExecutionContext) (Action, error) {
	if p.header == nil {
		return Continue(), nil
	}
	return p.header(ctx, exec)
}

// Close releases a call-scoped instance. Shared instances are owned by the policy
// manager and are left alone.
func (p *boundPolicy) Close() error {
	if p.shared {
		return nil
	}
	if closer, ok := p.instance.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

type boundBodyPolicy struct {
	*boundPolicy
	chunk func(ctx context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error)
	end   func(ctx context.Context, exec *domain.ExecutionContext) ([]byte, error)
}

func (p *boundBodyPolicy) OnChunk(ctx context.Context, exec *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	return p.chunk(ctx, exec, chunk)
}

func (p *boundBodyPolicy) OnEnd(ctx context.Context, exec *domain.ExecutionContext) ([]byte, error) {
	return p.end(ctx, exec)
}

// Bind adapts a policy instance to the capabilities it offers for direction. It
// returns false when the instance has nothing to do in that direction.
func Bind(name string, direction domain.Direction, instance any, shared bool) (Policy, bool) {
	bound := &boundPolicy{name: name, instance: instance, shared: shared}

	switch direction {
	case domain.OnRequest:
		if h, ok := instance.(RequestHandler); ok {
			bound.header = h.OnRequest
		}
		if b, ok := instance.(RequestBodyHandler); ok {
			return &boundBodyPolicy{boundPolicy: bound, chunk: b.OnRequestChunk, end: b.OnRequestEnd}, true
		}
	case domain.OnResponse:
		if h, ok := instance.(ResponseHandler); ok {
			bound.header = h.OnResponse
		}
		if b, ok := instance.(ResponseBodyHandler); ok {
			return &boundBodyPolicy{boundPolicy: bound, chunk: b.OnResponseChunk, end: b.OnResponseEnd}, true
		}
	}

	if bound.header == nil {
		return nil, false
	}
	return bound, true
}

// Factory builds a policy instance from its configuration.
type Factory func(cfg domain.Configuration) (any, error)

// Plugin registers a policy implementation under a stable name.
type Plugin struct {
	Name string
	// Schema is an optional JSON schema the configuration must satisfy.
	Schema string
	// Shareable instances hold no per-call state and are cached process-wide.
	Shareable bool
	New       Factory
}

// DecodeConfiguration decodes a policy configuration into dst, rejecting unknown
// fields. Errors wrap domain.ErrInvalidPolicyConfiguration.
func DecodeConfiguration(cfg domain.Configuration, dst any) error {
	if len(bytes.TrimSpace(cfg)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(cfg))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPolicyConfiguration, err)
	}
	return nil
}

// InvalidConfiguration builds a configuration error for policy factories.
func InvalidConfiguration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidPolicyConfiguration, fmt.Sprintf(format, args...))
}
