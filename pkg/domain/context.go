package domain

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// RequestMetadata holds the inbound request as seen by policies. Policies may
// rewrite headers before the request is forwarded.
type RequestMetadata struct {
	ID         string
	Method     string
	Path       string
	RawQuery   string
	Host       string
	RemoteAddr string
	Headers    http.Header
	Received   time.Time
}

// ResponseMetadata holds the upstream response status and headers. Response
// policies may rewrite both before the client write-back.
type ResponseMetadata struct {
	Status  int
	Headers http.Header
}

// Response is a complete response written to the client, used by short-circuiting
// policies and by failures that carry their own payload.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ExecutionContext is the per-call state shared by every policy in both directions
// of one call. It is created when the call begins and released when it ends.
type ExecutionContext struct {
	API      *APIDefinition
	Request  RequestMetadata
	Response ResponseMetadata
	// Target is the upstream base URL. Policies may rewrite it.
	Target string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu         sync.RWMutex
	attributes map[string]any
	failure    *Failure
	releasers  []func()
	released   bool
}

// NewExecutionContext creates the context of one call. Cancelling parent (for
// example when the client disconnects) cancels the execution context.
func NewExecutionContext(parent context.Context, api *APIDefinition, req RequestMetadata) *ExecutionContext {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	if req.Headers == nil {
		req.Headers = make(http.Header)
	}
	if req.Received.IsZero() {
		req.Received = time.Now()
	}
	exec := &ExecutionContext{
		API:        api,
		Request:    req,
		Response:   ResponseMetadata{Headers: make(http.Header)},
		ctx:        ctx,
		cancel:     cancel,
		attributes: make(map[string]any),
	}
	if api != nil {
		exec.Target = api.Target.URL
	}
	return exec
}

// Context returns the call's context.
func (c *ExecutionContext) Context() context.Context {
	return c.ctx
}

// Cancel marks the call cancelled. A nil cause records ErrChainCancelled.
func (c *ExecutionContext) Cancel(cause error) {
	if cause == nil {
		cause = ErrChainCancelled
	}
	c.cancel(cause)
}

// Cancelled reports whether the call has been cancelled.
func (c *ExecutionContext) Cancelled() bool {
	return c.ctx.Err() != nil
}

// Err returns the cancellation cause, or nil while the call is live.
func (c *ExecutionContext) Err() error {
	if c.ctx.Err() == nil {
		return nil
	}
	return context.Cause(c.ctx)
}

// SetAttribute stores a value for later policies.
func (c *ExecutionContext) SetAttribute(key string, value any) {
	c.mu.Lock()
	c.attributes[key] = value
	c.mu.Unlock()
}

// Attribute returns a stored value.
func (c *ExecutionContext) Attribute(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attributes[key]
	return v, ok
}

// RemoveAttribute deletes a stored value.
func (c *ExecutionContext) RemoveAttribute(key string) {
	c.mu.Lock()
	delete(c.attributes, key)
	c.mu.Unlock()
}

// Attributes returns a copy of the attribute bag.
func (c *ExecutionContext) Attributes() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.attributes))
	for k, v := range c.attributes {
		out[k] = v
	}
	return out
}

// Fail records a failure that happened outside the policy chains, such as an
// unreachable upstream. Only the first failure is kept.
func (c *ExecutionContext) Fail(f *Failure) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = f
	}
	c.mu.Unlock()
}

// Failure returns the recorded failure, if any.
func (c *ExecutionContext) Failure() *Failure {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failure
}

// OnRelease registers a hook that frees a per-call resource. Hooks run once, in
// reverse registration order, when the context is released. Registering after
// release runs the hook immediately.
func (c *ExecutionContext) OnRelease(fn func()) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		fn()
		return
	}
	c.releasers = append(c.releasers, fn)
	c.mu.Unlock()
}

// Release runs the release hooks and cancels the call context. It is safe to call
// more than once.
func (c *ExecutionContext) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	hooks := c.releasers
	c.releasers = nil
	c.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}
	c.cancel(context.Canceled)
}
