package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

const tracerName = "gateway.engine"

// PolicyChain runs an ordered list of policies for one direction of one call.
//
// The header phase (Handle) walks the policies in order until one fails or
// short-circuits. When it completes, body chunks flow through the policies that
// declared a body capability, in the same order. A chain is single use.
type PolicyChain struct {
	direction domain.Direction
	policies  []runtime.Policy
	bodies    []runtime.BodyPolicy
	exec      *domain.ExecutionContext
	logger    *slog.Logger

	state  atomic.Int32
	result runtime.Result

	bodyHandler     func([]byte) error
	endHandler      func() error
	resultHandlers  []func(runtime.Result)
	failureHandlers []func(*domain.Failure)
	streamClosed    bool

	releaseOnce sync.Once
}

var _ runtime.StreamProcessor = (*PolicyChain)(nil)

// NewRequestChain builds the request-direction chain. Policies run in the given
// order, which is the resolver's declaration order.
func NewRequestChain(policies []runtime.Policy, exec *domain.ExecutionContext, logger *slog.Logger) *PolicyChain {
	return newPolicyChain(domain.OnRequest, policies, exec, logger)
}

// NewResponseChain builds the response-direction chain. Policies run in the given
// order; the resolver already reversed the declaration order.
func NewResponseChain(policies []runtime.Policy, exec *domain.ExecutionContext, logger *slog.Logger) *PolicyChain {
	return newPolicyChain(domain.OnResponse, policies, exec, logger)
}

func newPolicyChain(direction domain.Direction, policies []runtime.Policy, exec *domain.ExecutionContext, logger *slog.Logger) *PolicyChain {
	if logger == nil {
		logger = slog.Default()
	}

	ordered := make([]runtime.Policy, 0, len(policies))
	var bodies []runtime.BodyPolicy
	for _, p := range policies {
		if p == nil {
			continue
		}
		ordered = append(ordered, p)
		if bp, ok := p.(runtime.BodyPolicy); ok {
			bodies = append(bodies, bp)
		}
	}

	c := &PolicyChain{
		direction: direction,
		policies:  ordered,
		bodies:    bodies,
		exec:      exec,
		logger:    logger,
	}
	c.state.Store(int32(runtime.StateCreated))
	if exec != nil {
		exec.OnRelease(c.Release)
	}
	return c
}

// Direction returns the chain's direction.
func (c *PolicyChain) Direction() domain.Direction { return c.direction }

// State returns the current lifecycle state. Safe for concurrent use.
func (c *PolicyChain) State() runtime.ChainState {
	return runtime.ChainState(c.state.Load())
}

// Policies returns the names of the chain's policies in execution order.
func (c *PolicyChain) Policies() []string {
	names := make([]string, len(c.policies))
	for i, p := range c.policies {
		names[i] = p.Name()
	}
	return names
}

// InterceptsBody reports whether any policy handles body content.
func (c *PolicyChain) InterceptsBody() bool { return len(c.bodies) > 0 }

// BodyHandler sets the sink for body chunks leaving the chain.
func (c *PolicyChain) BodyHandler(fn func([]byte) error) { c.bodyHandler = fn }

// EndHandler sets the callback invoked after the last chunk left the chain.
func (c *PolicyChain) EndHandler(fn func() error) { c.endHandler = fn }

// OnResult registers a callback for the terminal header-phase result. Registering
// after termination invokes fn immediately.
func (c *PolicyChain) OnResult(fn func(runtime.Result)) {
	if fn == nil {
		return
	}
	if c.State().Terminal() {
		fn(c.result)
		return
	}
	c.resultHandlers = append(c.resultHandlers, fn)
}

// OnStreamFailure registers a callback for body-phase failures.
func (c *PolicyChain) OnStreamFailure(fn func(*domain.Failure)) {
	if fn != nil {
		c.failureHandlers = append(c.failureHandlers, fn)
	}
}

// Handle runs the header phase. Calling it again returns the recorded result.
func (c *PolicyChain) Handle(ctx context.Context) runtime.Result {
	if !c.state.CompareAndSwap(int32(runtime.StateCreated), int32(runtime.StateRunning)) {
		if c.State().Terminal() {
			return c.result
		}
		return runtime.Result{
			State:   runtime.StateFailed,
			Failure: domain.NewFailure(domain.FailureExecution, "chain is already running").WithCause(domain.ErrChainStarted),
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "policy_chain."+c.direction.String(),
		trace.WithAttributes(
			attribute.String("api.id", c.apiID()),
			attribute.String("chain.direction", c.direction.String()),
			attribute.Int("chain.policies", len(c.policies)),
		),
	)
	defer span.End()

	result := c.run(ctx, tracer)

	span.SetAttributes(attribute.String("chain.state", result.State.String()))
	if result.Failure != nil {
		telemetry.RecordFailure(span, result.Failure)
		span.RecordError(result.Failure)
		span.SetStatus(codes.Error, result.Failure.Error())
	} else if result.Response != nil {
		span.SetAttributes(attribute.Int("chain.short_circuit.status", result.Response.Status))
	}

	c.finish(ctx, result, time.Since(start))
	return result
}

func (c *PolicyChain) run(ctx context.Context, tracer trace.Tracer) runtime.Result {
	for _, p := range c.policies {
		if f := c.cancellation(ctx); f != nil {
			return runtime.Result{State: runtime.StateFailed, Failure: f}
		}

		action, err := c.execute(ctx, tracer, p)
		if err != nil {
			f := policyFailure(p.Name(), err)
			c.logger.Debug("policy failed",
				"api_id", c.apiID(),
				"direction", c.direction.String(),
				"policy", p.Name(),
				"class", string(f.Class),
				"error", err,
			)
			return runtime.Result{State: runtime.StateFailed, Failure: f}
		}
		if action.Halts() {
			c.logger.Debug("policy short-circuited chain",
				"api_id", c.apiID(),
				"direction", c.direction.String(),
				"policy", p.Name(),
				"status", action.Response.Status,
			)
			return runtime.Result{State: runtime.StateCompleted, Response: action.Response}
		}
	}

	if f := c.cancellation(ctx); f != nil {
		return runtime.Result{State: runtime.StateFailed, Failure: f}
	}
	return runtime.Result{State: runtime.StateCompleted}
}

func (c *PolicyChain) execute(ctx context.Context, tracer trace.Tracer, p runtime.Policy) (action runtime.Action, err error) {
	start := time.Now()
	policyCtx, span := tracer.Start(ctx, "policy.execute",
		trace.WithAttributes(
			attribute.String("policy.name", p.Name()),
			attribute.String("chain.direction", c.direction.String()),
		),
	)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("policy panicked: %v", r)
		}

		outcome := "continue"
		switch {
		case err != nil:
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case action.Halts():
			outcome = "short_circuit"
		}
		span.SetAttributes(attribute.String("policy.outcome", outcome))
		span.End()

		telemetry.RecordPolicyMetrics(ctx, telemetry.PolicyMetrics{
			APIID:     c.apiID(),
			Direction: c.direction.String(),
			Policy:    p.Name(),
			Outcome:   outcome,
			Duration:  time.Since(start),
		})
	}()

	return p.Execute(policyCtx, c.exec)
}

func (c *PolicyChain) finish(ctx context.Context, result runtime.Result, elapsed time.Duration) {
	c.result = result
	c.state.Store(int32(result.State))

	class := ""
	if result.Failure != nil {
		class = string(result.Failure.Class)
	}
	telemetry.RecordChainMetrics(ctx, telemetry.ChainMetrics{
		APIID:     c.apiID(),
		Direction: c.direction.String(),
		State:     result.State.String(),
		Class:     class,
		Policies:  len(c.policies),
		Duration:  elapsed,
	})

	if !result.Proceed() {
		c.streamClosed = true
		c.Release()
	}

	handlers := c.resultHandlers
	c.resultHandlers = nil
	for _, fn := range handlers {
		fn(result)
	}
}

// OnData offers a body chunk to the body policies in order and forwards what
// leaves the last one to the body handler.
func (c *PolicyChain) OnData(ctx context.Context, chunk []byte) error {
	if err := c.streamOpen(); err != nil {
		return err
	}
	if f := c.cancellation(ctx); f != nil {
		return c.streamFailure(f)
	}
	return c.push(ctx, 0, chunk)
}

// OnEnd flushes each body policy in order. Bytes a policy held back are fed to
// the later policies before they are flushed themselves.
func (c *PolicyChain) OnEnd(ctx context.Context) error {
	if err := c.streamOpen(); err != nil {
		return err
	}
	if f := c.cancellation(ctx); f != nil {
		return c.streamFailure(f)
	}

	for i, p := range c.bodies {
		tail, err := safeBody(func() ([]byte, error) { return p.OnEnd(ctx, c.exec) })
		if err != nil {
			return c.streamFailure(policyFailure(p.Name(), err))
		}
		if len(tail) > 0 {
			if err := c.push(ctx, i+1, tail); err != nil {
				return err
			}
		}
	}

	c.streamClosed = true
	defer c.Release()
	if c.endHandler != nil {
		return c.endHandler()
	}
	return nil
}

func (c *PolicyChain) push(ctx context.Context, from int, data []byte) error {
	for _, p := range c.bodies[from:] {
		out, err := safeBody(func() ([]byte, error) { return p.OnChunk(ctx, c.exec, data) })
		if err != nil {
			return c.streamFailure(policyFailure(p.Name(), err))
		}
		if len(out) == 0 {
			return nil
		}
		data = out
	}
	if c.bodyHandler != nil && len(data) > 0 {
		return c.bodyHandler(data)
	}
	return nil
}

func (c *PolicyChain) streamOpen() error {
	if c.State() != runtime.StateCompleted || c.result.Response != nil || c.streamClosed {
		return domain.ErrStreamClosed
	}
	return nil
}

func (c *PolicyChain) streamFailure(f *domain.Failure) error {
	c.streamClosed = true
	c.logger.Debug("body processing failed",
		"api_id", c.apiID(),
		"direction", c.direction.String(),
		"policy", f.Policy,
		"class", string(f.Class),
	)
	for _, fn := range c.failureHandlers {
		fn(f)
	}
	c.Release()
	return f
}

// Release closes call-scoped policy instances. It is idempotent.
func (c *PolicyChain) Release() {
	c.releaseOnce.Do(func() {
		for _, p := range c.policies {
			closer, ok := p.(io.Closer)
			if !ok {
				continue
			}
			if err := closer.Close(); err != nil {
				c.logger.Warn("policy close failed", "policy", p.Name(), "error", err)
			}
		}
	})
}

func (c *PolicyChain) cancellation(ctx context.Context) *domain.Failure {
	var cause error
	switch {
	case ctx != nil && ctx.Err() != nil:
		cause = context.Cause(ctx)
	case c.exec != nil && c.exec.Cancelled():
		cause = c.exec.Err()
	default:
		return nil
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return domain.NewFailure(domain.FailureTimeout, "call deadline exceeded").WithCause(cause)
	}
	return domain.NewFailure(domain.FailureCancelled, "call cancelled").WithCause(cause)
}

func (c *PolicyChain) apiID() string {
	if c.exec == nil || c.exec.API == nil {
		return ""
	}
	return c.exec.API.ID
}

func safeBody(fn func() ([]byte, error)) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("policy panicked: %v", r)
		}
	}()
	return fn()
}

func policyFailure(name string, err error) *domain.Failure {
	f := classify(err)
	if f.Policy == "" {
		f.Policy = name
	}
	return f
}

// classify maps a policy error to a failure. Policies that return *domain.Failure
// keep their class and response.
func classify(err error) *domain.Failure {
	if f, ok := domain.AsFailure(err); ok {
		return f
	}
	switch {
	case errors.Is(err, domain.ErrChainCancelled), errors.Is(err, context.Canceled):
		return domain.NewFailure(domain.FailureCancelled, "call cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded):
		return domain.NewFailure(domain.FailureTimeout, "policy deadline exceeded").WithCause(err)
	default:
		return domain.NewFailure(domain.FailureExecution, err.Error()).WithCause(err)
	}
}
