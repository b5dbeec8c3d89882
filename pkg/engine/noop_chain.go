package engine

import (
	"context"
	"sync/atomic"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// NoOpChain is the processor used when no policy applies. Its header phase
// completes immediately and body bytes pass through untouched.
type NoOpChain struct {
	direction domain.Direction
	exec      *domain.ExecutionContext

	state          atomic.Int32
	bodyHandler    func([]byte) error
	endHandler     func() error
	resultHandlers []func(runtime.Result)
	streamClosed   bool
}

var _ runtime.StreamProcessor = (*NoOpChain)(nil)

// NewNoOpChain creates a pass-through processor bound to exec.
func NewNoOpChain(direction domain.Direction, exec *domain.ExecutionContext) *NoOpChain {
	c := &NoOpChain{direction: direction, exec: exec}
	c.state.Store(int32(runtime.StateCreated))
	return c
}

func (c *NoOpChain) Direction() domain.Direction { return c.direction }

func (c *NoOpChain) State() runtime.ChainState { return runtime.ChainState(c.state.Load()) }

// Handle completes at once.
func (c *NoOpChain) Handle(context.Context) runtime.Result {
	result := runtime.Result{State: runtime.StateCompleted}
	if c.state.Swap(int32(runtime.StateCompleted)) == int32(runtime.StateCompleted) {
		return result
	}
	handlers := c.resultHandlers
	c.resultHandlers = nil
	for _, fn := range handlers {
		fn(result)
	}
	return result
}

func (c *NoOpChain) OnData(_ context.Context, chunk []byte) error {
	if err := c.streamOpen(); err != nil {
		return err
	}
	if c.bodyHandler != nil && len(chunk) > 0 {
		return c.bodyHandler(chunk)
	}
	return nil
}

func (c *NoOpChain) OnEnd(context.Context) error {
	if err := c.streamOpen(); err != nil {
		return err
	}
	c.streamClosed = true
	if c.endHandler != nil {
		return c.endHandler()
	}
	return nil
}

// streamOpen rejects body events before Handle and after end of stream.
func (c *NoOpChain) streamOpen() error {
	if c.State() != runtime.StateCompleted || c.streamClosed {
		return domain.ErrStreamClosed
	}
	return nil
}

func (c *NoOpChain) BodyHandler(fn func([]byte) error) { c.bodyHandler = fn }

func (c *NoOpChain) EndHandler(fn func() error) { c.endHandler = fn }

func (c *NoOpChain) OnResult(fn func(runtime.Result)) {
	if fn == nil {
		return
	}
	if c.State() == runtime.StateCompleted {
		fn(runtime.Result{State: runtime.StateCompleted})
		return
	}
	c.resultHandlers = append(c.resultHandlers, fn)
}

func (c *NoOpChain) OnStreamFailure(func(*domain.Failure)) {}

func (c *NoOpChain) InterceptsBody() bool { return false }

func (c *NoOpChain) Release() {}
