package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// ChainState is the lifecycle state of a chain.
type ChainState int32

const (
	// StateCreated means the policies are assembled and nothing has run.
	StateCreated ChainState = iota
	// StateRunning means policies are executing.
	StateRunning
	// StateCompleted means every policy passed control on, or one short-circuited.
	StateCompleted
	// StateFailed means a policy failed or the call was cancelled.
	StateFailed
)

func (s ChainState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("ChainState(%d)", int32(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s ChainState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Result is the terminal outcome of a chain's header phase.
type Result struct {
	State ChainState
	// Failure is set when State is StateFailed.
	Failure *domain.Failure
	// Response is set when a policy short-circuited the chain.
	Response *domain.Response
}

// Proceed reports whether the call should move to the next stage.
func (r Result) Proceed() bool {
	return r.State == StateCompleted && r.Response == nil
}

// StreamProcessor is the contract the transport drives for one direction of a call.
//
// Handle runs the header phase once. When it completes without a short-circuit the
// transport feeds the body through OnData and finishes with OnEnd; the processor
// forwards output to the body and end handlers. A processor is not safe for
// concurrent use, except State.
type StreamProcessor interface {
	Direction() domain.Direction
	State() ChainState
	Handle(ctx context.Context) Result
	OnData(ctx context.Context, chunk []byte) error
	OnEnd(ctx context.Context) error
	BodyHandler(fn func(chunk []byte) error)
	EndHandler(fn func() error)
	// OnResult registers a callback fired when the header phase terminates.
	OnResult(fn func(Result))
	// OnStreamFailure registers a callback fired when body processing fails.
	OnStreamFailure(fn func(*domain.Failure))
	// InterceptsBody reports whether any policy may change the body.
	InterceptsBody() bool
	// Release frees call-scoped policy instances.
	Release()
}

// DefaultChunkSize is the read size used by Pump when none is given.
const DefaultChunkSize = 32 * 1024

// Pump reads src in chunks, offers each to the processor, and signals end of
// stream after EOF.
func Pump(ctx context.Context, src io.Reader, p StreamProcessor, chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if src == nil {
		return p.OnEnd(ctx)
	}

	buf := make([]byte, chunkSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			// Policies may retain the slice, so hand over a copy.
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := p.OnData(ctx, chunk); err != nil {
				return err
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return p.OnEnd(ctx)
			}
			return fmt.Errorf("read body: %w", readErr)
		}
	}
}
