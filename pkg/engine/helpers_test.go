package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExec(api *domain.APIDefinition) *domain.ExecutionContext {
	if api == nil {
		api = &domain.APIDefinition{ID: "test-api", ContextPath: "/"}
	}
	return domain.NewExecutionContext(context.Background(), api, domain.RequestMetadata{
		ID:      "req-1",
		Method:  http.MethodGet,
		Path:    "/",
		Headers: http.Header{},
	})
}

// callTrace records the order in which stub policies ran.
type callTrace struct {
	mu    sync.Mutex
	steps []string
}

func (t *callTrace) add(step string) {
	t.mu.Lock()
	t.steps = append(t.steps, step)
	t.mu.Unlock()
}

func (t *callTrace) list() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.steps...)
}

type stubPolicy struct {
	name   string
	trace  *callTrace
	run    func(ctx context.Context, exec *domain.ExecutionContext) (runtime.Action, error)
	closed int
}

func (p *stubPolicy) Name() string { return p.name }

func (p *stubPolicy) Execute(ctx context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	if p.trace != nil {
		p.trace.add(p.name)
	}
	if p.run != nil {
		return p.run(ctx, exec)
	}
	return runtime.Continue(), nil
}

func (p *stubPolicy) Close() error {
	p.closed++
	return nil
}

// upperBody upper-cases every chunk.
type upperBody struct {
	stubPolicy
}

func (p *upperBody) OnChunk(_ context.Context, _ *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	return bytes.ToUpper(chunk), nil
}

func (p *upperBody) OnEnd(context.Context, *domain.ExecutionContext) ([]byte, error) {
	return nil, nil
}

// holdBody holds every chunk back until end of stream.
type holdBody struct {
	stubPolicy
	buf bytes.Buffer
}

func (p *holdBody) OnChunk(_ context.Context, _ *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	p.buf.Write(chunk)
	return nil, nil
}

func (p *holdBody) OnEnd(context.Context, *domain.ExecutionContext) ([]byte, error) {
	out := append([]byte(nil), p.buf.Bytes()...)
	p.buf.Reset()
	return out, nil
}

// failBody fails on the first chunk containing marker.
type failBody struct {
	stubPolicy
	marker []byte
}

func (p *failBody) OnChunk(_ context.Context, _ *domain.ExecutionContext, chunk []byte) ([]byte, error) {
	if bytes.Contains(chunk, p.marker) {
		return nil, domain.NewFailure(domain.FailureForbidden, "blocked content")
	}
	return chunk, nil
}

func (p *failBody) OnEnd(context.Context, *domain.ExecutionContext) ([]byte, error) {
	return nil, nil
}

// sink collects what leaves a processor.
type sink struct {
	buf   bytes.Buffer
	ended bool
}

func (s *sink) attach(p runtime.StreamProcessor) {
	p.BodyHandler(func(b []byte) error {
		s.buf.Write(b)
		return nil
	})
	p.EndHandler(func() error {
		s.ended = true
		return nil
	})
}
