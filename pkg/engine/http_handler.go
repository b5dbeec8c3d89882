package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// HeaderRequestID carries the call identifier in both directions.
const HeaderRequestID = "X-Request-ID"

// GatewayHandlerConfig holds dependencies for creating a GatewayHandler.
type GatewayHandlerConfig struct {
	Registry  *APIRegistry
	Resolver  *PolicyResolver
	Factory   *ChainFactory
	Upstream  Upstream
	Metrics   *telemetry.GatewayMetrics
	Logger    *slog.Logger
	ChunkSize int
}

// GatewayHandler is the HTTP data plane: it selects the API, runs the request
// chain, forwards to the upstream and runs the response chain while streaming
// bodies through both.
type GatewayHandler struct {
	registry  *APIRegistry
	resolver  *PolicyResolver
	factory   *ChainFactory
	upstream  Upstream
	metrics   *telemetry.GatewayMetrics
	logger    *slog.Logger
	chunkSize int
}

// NewGatewayHandler constructs the data plane handler.
func NewGatewayHandler(cfg GatewayHandlerConfig) *GatewayHandler {
	if cfg.Registry == nil || cfg.Resolver == nil || cfg.Factory == nil || cfg.Upstream == nil {
		panic("engine: gateway handler requires registry, resolver, factory and upstream")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = runtime.DefaultChunkSize
	}
	return &GatewayHandler{
		registry:  cfg.Registry,
		resolver:  cfg.Resolver,
		factory:   cfg.Factory,
		upstream:  cfg.Upstream,
		metrics:   cfg.Metrics,
		logger:    logger,
		chunkSize: chunk,
	}
}

// ServeHTTP implements http.Handler.
func (h *GatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w}
	ctx := r.Context()

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	rec.Header().Set(HeaderRequestID, requestID)

	api, err := h.registry.Select(r.URL.Path)
	if err != nil {
		h.writeError(ctx, rec, http.StatusNotFound, "API_NOT_FOUND", "no API is published at this path", requestID)
		h.metrics.RecordRequest("", r.Method, rec.status(), time.Since(start))
		return
	}

	headers := r.Header.Clone()
	headers.Set(HeaderRequestID, requestID)
	exec := domain.NewExecutionContext(ctx, api, domain.RequestMetadata{
		ID:         requestID,
		Method:     r.Method,
		Path:       r.URL.Path,
		RawQuery:   r.URL.RawQuery,
		Host:       r.Host,
		RemoteAddr: r.RemoteAddr,
		Headers:    headers,
		Received:   start,
	})
	defer exec.Release()

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(attribute.String("api.id", api.ID), attribute.String("request.id", requestID))
		span.SetAttributes(telemetry.HeaderAttributes("http.request.header", r.Header)...)
	}

	h.serve(exec.Context(), rec, r, exec)

	h.metrics.RecordRequest(api.ID, r.Method, rec.status(), time.Since(start))
	h.logger.Debug("call completed",
		"api_id", api.ID,
		"request_id", requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (h *GatewayHandler) serve(ctx context.Context, w *statusRecorder, r *http.Request, exec *domain.ExecutionContext) {
	reqChain, f := h.buildChain(exec, domain.OnRequest)
	if f != nil {
		h.writeFailure(ctx, w, f, exec)
		return
	}

	res := reqChain.Handle(ctx)
	switch {
	case res.State == runtime.StateFailed:
		h.writeFailure(ctx, w, res.Failure, exec)
		return
	case res.Response != nil:
		h.writeResponse(w, res.Response, exec)
		return
	}

	body, contentLength, wait := h.requestBody(ctx, r, reqChain)
	resp, err := h.upstream.RoundTrip(ctx, exec, UpstreamRequest{Body: body, ContentLength: contentLength})
	if closer, ok := body.(io.Closer); ok {
		_ = closer.Close()
	}
	if bodyFailure := wait(); bodyFailure != nil {
		// A request body rejected by a policy wins over whatever the upstream said.
		if resp != nil {
			_ = resp.Body.Close()
		}
		exec.Fail(bodyFailure)
		h.respondToFailure(ctx, w, exec, bodyFailure)
		return
	}
	if err != nil {
		f := upstreamFailure(err)
		h.metrics.RecordUpstreamFailure(exec.API.ID, string(f.Class))
		exec.Fail(f)
		h.respondToFailure(ctx, w, exec, f)
		return
	}
	defer resp.Body.Close()

	exec.Response.Status = resp.StatusCode
	exec.Response.Headers = make(http.Header, len(resp.Header))
	copyHeaders(exec.Response.Headers, resp.Header)

	respChain, f := h.buildChain(exec, domain.OnResponse)
	if f != nil {
		h.writeFailure(ctx, w, f, exec)
		return
	}
	res = respChain.Handle(ctx)
	switch {
	case res.State == runtime.StateFailed:
		h.writeFailure(ctx, w, res.Failure, exec)
		return
	case res.Response != nil:
		h.writeResponse(w, res.Response, exec)
		return
	}

	h.streamResponse(ctx, w, resp.Body, respChain, exec)
}

// buildChain resolves and assembles the processor for a direction.
func (h *GatewayHandler) buildChain(exec *domain.ExecutionContext, direction domain.Direction) (runtime.StreamProcessor, *domain.Failure) {
	descriptors, err := h.resolver.Resolve(exec, direction)
	if err != nil {
		h.logger.Error("policy resolution failed", "api_id", exec.API.ID, "direction", direction.String(), "error", err)
		return nil, domain.NewFailure(domain.FailureExecution, "policy resolution failed").WithCause(err)
	}
	chain, err := h.factory.Create(descriptors, direction, exec)
	if err != nil {
		h.logger.Error("policy chain construction failed", "api_id", exec.API.ID, "direction", direction.String(), "error", err)
		return nil, ConstructionFailure(err)
	}
	chain.OnResult(func(res runtime.Result) {
		if res.Failure != nil {
			h.metrics.RecordChainFailure(exec.API.ID, direction.String(), string(res.Failure.Class))
		}
	})
	return chain, nil
}

// requestBody streams the client body through the request chain into a pipe
// read by the upstream client. wait blocks until the pump is done and returns the
// body failure, if any.
func (h *GatewayHandler) requestBody(ctx context.Context, r *http.Request, chain runtime.StreamProcessor) (io.Reader, int64, func() *domain.Failure) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, 0, func() *domain.Failure { return nil }
	}

	contentLength := r.ContentLength
	if chain.InterceptsBody() {
		contentLength = -1
	}

	var failure atomic.Pointer[domain.Failure]
	chain.OnStreamFailure(func(f *domain.Failure) { failure.Store(f) })

	pr, pw := io.Pipe()
	chain.BodyHandler(func(b []byte) error {
		_, err := pw.Write(b)
		return err
	})
	chain.EndHandler(pw.Close)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := runtime.Pump(ctx, r.Body, chain, h.chunkSize); err != nil {
			pw.CloseWithError(err)
		}
	}()

	return pr, contentLength, func() *domain.Failure {
		<-done
		return failure.Load()
	}
}

// streamResponse writes the upstream body through the response chain. Headers
// are sent with the first byte so a body failure before it still becomes an
// error response.
func (h *GatewayHandler) streamResponse(ctx context.Context, w *statusRecorder, body io.Reader, chain runtime.StreamProcessor, exec *domain.ExecutionContext) {
	writeHeader := func() {
		if w.wroteHeader {
			return
		}
		copyHeaders(w.Header(), exec.Response.Headers)
		if chain.InterceptsBody() {
			w.Header().Del("Content-Length")
		}
		w.WriteHeader(exec.Response.Status)
	}
	chain.BodyHandler(func(b []byte) error {
		writeHeader()
		if _, err := w.Write(b); err != nil {
			return err
		}
		w.Flush()
		return nil
	})
	chain.EndHandler(func() error {
		writeHeader()
		return nil
	})

	err := runtime.Pump(ctx, body, chain, h.chunkSize)
	if err == nil {
		return
	}

	f, ok := domain.AsFailure(err)
	if ok && !w.wroteHeader {
		h.writeFailure(ctx, w, f, exec)
		return
	}
	h.logger.Warn("response stream aborted",
		"api_id", exec.API.ID,
		"request_id", exec.Request.ID,
		"error", err,
	)
}

// respondToFailure runs the run-on-failure response policies before writing
// the upstream failure.
func (h *GatewayHandler) respondToFailure(ctx context.Context, w *statusRecorder, exec *domain.ExecutionContext, f *domain.Failure) {
	if f.Cancelled() {
		return
	}
	exec.Response.Status = f.StatusCode()

	chain, cf := h.buildChain(exec, domain.OnResponse)
	if cf != nil {
		h.writeFailure(ctx, w, cf, exec)
		return
	}
	res := chain.Handle(ctx)
	switch {
	case res.State == runtime.StateFailed:
		h.writeFailure(ctx, w, res.Failure, exec)
	case res.Response != nil:
		h.writeResponse(w, res.Response, exec)
	default:
		copyHeaders(w.Header(), exec.Response.Headers)
		h.writeFailure(ctx, w, f, exec)
	}
}

func (h *GatewayHandler) writeResponse(w *statusRecorder, resp *domain.Response, exec *domain.ExecutionContext) {
	copyHeaders(w.Header(), resp.Headers)
	status := resp.Status
	if status <= 0 {
		status = http.StatusOK
	}
	if len(resp.Body) > 0 {
		w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 && exec.Request.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			h.logger.Debug("write response failed", "request_id", exec.Request.ID, "error", err)
		}
	}
}

func (h *GatewayHandler) writeFailure(ctx context.Context, w *statusRecorder, f *domain.Failure, exec *domain.ExecutionContext) {
	if f == nil || f.Cancelled() {
		return
	}
	telemetry.RecordFailure(trace.SpanFromContext(ctx), f)
	if f.Response != nil {
		h.writeResponse(w, f.Response, exec)
		return
	}
	h.writeError(ctx, w, f.StatusCode(), string(f.Class), publicMessage(f), exec.Request.ID)
}

// writeError writes the JSON error body.
func (h *GatewayHandler) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message, requestID string) {
	var traceID string
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	payload, err := json.Marshal(domain.ErrorResponse{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		TraceID:   traceID,
	})
	if err != nil {
		h.logger.Error("failed to encode error response", "error", err)
		payload = []byte(fmt.Sprintf(`{"code":%q}`, code))
	}

	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		h.logger.Debug("write error response failed", "error", err)
	}
}

// publicMessage hides internal error text from clients.
func publicMessage(f *domain.Failure) string {
	switch f.Class {
	case domain.FailureExecution:
		return "policy execution failed"
	case domain.FailureInvalidConfiguration:
		return "policy configuration is invalid"
	case domain.FailureInstantiation:
		return "policy could not be instantiated"
	}
	if f.Message != "" {
		return f.Message
	}
	return http.StatusText(f.StatusCode())
}

// statusRecorder keeps the first status written and drops superfluous
// WriteHeader calls.
type statusRecorder struct {
	http.ResponseWriter
	wroteHeader bool
	code        int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.WriteHeader(http.StatusOK)
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := r.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("underlying ResponseWriter does not support http.Hijacker")
}

// status returns the written status, 499 when nothing was written.
func (r *statusRecorder) status() int {
	if !r.wroteHeader {
		return domain.FailureCancelled.DefaultStatus()
	}
	return r.code
}
