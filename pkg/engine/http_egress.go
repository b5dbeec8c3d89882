package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-gateway/internal/governance"
	gatewaytls "github.com/polisai/polis-gateway/internal/tls"
	"github.com/polisai/polis-gateway/pkg/domain"
)

// DefaultUpstreamTimeout bounds the wait for upstream response headers when the
// API target does not set one.
const DefaultUpstreamTimeout = 60 * time.Second

// UpstreamRequest is the outbound call built from the execution context.
type UpstreamRequest struct {
	Body          io.Reader
	ContentLength int64
}

// Upstream forwards a call to the API target and returns its response. Failures
// to obtain a response are returned as *domain.Failure.
type Upstream interface {
	RoundTrip(ctx context.Context, exec *domain.ExecutionContext, req UpstreamRequest) (*http.Response, error)
}

// HTTPUpstreamConfig holds dependencies for creating an HTTPUpstream.
type HTTPUpstreamConfig struct {
	Timeout  time.Duration
	Breakers *governance.BreakerSet
	Logger   *slog.Logger
}

// HTTPUpstream forwards calls over HTTP(S). It keeps one client per API and TLS
// setup, and guards each upstream host with a circuit breaker.
type HTTPUpstream struct {
	mu       sync.Mutex
	clients  map[string]*http.Client
	timeout  time.Duration
	breakers *governance.BreakerSet
	logger   *slog.Logger
}

// NewHTTPUpstream creates an upstream connector.
func NewHTTPUpstream(cfg HTTPUpstreamConfig) *HTTPUpstream {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultUpstreamTimeout
	}
	return &HTTPUpstream{
		clients:  make(map[string]*http.Client),
		timeout:  timeout,
		breakers: cfg.Breakers,
		logger:   logger,
	}
}

// RoundTrip sends the request described by exec to its target.
func (u *HTTPUpstream) RoundTrip(ctx context.Context, exec *domain.ExecutionContext, req UpstreamRequest) (*http.Response, error) {
	if exec == nil || exec.API == nil {
		return nil, errors.New("upstream: execution context has no API")
	}

	target, err := buildTargetURL(exec)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureUpstreamUnavailable, "invalid upstream target").WithCause(err)
	}

	client, err := u.client(exec.API)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureUpstreamUnavailable, "upstream TLS setup failed").WithCause(
			fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err))
	}

	outbound, err := http.NewRequestWithContext(ctx, exec.Request.Method, target.String(), req.Body)
	if err != nil {
		return nil, domain.NewFailure(domain.FailureUpstreamUnavailable, "invalid upstream request").WithCause(err)
	}
	copyHeaders(outbound.Header, exec.Request.Headers)
	outbound.ContentLength = req.ContentLength
	if req.Body == nil {
		outbound.ContentLength = 0
	}
	if req.ContentLength < 0 {
		outbound.Header.Del("Content-Length")
	}
	appendForwardedFor(outbound.Header, exec.Request.RemoteAddr)
	if exec.Request.Host != "" {
		outbound.Header.Set("X-Forwarded-Host", exec.Request.Host)
	}
	if exec.Request.ID != "" {
		outbound.Header.Set("X-Request-ID", exec.Request.ID)
	}

	start := time.Now()
	resp, err := governance.Execute(ctx, u.breakers, target.Host, func() (*http.Response, error) {
		return client.Do(outbound)
	})
	if err != nil {
		f := upstreamFailure(err)
		u.logger.Warn("upstream call failed",
			"api_id", exec.API.ID,
			"target", target.Host,
			"class", string(f.Class),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return nil, f
	}
	return resp, nil
}

// BreakerState reports the circuit state of an upstream host.
func (u *HTTPUpstream) BreakerState(host string) string {
	return u.breakers.State(host)
}

func (u *HTTPUpstream) client(api *domain.APIDefinition) (*http.Client, error) {
	timeout := api.Target.Timeout
	if timeout <= 0 {
		timeout = u.timeout
	}
	key := fmt.Sprintf("%s|%+v|%s", api.ID, api.Target.TLS, timeout)

	u.mu.Lock()
	defer u.mu.Unlock()
	if c, ok := u.clients[key]; ok {
		return c, nil
	}

	base, _ := http.DefaultTransport.(*http.Transport)
	transport := base.Clone()
	transport.ResponseHeaderTimeout = timeout

	tlsCfg := gatewaytls.ClientConfig{
		TrustAll:   api.Target.TLS.TrustAll,
		TrustStore: api.Target.TLS.TrustStore,
		CertFile:   api.Target.TLS.CertFile,
		KeyFile:    api.Target.TLS.KeyFile,
		ServerName: api.Target.TLS.ServerName,
	}
	if !tlsCfg.IsZero() {
		clientTLS, err := gatewaytls.BuildClient(tlsCfg)
		if err != nil {
			return nil, fmt.Errorf("api %q: %w", api.ID, err)
		}
		transport.TLSClientConfig = clientTLS
	}

	c := &http.Client{
		Transport: otelhttp.NewTransport(transport),
		// Redirects are relayed to the client untouched.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	u.clients[key] = c
	return c, nil
}

func buildTargetURL(exec *domain.ExecutionContext) (*url.URL, error) {
	base, err := url.Parse(exec.Target)
	if err != nil {
		return nil, err
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("target %q is not absolute", exec.Target)
	}

	rel := exec.API.RelativePath(exec.Request.Path)
	out := *base
	switch {
	case rel == "/":
		if out.Path == "" {
			out.Path = "/"
		}
	default:
		out.Path = strings.TrimSuffix(base.Path, "/") + rel
	}
	out.RawPath = ""
	out.RawQuery = mergeQuery(base.RawQuery, exec.Request.RawQuery)
	return &out, nil
}

func mergeQuery(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "&" + b
	}
}

func upstreamFailure(err error) *domain.Failure {
	if f, ok := domain.AsFailure(err); ok {
		return f
	}
	cause := fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)

	var netErr net.Error
	switch {
	case errors.Is(err, governance.ErrCircuitOpen):
		f := domain.NewFailure(domain.FailureUpstreamUnavailable, "upstream circuit is open").WithCause(cause)
		f.Status = http.StatusServiceUnavailable
		return f
	case errors.Is(err, context.Canceled):
		return domain.NewFailure(domain.FailureCancelled, "call cancelled").WithCause(err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return domain.NewFailure(domain.FailureTimeout, "upstream did not respond in time").WithCause(cause)
	default:
		return domain.NewFailure(domain.FailureUpstreamUnavailable, "upstream unavailable").WithCause(cause)
	}
}

// copyHeaders copies HTTP headers from src to dst, filtering hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func appendForwardedFor(h http.Header, remoteAddr string) {
	if remoteAddr == "" {
		return
	}
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		ip = prior + ", " + ip
	}
	h.Set("X-Forwarded-For", ip)
}

var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// isHopByHopHeader identifies HTTP hop-by-hop headers that must not be forwarded.
func isHopByHopHeader(header string) bool {
	_, ok := hopByHopHeaders[strings.ToLower(header)]
	return ok
}
