package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// Common domain errors
var (
	ErrAPINotFound                = errors.New("api not found")
	ErrConfigInvalid              = errors.New("invalid configuration")
	ErrInvalidPolicyConfiguration = errors.New("invalid policy configuration")
	ErrPolicyInstantiation        = errors.New("policy instantiation failed")
	ErrChainCancelled             = errors.New("policy chain cancelled")
	ErrChainStarted               = errors.New("policy chain already started")
	ErrStreamClosed               = errors.New("policy chain stream is not open")
	ErrUpstreamUnavailable        = errors.New("upstream unavailable")
)

// FailureClass is the machine-readable classification of a failed call.
type FailureClass string

// Failure classes surfaced to clients in the error response code field.
const (
	FailureExecution            FailureClass = "POLICY_EXECUTION_FAILED"
	FailureUnauthorized         FailureClass = "UNAUTHORIZED"
	FailureForbidden            FailureClass = "FORBIDDEN"
	FailureRateLimited          FailureClass = "RATE_LIMITED"
	FailureBadRequest           FailureClass = "BAD_REQUEST"
	FailureTimeout              FailureClass = "GATEWAY_TIMEOUT"
	FailureInvalidConfiguration FailureClass = "INVALID_CONFIGURATION"
	FailureInstantiation        FailureClass = "POLICY_INSTANTIATION_FAILED"
	FailureUpstreamUnavailable  FailureClass = "UPSTREAM_UNAVAILABLE"
	FailureCancelled            FailureClass = "CANCELLED"
)

// DefaultStatus returns the HTTP status used when a failure does not carry one.
func (c FailureClass) DefaultStatus() int {
	switch c {
	case FailureUnauthorized:
		return http.StatusUnauthorized
	case FailureForbidden:
		return http.StatusForbidden
	case FailureRateLimited:
		return http.StatusTooManyRequests
	case FailureBadRequest:
		return http.StatusBadRequest
	case FailureTimeout:
		return http.StatusGatewayTimeout
	case FailureUpstreamUnavailable:
		return http.StatusBadGateway
	case FailureCancelled:
		// Client closed request; never written to a live connection.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// Failure is a classified error raised while processing a call. Policies return it
// to control the status and body the client receives.
type Failure struct {
	Class   FailureClass
	Status  int
	Message string
	// Policy is the name of the policy that failed, if any.
	Policy string
	// Response, when set, is written to the client as-is.
	Response *Response
	Err      error
}

// NewFailure builds a failure with the class default status.
func NewFailure(class FailureClass, message string) *Failure {
	return &Failure{Class: class, Status: class.DefaultStatus(), Message: message}
}

// WithResponse attaches a pre-built response.
func (f *Failure) WithResponse(resp *Response) *Failure {
	f.Response = resp
	return f
}

// WithCause records the underlying error.
func (f *Failure) WithCause(err error) *Failure {
	f.Err = err
	return f
}

// StatusCode returns the status to surface for the failure.
func (f *Failure) StatusCode() int {
	if f.Response != nil && f.Response.Status > 0 {
		return f.Response.Status
	}
	if f.Status > 0 {
		return f.Status
	}
	return f.Class.DefaultStatus()
}

func (f *Failure) Error() string {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	if f.Policy != "" {
		return fmt.Sprintf("policy %q: %s: %s", f.Policy, f.Class, msg)
	}
	return fmt.Sprintf("%s: %s", f.Class, msg)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Cancelled reports whether the failure is a cancellation.
func (f *Failure) Cancelled() bool {
	return f != nil && f.Class == FailureCancelled
}

// AsFailure extracts a *Failure from an error chain.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// ErrorResponse defines the standard JSON error model returned to clients.
// TraceID should carry the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}
