package domain

import (
	"strings"
	"time"
)

// APIDefinition is a published API: where it is mounted, where it forwards to, and
// the ordered policies bound to it.
type APIDefinition struct {
	ID          string
	Name        string
	ContextPath string
	Target      Target
	Policies    []PolicyBinding
}

// Target describes the upstream endpoint of an API.
type Target struct {
	URL     string
	Timeout time.Duration
	TLS     TargetTLS
}

// TargetTLS holds the TLS material used to reach the upstream.
type TargetTLS struct {
	// TrustAll disables server certificate verification.
	TrustAll bool
	// TrustStore is a PEM bundle of trusted CA certificates.
	TrustStore string
	// CertFile and KeyFile hold the client certificate for mutual TLS.
	CertFile   string
	KeyFile    string
	ServerName string
}

// RelativePath strips the API context path from an inbound request path. The
// result always starts with "/".
func (a *APIDefinition) RelativePath(path string) string {
	if a == nil {
		return path
	}
	base := strings.TrimSuffix(a.ContextPath, "/")
	rel := strings.TrimPrefix(path, base)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}
	return rel
}

// Matches reports whether the request path is mounted under the API context path.
func (a *APIDefinition) Matches(path string) bool {
	if a == nil {
		return false
	}
	base := strings.TrimSuffix(a.ContextPath, "/")
	if base == "" {
		return true
	}
	if !strings.HasPrefix(path, base) {
		return false
	}
	rest := path[len(base):]
	return rest == "" || strings.HasPrefix(rest, "/")
}
