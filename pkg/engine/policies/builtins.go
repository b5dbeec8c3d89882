// Package policies provides the built-in policy plugins of the gateway.
//
// Policies are plain types implementing the capability interfaces of the
// runtime package (RequestHandler, ResponseHandler and the body handlers).
// Shareable plugins hold no per-call state and are cached by the policy
// manager; the others are instantiated for every call.
package policies

import (
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// Builtins returns the built-in policy plugins.
func Builtins(logger *slog.Logger) []runtime.Plugin {
	if logger == nil {
		logger = slog.Default()
	}
	return []runtime.Plugin{
		{Name: TransformHeadersName, Schema: transformHeadersSchema, Shareable: true, New: NewTransformHeaders},
		{Name: MockName, Schema: mockSchema, Shareable: true, New: NewMock},
		{Name: JWTName, Schema: jwtSchema, Shareable: true, New: NewJWT},
		{Name: RateLimitName, Schema: rateLimitSchema, Shareable: true, New: NewRateLimitFactory(logger)},
		{Name: OPAName, Schema: opaSchema, Shareable: true, New: NewOPAFactory(logger)},
		{Name: DLPName, Schema: dlpSchema, New: NewDLP},
		{Name: WAFName, Schema: wafSchema, New: NewWAFFactory(logger)},
	}
}
