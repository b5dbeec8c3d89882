// Package governance holds the runtime safety controls the gateway applies to
// calls: request rate limiting, local or shared through Redis, and per-upstream
// circuit breaking.
package governance
