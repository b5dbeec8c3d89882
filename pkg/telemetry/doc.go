// Package telemetry wires OpenTelemetry tracing and meters for the gateway engine
// and exposes the Prometheus metrics served on the admin listener.
//
// It centralises trace provider setup, records policy and chain instruments, and
// offers helpers that attach failure metadata to spans without leaking
// credentials carried in headers.
package telemetry
