// Package tls builds crypto/tls configurations for the gateway listener and for
// upstream connections.
//
// Upstream trust follows the API target settings: a PEM trust store, the system
// roots, or no verification at all when the target asks to trust everything.
package tls
