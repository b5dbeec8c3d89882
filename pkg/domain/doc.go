// Package domain defines the core types of the gateway: API definitions, policy
// bindings and descriptors, the per-call execution context, and the failure taxonomy.
//
// This package has ZERO dependencies outside the Go standard library. Engine,
// transport, and policy packages depend on it; it never depends on them.
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
