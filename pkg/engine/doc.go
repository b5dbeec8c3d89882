// Package engine implements policy chain execution for the gateway data plane.
//
// Architecture:
//
// registry.go       - Deployed API definitions and context-path selection (APIRegistry)
// manager.go        - Policy plugin registry and shareable instance cache (PolicyManager)
// resolver.go       - Per-call policy selection and ordering (PolicyResolver)
// chain_factory.go  - Chain assembly from resolved descriptors (ChainFactory)
// chain.go          - Request and response chains (PolicyChain)
// noop_chain.go     - Pass-through processor used when no policy applies
// http_egress.go    - Upstream connector with TLS and circuit breaking (HTTPUpstream)
// http_handler.go   - HTTP integration layer (GatewayHandler)
//
// A call runs the request chain, forwards to the API target, then runs the
// response chain with the policies in reverse declaration order. Bodies stream
// through the chains chunk by chunk in both directions.
package engine
