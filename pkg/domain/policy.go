package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Direction identifies which half of a call a chain processes.
type Direction int

const (
	// OnRequest processes the inbound request before it is forwarded upstream.
	OnRequest Direction = iota
	// OnResponse processes the upstream response before it is written to the client.
	OnResponse
)

func (d Direction) String() string {
	switch d {
	case OnRequest:
		return "request"
	case OnResponse:
		return "response"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// ParseDirection converts a configuration value into a Direction.
func ParseDirection(value string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "request", "on_request", "on-request":
		return OnRequest, nil
	case "response", "on_response", "on-response":
		return OnResponse, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", ErrConfigInvalid, value)
	}
}

// Configuration is the opaque per-API configuration of a policy, stored as a JSON
// document. It is passed verbatim to the policy factory and must not be modified.
type Configuration []byte

// Identity returns a stable digest of the configuration. Equal documents byte for
// byte share an identity.
func (c Configuration) Identity() string {
	if len(c) == 0 {
		return ""
	}
	sum := sha256.Sum256(c)
	return hex.EncodeToString(sum[:])
}

// PolicyDescriptor names one policy to run for one call together with its
// configuration.
type PolicyDescriptor struct {
	Name          string
	Configuration Configuration
}

// Condition restricts when a bound policy is active. Empty fields match everything.
type Condition struct {
	// Paths are glob patterns matched against the request path relative to the API
	// context path. "*" stays within a segment, "**" crosses segments.
	Paths []string
	// Methods are HTTP methods compared case-insensitively.
	Methods []string
	// Expression is a CEL expression that must evaluate to a boolean.
	Expression string
}

// IsZero reports whether the condition always matches.
func (c Condition) IsZero() bool {
	return len(c.Paths) == 0 && len(c.Methods) == 0 && strings.TrimSpace(c.Expression) == ""
}

// PolicyBinding is a policy declared on an API definition.
type PolicyBinding struct {
	Name          string
	Configuration Configuration
	// Directions lists where the policy is bound. Empty binds both directions.
	Directions []Direction
	Condition  Condition
	// RunOnFailure keeps a response policy active when the upstream could not be
	// reached and the response is a gateway failure.
	RunOnFailure bool
	Disabled     bool
}

// AppliesTo reports whether the binding is declared for the direction.
func (b PolicyBinding) AppliesTo(direction Direction) bool {
	if len(b.Directions) == 0 {
		return true
	}
	for _, d := range b.Directions {
		if d == direction {
			return true
		}
	}
	return false
}

// Descriptor returns the resolved descriptor for the binding.
func (b PolicyBinding) Descriptor() PolicyDescriptor {
	return PolicyDescriptor{Name: b.Name, Configuration: b.Configuration}
}
