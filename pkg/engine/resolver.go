package engine

import (
	"fmt"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/condition"
)

// ConditionMatcher decides whether a binding's activation condition holds.
type ConditionMatcher interface {
	Match(c domain.Condition, exec *domain.ExecutionContext, direction domain.Direction) (bool, error)
}

// PolicyResolverConfig holds dependencies for creating a PolicyResolver.
type PolicyResolverConfig struct {
	// Matcher evaluates activation conditions. Defaults to a condition.Evaluator.
	Matcher ConditionMatcher
	Logger  *slog.Logger
}

// PolicyResolver selects the policies that apply to one direction of a call.
type PolicyResolver struct {
	matcher ConditionMatcher
	logger  *slog.Logger
}

// NewPolicyResolver creates a resolver.
func NewPolicyResolver(cfg PolicyResolverConfig) (*PolicyResolver, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	matcher := cfg.Matcher
	if matcher == nil {
		eval, err := condition.NewEvaluator()
		if err != nil {
			return nil, err
		}
		matcher = eval
	}
	return &PolicyResolver{matcher: matcher, logger: logger}, nil
}

// Resolve returns the descriptors to run for the direction, in execution order.
//
// Request policies keep their declaration order. Response policies run in the
// reverse order so the first declared policy is the last to see the response.
// When the call carries an upstream failure only response bindings marked
// RunOnFailure are considered.
func (r *PolicyResolver) Resolve(exec *domain.ExecutionContext, direction domain.Direction) ([]domain.PolicyDescriptor, error) {
	if exec == nil || exec.API == nil {
		return nil, nil
	}

	failed := direction == domain.OnResponse && exec.Failure() != nil
	bindings := exec.API.Policies
	out := make([]domain.PolicyDescriptor, 0, len(bindings))

	for i := range bindings {
		idx := i
		if direction == domain.OnResponse {
			idx = len(bindings) - 1 - i
		}
		b := bindings[idx]

		if b.Disabled || !b.AppliesTo(direction) {
			continue
		}
		if failed && !b.RunOnFailure {
			continue
		}

		ok, err := r.matcher.Match(b.Condition, exec, direction)
		if err != nil {
			return nil, fmt.Errorf("api %q policy %q: %w", exec.API.ID, b.Name, err)
		}
		if !ok {
			continue
		}
		out = append(out, b.Descriptor())
	}

	r.logger.Debug("policies resolved",
		"api_id", exec.API.ID,
		"direction", direction.String(),
		"count", len(out),
	)
	return out, nil
}
