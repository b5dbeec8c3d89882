package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// ChainFactoryConfig holds dependencies for creating a ChainFactory.
type ChainFactoryConfig struct {
	Manager PolicyCreator
	Logger  *slog.Logger
}

// ChainFactory assembles the processor for one direction of a call.
type ChainFactory struct {
	manager PolicyCreator
	logger  *slog.Logger
}

// NewChainFactory creates a factory backed by the given policy creator.
func NewChainFactory(cfg ChainFactoryConfig) *ChainFactory {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainFactory{manager: cfg.Manager, logger: logger}
}

// Create builds the chain for descriptors. An empty list yields a NoOpChain.
// Unknown policies are skipped; configuration and instantiation errors abort the
// build and release the policies created so far.
func (f *ChainFactory) Create(descriptors []domain.PolicyDescriptor, direction domain.Direction, exec *domain.ExecutionContext) (runtime.StreamProcessor, error) {
	if len(descriptors) == 0 {
		return NewNoOpChain(direction, exec), nil
	}
	if f.manager == nil {
		return nil, errors.New("chain factory has no policy manager")
	}

	policies := make([]runtime.Policy, 0, len(descriptors))
	for _, d := range descriptors {
		policy, ok, err := f.manager.Create(direction, d.Name, d.Configuration)
		if err != nil {
			release(policies, f.logger)
			return nil, fmt.Errorf("build %s chain: %w", direction, err)
		}
		if !ok {
			f.logger.Debug("policy skipped",
				"policy", d.Name,
				"direction", direction.String(),
			)
			continue
		}
		policies = append(policies, policy)
	}

	if direction == domain.OnResponse {
		return NewResponseChain(policies, exec, f.logger), nil
	}
	return NewRequestChain(policies, exec, f.logger), nil
}

func release(policies []runtime.Policy, logger *slog.Logger) {
	for _, p := range policies {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				logger.Warn("policy close failed", "policy", p.Name(), "error", err)
			}
		}
	}
}

// ConstructionFailure classifies a chain construction error for the client.
func ConstructionFailure(err error) *domain.Failure {
	if f, ok := domain.AsFailure(err); ok {
		return f
	}
	class := domain.FailureInstantiation
	if errors.Is(err, domain.ErrInvalidPolicyConfiguration) {
		class = domain.FailureInvalidConfiguration
	}
	return domain.NewFailure(class, "policy chain could not be built").WithCause(err)
}
