package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// PolicyDeployer prepares the policies of a set of API definitions. Every
// binding is instantiated once; the prepared deployment is then committed or
// discarded.
type PolicyDeployer interface {
	Prepare(apis []*domain.APIDefinition) (PolicyDeployment, error)
}

// ConditionCompiler checks activation conditions ahead of traffic.
type ConditionCompiler interface {
	Compile(c domain.Condition) error
}

// APIRegistryConfig holds dependencies for creating an APIRegistry.
type APIRegistryConfig struct {
	Policies   PolicyDeployer
	Conditions ConditionCompiler
	Logger     *slog.Logger
}

// APIRegistry maintains the deployed API definitions and selects the one serving
// a request path.
//
// Updates are all or nothing: a rejected set leaves the last known good
// definitions in place.
type APIRegistry struct {
	mu         sync.RWMutex
	apis       []*domain.APIDefinition // longest context path first
	byID       map[string]*domain.APIDefinition
	generation int64

	policies   PolicyDeployer
	conditions ConditionCompiler
	logger     *slog.Logger
}

// NewAPIRegistry creates an empty registry.
func NewAPIRegistry(cfg APIRegistryConfig) *APIRegistry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &APIRegistry{
		byID:       make(map[string]*domain.APIDefinition),
		policies:   cfg.Policies,
		conditions: cfg.Conditions,
		logger:     logger,
	}
}

// Update validates the definitions, deploys their policies and swaps them in.
func (r *APIRegistry) Update(_ context.Context, apis []*domain.APIDefinition) error {
	if err := validateAPIs(apis); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
	}

	if r.conditions != nil {
		var errs []error
		for _, api := range apis {
			for _, b := range api.Policies {
				if err := r.conditions.Compile(b.Condition); err != nil {
					errs = append(errs, fmt.Errorf("api %q policy %q: %w", api.ID, b.Name, err))
				}
			}
		}
		if err := errors.Join(errs...); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
	}

	if r.policies != nil {
		deployment, err := r.policies.Prepare(apis)
		if err != nil {
			deployment.Discard()
			return fmt.Errorf("%w: %w", domain.ErrConfigInvalid, err)
		}
		deployment.Commit()
	}

	sorted := make([]*domain.APIDefinition, len(apis))
	copy(sorted, apis)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(strings.TrimSuffix(sorted[i].ContextPath, "/")) > len(strings.TrimSuffix(sorted[j].ContextPath, "/"))
	})
	byID := make(map[string]*domain.APIDefinition, len(apis))
	for _, api := range apis {
		byID[api.ID] = api
	}

	r.mu.Lock()
	r.apis = sorted
	r.byID = byID
	r.generation++
	generation := r.generation
	r.mu.Unlock()

	r.logger.Info("api registry updated",
		slog.Int64("generation", generation),
		slog.Int("api_count", len(apis)),
	)
	return nil
}

// Select returns the API whose context path is the longest prefix of path.
func (r *APIRegistry) Select(path string) (*domain.APIDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, api := range r.apis {
		if api.Matches(path) {
			return api, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrAPINotFound, path)
}

// Get returns an API by ID.
func (r *APIRegistry) Get(id string) (*domain.APIDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	api, ok := r.byID[id]
	return api, ok
}

// List returns the deployed APIs sorted by ID.
func (r *APIRegistry) List() []*domain.APIDefinition {
	r.mu.RLock()
	out := make([]*domain.APIDefinition, 0, len(r.byID))
	for _, api := range r.byID {
		out = append(out, api)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Generation returns the number of accepted updates.
func (r *APIRegistry) Generation() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generation
}

// validateAPIs performs structural validation on API definitions.
func validateAPIs(apis []*domain.APIDefinition) error {
	seenIDs := make(map[string]bool)
	seenPaths := make(map[string]string)

	for i, api := range apis {
		if api == nil {
			return fmt.Errorf("api[%d]: definition is nil", i)
		}
		if api.ID == "" {
			return fmt.Errorf("api[%d]: ID is required", i)
		}
		if seenIDs[api.ID] {
			return fmt.Errorf("api[%d]: duplicate ID %q", i, api.ID)
		}
		seenIDs[api.ID] = true

		if !strings.HasPrefix(api.ContextPath, "/") {
			return fmt.Errorf("api[%d] %q: context path must start with '/'", i, api.ID)
		}
		path := strings.TrimSuffix(api.ContextPath, "/")
		if other, dup := seenPaths[path]; dup {
			return fmt.Errorf("api[%d] %q: context path %q already served by %q", i, api.ID, api.ContextPath, other)
		}
		seenPaths[path] = api.ID

		target, err := url.Parse(api.Target.URL)
		if err != nil {
			return fmt.Errorf("api[%d] %q: invalid target URL: %w", i, api.ID, err)
		}
		if target.Scheme != "http" && target.Scheme != "https" {
			return fmt.Errorf("api[%d] %q: target URL must use http or https", i, api.ID)
		}
		if target.Host == "" {
			return fmt.Errorf("api[%d] %q: target URL has no host", i, api.ID)
		}

		for j, b := range api.Policies {
			if strings.TrimSpace(b.Name) == "" {
				return fmt.Errorf("api[%d] %q policy[%d]: name is required", i, api.ID, j)
			}
		}
	}
	return nil
}
