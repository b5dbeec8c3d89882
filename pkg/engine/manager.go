package engine

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/xeipuuv/gojsonschema"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

// PolicyCreator instantiates a policy for one direction. The chain factory depends
// on this interface rather than on the manager itself.
type PolicyCreator interface {
	Create(direction domain.Direction, name string, cfg domain.Configuration) (runtime.Policy, bool, error)
}

// PolicyManagerConfig holds dependencies for creating a PolicyManager.
type PolicyManagerConfig struct {
	Logger *slog.Logger
}

// PolicyManager owns the plugin registry and the process-wide cache of shareable
// policy instances.
//
// The registry is written at startup and read on every call. The cache is an
// immutable snapshot replaced as a whole by Deploy, so Create never takes a lock
// on the hot path.
type PolicyManager struct {
	mu      sync.RWMutex
	plugins map[string]*registeredPlugin

	cache      atomic.Pointer[policyCache]
	deployMu   sync.Mutex
	generation atomic.Int64
	logger     *slog.Logger
}

type registeredPlugin struct {
	plugin runtime.Plugin
	schema *gojsonschema.Schema
}

type cacheKey struct {
	direction domain.Direction
	name      string
	identity  string
}

type instanceKey struct {
	name     string
	identity string
}

type cacheEntry struct {
	policy runtime.Policy
	shared *sharedInstance
	ok     bool
	err    error
}

type policyCache struct {
	entries   map[cacheKey]cacheEntry
	instances map[instanceKey]*sharedInstance
}

func emptyCache() *policyCache {
	return &policyCache{
		entries:   map[cacheKey]cacheEntry{},
		instances: map[instanceKey]*sharedInstance{},
	}
}

// release drops the cache's reference on each of its instances.
func (c *policyCache) release(logger *slog.Logger) {
	for _, inst := range c.instances {
		inst.release(logger)
	}
}

// sharedInstance is a cached policy instance. Every cache snapshot holding it
// and every chain built from it owns one reference; the instance is closed when
// the last one is dropped.
type sharedInstance struct {
	name  string
	value any
	refs  atomic.Int64
}

func (s *sharedInstance) retain() {
	s.refs.Add(1)
}

// acquire takes a reference unless the instance is already closed.
func (s *sharedInstance) acquire() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *sharedInstance) release(logger *slog.Logger) {
	if s.refs.Add(-1) == 0 {
		closeInstance(s.value, logger, s.name)
	}
}

// lease is the reference a chain holds on a shared instance. Closing it is
// idempotent.
type lease struct {
	shared *sharedInstance
	logger *slog.Logger
	once   sync.Once
}

func (l *lease) Close() error {
	l.once.Do(func() { l.shared.release(l.logger) })
	return nil
}

type leasedPolicy struct {
	runtime.Policy
	*lease
}

type leasedBodyPolicy struct {
	runtime.BodyPolicy
	*lease
}

func leased(p runtime.Policy, shared *sharedInstance, logger *slog.Logger) runtime.Policy {
	l := &lease{shared: shared, logger: logger}
	if bp, ok := p.(runtime.BodyPolicy); ok {
		return &leasedBodyPolicy{BodyPolicy: bp, lease: l}
	}
	return &leasedPolicy{Policy: p, lease: l}
}

// NewPolicyManager creates a manager with an empty registry.
func NewPolicyManager(cfg PolicyManagerConfig) *PolicyManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &PolicyManager{
		plugins: make(map[string]*registeredPlugin),
		logger:  logger,
	}
	m.cache.Store(emptyCache())
	return m
}

// Register adds plugins to the registry. Names are case-sensitive and unique.
func (m *PolicyManager) Register(plugins ...runtime.Plugin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range plugins {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return errors.New("policy plugin name is required")
		}
		if p.New == nil {
			return fmt.Errorf("policy plugin %q has no factory", name)
		}
		if _, exists := m.plugins[name]; exists {
			return fmt.Errorf("policy plugin %q already registered", name)
		}

		entry := &registeredPlugin{plugin: p}
		if strings.TrimSpace(p.Schema) != "" {
			schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(p.Schema))
			if err != nil {
				return fmt.Errorf("policy plugin %q: invalid schema: %w", name, err)
			}
			entry.schema = schema
		}
		m.plugins[name] = entry
	}
	return nil
}

// Names returns the registered plugin names in sorted order.
func (m *PolicyManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Generation returns the number of completed deployments.
func (m *PolicyManager) Generation() int64 {
	return m.generation.Load()
}

func (m *PolicyManager) lookup(name string) (*registeredPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.plugins[name]
	return p, ok
}

// Create returns the policy registered under name, bound to direction.
//
// ok is false, with a nil error, when no plugin has that name or the plugin does
// nothing in the direction; callers skip the policy. Configuration errors wrap
// domain.ErrInvalidPolicyConfiguration and factory failures wrap
// domain.ErrPolicyInstantiation.
//
// A policy served from the shareable cache holds a reference on its instance
// until it is closed, so a redeploy never closes an instance under a running
// chain.
func (m *PolicyManager) Create(direction domain.Direction, name string, cfg domain.Configuration) (runtime.Policy, bool, error) {
	plugin, found := m.lookup(name)
	if !found {
		m.logger.Debug("unknown policy skipped", "policy", name, "direction", direction.String())
		return nil, false, nil
	}

	if plugin.plugin.Shareable {
		key := cacheKey{direction: direction, name: name, identity: cfg.Identity()}
		for {
			entry, hit := m.cache.Load().entries[key]
			if !hit {
				break
			}
			if entry.err != nil || !entry.ok {
				return nil, entry.ok, entry.err
			}
			if entry.shared.acquire() {
				return leased(entry.policy, entry.shared, m.logger), true, nil
			}
			// Retired by a concurrent deployment; the current snapshot holds
			// its own references.
		}
	}

	instance, err := m.instantiate(plugin, cfg)
	if err != nil {
		return nil, false, err
	}
	policy, ok := runtime.Bind(name, direction, instance, false)
	if !ok {
		closeInstance(instance, m.logger, name)
		return nil, false, nil
	}
	return policy, true, nil
}

func (m *PolicyManager) instantiate(p *registeredPlugin, cfg domain.Configuration) (instance any, err error) {
	name := p.plugin.Name

	if p.schema != nil {
		doc := []byte(cfg)
		if len(strings.TrimSpace(string(doc))) == 0 {
			doc = []byte("{}")
		}
		result, verr := p.schema.Validate(gojsonschema.NewBytesLoader(doc))
		if verr != nil {
			return nil, fmt.Errorf("policy %q: %w: %v", name, domain.ErrInvalidPolicyConfiguration, verr)
		}
		if !result.Valid() {
			msgs := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				msgs = append(msgs, e.String())
			}
			return nil, fmt.Errorf("policy %q: %w: %s", name, domain.ErrInvalidPolicyConfiguration, strings.Join(msgs, "; "))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			instance = nil
			err = fmt.Errorf("policy %q: %w: factory panicked: %v", name, domain.ErrPolicyInstantiation, r)
		}
	}()

	instance, err = p.plugin.New(cfg)
	switch {
	case err == nil && instance == nil:
		return nil, fmt.Errorf("policy %q: %w: factory returned no instance", name, domain.ErrPolicyInstantiation)
	case err == nil:
		return instance, nil
	case errors.Is(err, domain.ErrInvalidPolicyConfiguration), errors.Is(err, domain.ErrPolicyInstantiation):
		return nil, fmt.Errorf("policy %q: %w", name, err)
	default:
		return nil, fmt.Errorf("policy %q: %w: %w", name, domain.ErrPolicyInstantiation, err)
	}
}

// PolicyDeployment is a prepared shareable-policy cache waiting to be swapped
// in. Exactly one of Commit or Discard must be called; the manager accepts no
// other deployment until then.
type PolicyDeployment interface {
	Commit()
	Discard()
}

type preparedDeployment struct {
	manager *PolicyManager
	next    *policyCache
	once    sync.Once
}

// Prepare builds the shareable-policy cache for the given API definitions and
// instantiates their call-scoped bindings once to check them. Instances whose
// name and configuration are unchanged are carried over so their state
// survives. The returned error joins every configuration and instantiation
// error; the deployment is returned either way.
func (m *PolicyManager) Prepare(apis []*domain.APIDefinition) (PolicyDeployment, error) {
	m.deployMu.Lock()

	old := m.cache.Load()
	next := emptyCache()
	var errs []error

	for _, api := range apis {
		if api == nil {
			continue
		}
		for _, binding := range api.Policies {
			if binding.Disabled {
				continue
			}
			plugin, found := m.lookup(binding.Name)
			if !found {
				m.logger.Warn("api references unknown policy", "api_id", api.ID, "policy", binding.Name)
				continue
			}
			if plugin.plugin.Shareable && m.stage(next, old, api, plugin, binding, &errs) {
				continue
			}

			instance, err := m.instantiate(plugin, binding.Configuration)
			if err != nil {
				errs = append(errs, fmt.Errorf("api %q: %w", api.ID, err))
				continue
			}
			closeInstance(instance, m.logger, binding.Name)
		}
	}

	return &preparedDeployment{manager: m, next: next}, errors.Join(errs...)
}

// stage adds the cache entries of a shareable binding to next. It returns false
// when the binding applies to no direction and was therefore not checked.
func (m *PolicyManager) stage(next, old *policyCache, api *domain.APIDefinition, plugin *registeredPlugin, binding domain.PolicyBinding, errs *[]error) bool {
	identity := binding.Configuration.Identity()
	ikey := instanceKey{name: binding.Name, identity: identity}
	staged := false

	for _, direction := range []domain.Direction{domain.OnRequest, domain.OnResponse} {
		if !binding.AppliesTo(direction) {
			continue
		}
		staged = true
		key := cacheKey{direction: direction, name: binding.Name, identity: identity}
		if _, done := next.entries[key]; done {
			continue
		}

		shared, have := next.instances[ikey]
		if !have {
			if carried, ok := old.instances[ikey]; ok {
				carried.retain()
				shared, have = carried, true
			}
		}
		if !have {
			instance, err := m.instantiate(plugin, binding.Configuration)
			if err != nil {
				err = fmt.Errorf("api %q: %w", api.ID, err)
				m.logger.Error("policy deployment failed",
					"api_id", api.ID,
					"policy", binding.Name,
					"direction", direction.String(),
					"error", err,
				)
				next.entries[key] = cacheEntry{err: err}
				*errs = append(*errs, err)
				continue
			}
			shared = &sharedInstance{name: binding.Name, value: instance}
			shared.retain()
		}
		next.instances[ikey] = shared

		policy, ok := runtime.Bind(binding.Name, direction, shared.value, true)
		next.entries[key] = cacheEntry{policy: policy, shared: shared, ok: ok}
	}
	return staged
}

// Commit swaps the prepared cache in. Instances dropped by it are closed once
// the chains still using them are released.
func (d *preparedDeployment) Commit() {
	d.once.Do(func() {
		m := d.manager
		defer m.deployMu.Unlock()

		old := m.cache.Swap(d.next)
		generation := m.generation.Add(1)
		old.release(m.logger)

		m.logger.Info("policy cache deployed",
			"generation", generation,
			"entries", len(d.next.entries),
			"shared_instances", len(d.next.instances),
		)
	})
}

// Discard drops the prepared cache, closing the instances it created.
func (d *preparedDeployment) Discard() {
	d.once.Do(func() {
		defer d.manager.deployMu.Unlock()
		d.next.release(d.manager.logger)
	})
}

// Deploy prepares and commits a cache for the given API definitions.
// Instantiation errors are cached, logged and returned joined; calls that hit
// such an entry fail.
func (m *PolicyManager) Deploy(apis []*domain.APIDefinition) error {
	d, err := m.Prepare(apis)
	d.Commit()
	return err
}

// Validate checks every enabled binding of the definitions without touching
// the cache, and returns every error found.
func (m *PolicyManager) Validate(apis []*domain.APIDefinition) error {
	d, err := m.Prepare(apis)
	d.Discard()
	return err
}

// Close drops the cache. Shared instances are closed once no chain uses them.
func (m *PolicyManager) Close() {
	m.deployMu.Lock()
	defer m.deployMu.Unlock()

	old := m.cache.Swap(emptyCache())
	old.release(m.logger)
}

func closeInstance(instance any, logger *slog.Logger, name string) {
	closer, ok := instance.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn("policy close failed", "policy", name, "error", err)
	}
}
