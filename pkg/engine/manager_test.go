package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

type requestOnly struct {
	closed *int
}

func (requestOnly) OnRequest(context.Context, *domain.ExecutionContext) (runtime.Action, error) {
	return runtime.Continue(), nil
}

func (r requestOnly) Close() error {
	if r.closed != nil {
		*r.closed++
	}
	return nil
}

type bothDirections struct {
	Header string `json:"header"`
}

func (b *bothDirections) OnRequest(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	exec.Request.Headers.Set(b.Header, "request")
	return runtime.Continue(), nil
}

func (b *bothDirections) OnResponse(_ context.Context, exec *domain.ExecutionContext) (runtime.Action, error) {
	exec.Response.Headers.Set(b.Header, "response")
	return runtime.Continue(), nil
}

const headerSchema = `{
  "type": "object",
  "properties": {"header": {"type": "string", "minLength": 1}},
  "required": ["header"],
  "additionalProperties": false
}`

func newTestManager(t *testing.T, builds *int) *PolicyManager {
	t.Helper()
	m := NewPolicyManager(PolicyManagerConfig{Logger: discardLogger()})
	err := m.Register(
		runtime.Plugin{
			Name:      "header",
			Schema:    headerSchema,
			Shareable: true,
			New: func(cfg domain.Configuration) (any, error) {
				if builds != nil {
					*builds++
				}
				p := &bothDirections{}
				if err := runtime.DecodeConfiguration(cfg, p); err != nil {
					return nil, err
				}
				return p, nil
			},
		},
		runtime.Plugin{
			Name: "request-only",
			New:  func(domain.Configuration) (any, error) { return requestOnly{}, nil },
		},
		runtime.Plugin{
			Name: "broken",
			New: func(domain.Configuration) (any, error) {
				return nil, errors.New("backend unreachable")
			},
		},
		runtime.Plugin{
			Name: "panics",
			New:  func(domain.Configuration) (any, error) { panic("bad factory") },
		},
	)
	require.NoError(t, err)
	return m
}

func TestPolicyManagerRegister(t *testing.T) {
	m := newTestManager(t, nil)
	assert.Equal(t, []string{"broken", "header", "panics", "request-only"}, m.Names())

	err := m.Register(runtime.Plugin{Name: "header", New: func(domain.Configuration) (any, error) { return nil, nil }})
	require.Error(t, err)
	require.Error(t, m.Register(runtime.Plugin{Name: "", New: func(domain.Configuration) (any, error) { return nil, nil }}))
	require.Error(t, m.Register(runtime.Plugin{Name: "no-factory"}))
	require.Error(t, m.Register(runtime.Plugin{Name: "bad-schema", Schema: "{", New: func(domain.Configuration) (any, error) { return nil, nil }}))
}

func TestPolicyManagerCreate(t *testing.T) {
	m := newTestManager(t, nil)

	p, ok, err := m.Create(domain.OnRequest, "header", domain.Configuration(`{"header":"x-a"}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "header", p.Name())

	_, ok, err = m.Create(domain.OnRequest, "does-not-exist", nil)
	require.NoError(t, err)
	assert.False(t, ok, "unknown policy must be absent")

	_, ok, err = m.Create(domain.OnResponse, "request-only", nil)
	require.NoError(t, err)
	assert.False(t, ok, "policy without a response capability must be absent")
}

func TestPolicyManagerCreateErrors(t *testing.T) {
	m := newTestManager(t, nil)

	_, _, err := m.Create(domain.OnRequest, "header", domain.Configuration(`{"header":""}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidPolicyConfiguration), "schema violation: %v", err)

	_, _, err = m.Create(domain.OnRequest, "header", domain.Configuration(`{"header":`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidPolicyConfiguration), "malformed json: %v", err)

	_, _, err = m.Create(domain.OnRequest, "broken", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPolicyInstantiation))
	assert.Contains(t, err.Error(), "backend unreachable")

	_, _, err = m.Create(domain.OnRequest, "panics", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrPolicyInstantiation))

	assert.Equal(t, domain.FailureInvalidConfiguration, ConstructionFailure(
		errors.Join(domain.ErrInvalidPolicyConfiguration)).Class)
	assert.Equal(t, domain.FailureInstantiation, ConstructionFailure(err).Class)
}

func TestPolicyManagerDeployCachesSharedInstances(t *testing.T) {
	builds := 0
	m := newTestManager(t, &builds)
	cfg := domain.Configuration(`{"header":"x-shared"}`)
	api := &domain.APIDefinition{ID: "a", Policies: []domain.PolicyBinding{{Name: "header", Configuration: cfg}}}

	require.NoError(t, m.Deploy([]*domain.APIDefinition{api}))
	assert.Equal(t, 1, builds, "one instance serves both directions")
	assert.Equal(t, int64(1), m.Generation())

	req1, ok, err := m.Create(domain.OnRequest, "header", cfg)
	require.NoError(t, err)
	require.True(t, ok)
	req2, _, _ := m.Create(domain.OnRequest, "header", cfg)
	assert.Same(t, req1.(*leasedPolicy).Policy, req2.(*leasedPolicy).Policy, "cached policy is shared")
	_, _, _ = m.Create(domain.OnResponse, "header", cfg)
	assert.Equal(t, 1, builds, "cache hits do not instantiate")

	other := domain.Configuration(`{"header":"x-other"}`)
	_, ok, err = m.Create(domain.OnRequest, "header", other)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, builds, "a miss instantiates a fresh policy")

	require.NoError(t, m.Deploy([]*domain.APIDefinition{api}))
	assert.Equal(t, 2, builds, "unchanged entries are carried over")
	req3, ok, _ := m.Create(domain.OnRequest, "header", cfg)
	require.True(t, ok)
	assert.Equal(t, "header", req3.Name())
}

func TestPolicyManagerDeployCachesErrors(t *testing.T) {
	m := newTestManager(t, nil)
	bad := domain.Configuration(`{"header":""}`)
	api := &domain.APIDefinition{ID: "a", Policies: []domain.PolicyBinding{{Name: "header", Configuration: bad}}}

	err := m.Deploy([]*domain.APIDefinition{api})
	require.Error(t, err)

	_, _, err = m.Create(domain.OnRequest, "header", bad)
	assert.True(t, errors.Is(err, domain.ErrInvalidPolicyConfiguration))
}

func TestPolicyManagerValidateAndClose(t *testing.T) {
	closed := 0
	m := NewPolicyManager(PolicyManagerConfig{Logger: discardLogger()})
	require.NoError(t, m.Register(
		runtime.Plugin{
			Name:      "closer",
			Shareable: true,
			New:       func(domain.Configuration) (any, error) { return requestOnly{closed: &closed}, nil },
		},
		runtime.Plugin{
			Name: "broken",
			New:  func(domain.Configuration) (any, error) { return nil, errors.New("nope") },
		},
	))

	apis := []*domain.APIDefinition{{ID: "a", Policies: []domain.PolicyBinding{
		{Name: "closer"},
		{Name: "broken"},
		{Name: "unknown"},
		{Name: "broken", Disabled: true},
	}}}
	err := m.Validate(apis)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `api "a"`)
	assert.Equal(t, 1, closed, "validation instances are closed")
	assert.Equal(t, int64(0), m.Generation(), "validate does not deploy")

	require.NoError(t, m.Deploy([]*domain.APIDefinition{{ID: "a", Policies: []domain.PolicyBinding{{Name: "closer"}}}}))
	m.Close()
	assert.Equal(t, 2, closed)

	require.NoError(t, m.Deploy(nil))
}

// versioned fails once it has been closed.
type versioned struct {
	V      int `json:"v"`
	closed atomic.Bool
}

func (v *versioned) OnRequest(context.Context, *domain.ExecutionContext) (runtime.Action, error) {
	if v.closed.Load() {
		return runtime.Action{}, errors.New("used after close")
	}
	return runtime.Continue(), nil
}

func (v *versioned) Close() error {
	v.closed.Store(true)
	return nil
}

func newVersionedManager(t *testing.T, built *[]*versioned) *PolicyManager {
	t.Helper()
	m := NewPolicyManager(PolicyManagerConfig{Logger: discardLogger()})
	require.NoError(t, m.Register(runtime.Plugin{
		Name:      "versioned",
		Shareable: true,
		New: func(cfg domain.Configuration) (any, error) {
			p := &versioned{}
			if err := runtime.DecodeConfiguration(cfg, p); err != nil {
				return nil, err
			}
			*built = append(*built, p)
			return p, nil
		},
	}))
	return m
}

func versionedAPI(cfg string) []*domain.APIDefinition {
	return []*domain.APIDefinition{{
		ID:          "a",
		ContextPath: "/",
		Target:      domain.Target{URL: "http://backend.internal"},
		Policies:    []domain.PolicyBinding{{Name: "versioned", Configuration: domain.Configuration(cfg)}},
	}}
}

func TestPolicyManagerRedeployKeepsInFlightChains(t *testing.T) {
	var built []*versioned
	m := newVersionedManager(t, &built)
	require.NoError(t, m.Deploy(versionedAPI(`{"v":1}`)))

	factory := NewChainFactory(ChainFactoryConfig{Manager: m, Logger: discardLogger()})
	descriptors := []domain.PolicyDescriptor{{Name: "versioned", Configuration: domain.Configuration(`{"v":1}`)}}
	inFlight, err := factory.Create(descriptors, domain.OnRequest, newTestExec(nil))
	require.NoError(t, err)

	require.NoError(t, m.Deploy(versionedAPI(`{"v":2}`)))
	require.Len(t, built, 2)
	assert.False(t, built[0].closed.Load(), "instance in use by a chain stays open")

	res := inFlight.Handle(context.Background())
	assert.Equal(t, runtime.StateCompleted, res.State, "failure: %v", res.Failure)

	inFlight.Release()
	inFlight.Release()
	assert.True(t, built[0].closed.Load(), "dropped instance closes with its last chain")
	assert.False(t, built[1].closed.Load())

	m.Close()
	assert.True(t, built[1].closed.Load())
}

func TestPolicyManagerDropsUnusedInstanceOnRedeploy(t *testing.T) {
	var built []*versioned
	m := newVersionedManager(t, &built)
	require.NoError(t, m.Deploy(versionedAPI(`{"v":1}`)))

	p, ok, err := m.Create(domain.OnRequest, "versioned", domain.Configuration(`{"v":1}`))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.(interface{ Close() error }).Close())

	require.NoError(t, m.Deploy(versionedAPI(`{"v":2}`)))
	assert.True(t, built[0].closed.Load(), "no chain holds the dropped instance")
}

func TestRegistryUpdateBuildsSharedPoliciesOnce(t *testing.T) {
	var built []*versioned
	m := newVersionedManager(t, &built)
	t.Cleanup(m.Close)
	r := NewAPIRegistry(APIRegistryConfig{Policies: m, Logger: discardLogger()})

	require.NoError(t, r.Update(context.Background(), versionedAPI(`{"v":1}`)))
	assert.Len(t, built, 1, "one instance per update")

	require.NoError(t, r.Update(context.Background(), versionedAPI(`{"v":1}`)))
	assert.Len(t, built, 1, "unchanged bindings are carried over")

	err := r.Update(context.Background(), versionedAPI(`{"v":"two"}`))
	require.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Len(t, built, 1)
	assert.False(t, built[0].closed.Load(), "a rejected update leaves the deployed instance alone")
	assert.Equal(t, int64(2), m.Generation(), "rejected update is not committed")
}
