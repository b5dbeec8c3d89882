package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-gateway/pkg/domain"
)

type stubDeployer struct {
	prepareErr error
	prepared   int
	deployed   int
	discarded  int
}

type stubDeployment struct {
	owner *stubDeployer
}

func (d stubDeployment) Commit()  { d.owner.deployed++ }
func (d stubDeployment) Discard() { d.owner.discarded++ }

func (s *stubDeployer) Prepare([]*domain.APIDefinition) (PolicyDeployment, error) {
	s.prepared++
	return stubDeployment{owner: s}, s.prepareErr
}

type rejectExpressions struct{}

func (rejectExpressions) Compile(c domain.Condition) error {
	if c.Expression != "" {
		return errors.New("expressions disabled")
	}
	return nil
}

func newAPI(id, path string) *domain.APIDefinition {
	return &domain.APIDefinition{ID: id, ContextPath: path, Target: domain.Target{URL: "http://backend.internal"}}
}

func TestRegistrySelectsLongestContextPath(t *testing.T) {
	r := NewAPIRegistry(APIRegistryConfig{Logger: discardLogger()})
	require.NoError(t, r.Update(context.Background(), []*domain.APIDefinition{
		newAPI("root", "/"),
		newAPI("v1", "/v1"),
		newAPI("orders", "/v1/orders/"),
	}))

	cases := map[string]string{
		"/":                "root",
		"/v1":              "v1",
		"/v1/users":        "v1",
		"/v1/orders":       "orders",
		"/v1/orders/42":    "orders",
		"/v1/ordersummary": "v1",
		"/v2":              "root",
	}
	for path, want := range cases {
		got, err := r.Select(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, got.ID, path)
	}

	assert.Equal(t, int64(1), r.Generation())
	ids := make([]string, 0, 3)
	for _, a := range r.List() {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"orders", "root", "v1"}, ids)

	got, ok := r.Get("v1")
	require.True(t, ok)
	assert.Equal(t, "/v1", got.ContextPath)
}

func TestRegistrySelectMiss(t *testing.T) {
	r := NewAPIRegistry(APIRegistryConfig{Logger: discardLogger()})
	require.NoError(t, r.Update(context.Background(), []*domain.APIDefinition{newAPI("v1", "/v1")}))

	_, err := r.Select("/v2/users")
	assert.ErrorIs(t, err, domain.ErrAPINotFound)
}

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	badTarget := newAPI("bad-target", "/x")
	badTarget.Target.URL = "ftp://files.internal"
	noHost := newAPI("no-host", "/x")
	noHost.Target.URL = "http://"
	unnamed := newAPI("unnamed", "/x")
	unnamed.Policies = []domain.PolicyBinding{{Name: " "}}

	cases := map[string][]*domain.APIDefinition{
		"nil definition":     {nil},
		"missing id":         {newAPI("", "/x")},
		"duplicate id":       {newAPI("a", "/x"), newAPI("a", "/y")},
		"relative path":      {newAPI("a", "x")},
		"duplicate path":     {newAPI("a", "/x"), newAPI("b", "/x/")},
		"unsupported URL":    {badTarget},
		"target has no host": {noHost},
		"unnamed policy":     {unnamed},
	}
	for name, apis := range cases {
		t.Run(name, func(t *testing.T) {
			r := NewAPIRegistry(APIRegistryConfig{Logger: discardLogger()})
			err := r.Update(context.Background(), apis)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			assert.Zero(t, r.Generation())
		})
	}
}

func TestRegistryKeepsLastGoodSet(t *testing.T) {
	deployer := &stubDeployer{}
	r := NewAPIRegistry(APIRegistryConfig{Policies: deployer, Conditions: rejectExpressions{}, Logger: discardLogger()})
	require.NoError(t, r.Update(context.Background(), []*domain.APIDefinition{newAPI("v1", "/v1")}))
	require.Equal(t, 1, deployer.deployed)

	deployer.prepareErr = errors.New("bad policy config")
	err := r.Update(context.Background(), []*domain.APIDefinition{newAPI("v2", "/v2")})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	withExpr := newAPI("v3", "/v3")
	withExpr.Policies = []domain.PolicyBinding{{Name: "p", Condition: domain.Condition{Expression: "true"}}}
	deployer.prepareErr = nil
	err = r.Update(context.Background(), []*domain.APIDefinition{withExpr})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)

	assert.Equal(t, 1, deployer.deployed)
	assert.Equal(t, int64(1), r.Generation())
	_, err = r.Select("/v1/users")
	assert.NoError(t, err)
}

func TestRegistryPreparesPoliciesOnce(t *testing.T) {
	deployer := &stubDeployer{}
	r := NewAPIRegistry(APIRegistryConfig{Policies: deployer, Logger: discardLogger()})

	require.NoError(t, r.Update(context.Background(), []*domain.APIDefinition{newAPI("v1", "/v1")}))
	assert.Equal(t, 1, deployer.prepared)
	assert.Equal(t, 1, deployer.deployed)

	deployer.prepareErr = errors.New("factory exploded")
	err := r.Update(context.Background(), []*domain.APIDefinition{newAPI("v2", "/v2")})
	assert.ErrorIs(t, err, domain.ErrConfigInvalid)
	assert.Equal(t, 2, deployer.prepared)
	assert.Equal(t, 1, deployer.deployed)
	assert.Equal(t, 1, deployer.discarded, "a rejected deployment is discarded")
	assert.Equal(t, int64(1), r.Generation())
}
