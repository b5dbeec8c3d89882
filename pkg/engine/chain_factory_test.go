package engine

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/engine/runtime"
)

type stubCreator struct {
	policies map[string]runtime.Policy
	errs     map[string]error
}

func (s *stubCreator) Create(_ domain.Direction, name string, _ domain.Configuration) (runtime.Policy, bool, error) {
	if err, ok := s.errs[name]; ok {
		return nil, false, err
	}
	p, ok := s.policies[name]
	return p, ok, nil
}

func TestChainFactoryEmptyIsNoOp(t *testing.T) {
	factory := NewChainFactory(ChainFactoryConfig{Logger: discardLogger()})
	exec := newTestExec(nil)

	chain, err := factory.Create(nil, domain.OnResponse, exec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := chain.(*NoOpChain); !ok {
		t.Fatalf("expected NoOpChain, got %T", chain)
	}
	if chain.Direction() != domain.OnResponse {
		t.Fatalf("unexpected direction %s", chain.Direction())
	}
}

func TestChainFactorySkipsUnknownPolicies(t *testing.T) {
	tr := &callTrace{}
	creator := &stubCreator{policies: map[string]runtime.Policy{
		"a": &stubPolicy{name: "a", trace: tr},
		"b": &stubPolicy{name: "b", trace: tr},
	}}
	factory := NewChainFactory(ChainFactoryConfig{Manager: creator, Logger: discardLogger()})
	exec := newTestExec(nil)

	chain, err := factory.Create([]domain.PolicyDescriptor{{Name: "a"}, {Name: "x"}, {Name: "b"}}, domain.OnRequest, exec)
	if err != nil {
		t.Fatalf("unknown policy must not fail construction: %v", err)
	}
	pc, ok := chain.(*PolicyChain)
	if !ok {
		t.Fatalf("expected PolicyChain, got %T", chain)
	}
	if got := pc.Policies(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected chain %v", got)
	}
	pc.Handle(context.Background())
	if got := tr.list(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected order %v", got)
	}

	only, err := factory.Create([]domain.PolicyDescriptor{{Name: "x"}}, domain.OnResponse, newTestExec(nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if res := only.Handle(context.Background()); res.State != runtime.StateCompleted || !res.Proceed() {
		t.Fatalf("chain of only unknown policies should complete, got %+v", res)
	}
	out := &sink{}
	out.attach(only)
	_ = only.OnData(context.Background(), []byte("same"))
	_ = only.OnEnd(context.Background())
	if out.buf.String() != "same" {
		t.Fatalf("expected pass-through, got %q", out.buf.String())
	}
}

func TestChainFactoryConstructionErrorReleases(t *testing.T) {
	built := &stubPolicy{name: "a"}
	creator := &stubCreator{
		policies: map[string]runtime.Policy{"a": built},
		errs:     map[string]error{"bad": domain.ErrInvalidPolicyConfiguration},
	}
	factory := NewChainFactory(ChainFactoryConfig{Manager: creator, Logger: discardLogger()})

	_, err := factory.Create([]domain.PolicyDescriptor{{Name: "a"}, {Name: "bad"}}, domain.OnRequest, newTestExec(nil))
	if !errors.Is(err, domain.ErrInvalidPolicyConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if built.closed != 1 {
		t.Fatalf("expected already built policy to be released")
	}
	if f := ConstructionFailure(err); f.Class != domain.FailureInvalidConfiguration || f.StatusCode() != http.StatusInternalServerError {
		t.Fatalf("unexpected construction failure %+v", f)
	}
}

// Resolver yields [A, B] on request, both resolve, B fails UNAUTHORIZED.
func TestRequestChainFailsUnauthorized(t *testing.T) {
	tr := &callTrace{}
	unauthorized := &domain.Response{Status: http.StatusUnauthorized, Body: []byte(`{"code":"UNAUTHORIZED"}`)}
	creator := &stubCreator{policies: map[string]runtime.Policy{
		"A": &stubPolicy{name: "A", trace: tr},
		"B": &stubPolicy{name: "B", trace: tr, run: func(context.Context, *domain.ExecutionContext) (runtime.Action, error) {
			return runtime.Continue(), domain.NewFailure(domain.FailureUnauthorized, "bad credentials").WithResponse(unauthorized)
		}},
	}}
	factory := NewChainFactory(ChainFactoryConfig{Manager: creator, Logger: discardLogger()})

	chain, err := factory.Create([]domain.PolicyDescriptor{{Name: "A"}, {Name: "B"}}, domain.OnRequest, newTestExec(nil))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res := chain.Handle(context.Background())
	if res.State != runtime.StateFailed || res.Failure.Class != domain.FailureUnauthorized {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Failure.StatusCode() != http.StatusUnauthorized || res.Failure.Response != unauthorized {
		t.Fatalf("expected 401 payload, got %+v", res.Failure)
	}
	if !reflect.DeepEqual(tr.list(), []string{"A", "B"}) {
		t.Fatalf("unexpected order %v", tr.list())
	}
}
