package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// APIsDocument is the on-disk form of the API definitions.
type APIsDocument struct {
	APIs []APISpec `yaml:"apis"`
}

// APISpec declares one published API.
type APISpec struct {
	ID          string       `yaml:"id"`
	Name        string       `yaml:"name"`
	ContextPath string       `yaml:"context_path"`
	Target      TargetSpec   `yaml:"target"`
	Policies    []PolicySpec `yaml:"policies"`
}

// TargetSpec declares the upstream of an API.
type TargetSpec struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	TLS     TargetTLSSpec `yaml:"tls"`
}

// TargetTLSSpec holds the TLS material used to reach the upstream.
type TargetTLSSpec struct {
	TrustAll   bool   `yaml:"trust_all"`
	TrustStore string `yaml:"trust_store"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// PolicySpec binds a policy to an API. Configuration is free-form and handed to
// the policy as a JSON document.
type PolicySpec struct {
	Name          string        `yaml:"name"`
	Configuration any           `yaml:"configuration"`
	Directions    []string      `yaml:"directions"`
	Condition     ConditionSpec `yaml:"condition"`
	RunOnFailure  bool          `yaml:"run_on_failure"`
	Disabled      bool          `yaml:"disabled"`
}

// ConditionSpec restricts when a bound policy is active.
type ConditionSpec struct {
	Paths      []string `yaml:"paths"`
	Methods    []string `yaml:"methods"`
	Expression string   `yaml:"expression"`
}

// LoadAPIs reads API definitions from a YAML (or JSON) file.
func LoadAPIs(path string) ([]*domain.APIDefinition, error) {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read apis file %s: %w", path, err)
	}
	return ParseAPIs(data)
}

// ParseAPIs decodes API definitions. Structural checks on the result (unique ids,
// targets, conditions) belong to the registry.
func ParseAPIs(data []byte) ([]*domain.APIDefinition, error) {
	var doc APIsDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse apis: %v", domain.ErrConfigInvalid, err)
	}

	apis := make([]*domain.APIDefinition, 0, len(doc.APIs))
	var errs []error
	for i, spec := range doc.APIs {
		api, err := spec.ToDomain()
		if err != nil {
			errs = append(errs, fmt.Errorf("api %d (%s): %w", i, spec.ID, err))
			continue
		}
		apis = append(apis, api)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return apis, nil
}

// ToDomain converts the declaration into its runtime form.
func (s APISpec) ToDomain() (*domain.APIDefinition, error) {
	api := &domain.APIDefinition{
		ID:          s.ID,
		Name:        s.Name,
		ContextPath: s.ContextPath,
		Target: domain.Target{
			URL:     s.Target.URL,
			Timeout: s.Target.Timeout,
			TLS: domain.TargetTLS{
				TrustAll:   s.Target.TLS.TrustAll,
				TrustStore: s.Target.TLS.TrustStore,
				CertFile:   s.Target.TLS.CertFile,
				KeyFile:    s.Target.TLS.KeyFile,
				ServerName: s.Target.TLS.ServerName,
			},
		},
	}
	if api.Name == "" {
		api.Name = api.ID
	}

	for i, p := range s.Policies {
		binding, err := p.ToDomain()
		if err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, p.Name, err)
		}
		api.Policies = append(api.Policies, binding)
	}
	return api, nil
}

// ToDomain converts the declaration into a policy binding.
func (s PolicySpec) ToDomain() (domain.PolicyBinding, error) {
	binding := domain.PolicyBinding{
		Name:         s.Name,
		RunOnFailure: s.RunOnFailure,
		Disabled:     s.Disabled,
		Condition: domain.Condition{
			Paths:      s.Condition.Paths,
			Methods:    s.Condition.Methods,
			Expression: s.Condition.Expression,
		},
	}

	for _, d := range s.Directions {
		direction, err := domain.ParseDirection(d)
		if err != nil {
			return domain.PolicyBinding{}, err
		}
		binding.Directions = append(binding.Directions, direction)
	}

	if s.Configuration != nil {
		raw, err := json.Marshal(s.Configuration)
		if err != nil {
			return domain.PolicyBinding{}, fmt.Errorf("%w: encode configuration: %v", domain.ErrConfigInvalid, err)
		}
		binding.Configuration = raw
	}
	return binding, nil
}
