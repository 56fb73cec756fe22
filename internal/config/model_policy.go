package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
)

// Default policy constants applied to entries that omit a field.
const (
	DefaultMaxBatchSize         = 20
	DefaultMaxBatchSizeLongText = 1
	DefaultTimeoutNormal        = 120 * time.Second
	DefaultTimeoutLongText      = 300 * time.Second
)

// Model policy status values.
const (
	ModelStatusActive   = "active"
	ModelStatusDisabled = "disabled"
)

// ModelPolicy holds per-model batch sizing, timing, and fallback settings.
// Policies are loaded once per run and immutable afterwards.
type ModelPolicy struct {
	MaxBatchSize         int
	MaxBatchSizeLongText int
	CooldownRequired     time.Duration
	TimeoutNormal        time.Duration
	TimeoutLongText      time.Duration
	FallbackChain        []string
	Status               string
}

// rawModelPolicy mirrors ModelPolicy with duration strings as written in the file.
type rawModelPolicy struct {
	MaxBatchSize         int      `yaml:"max_batch_size"`
	MaxBatchSizeLongText int      `yaml:"max_batch_size_long_text"`
	CooldownRequired     string   `yaml:"cooldown_required"`
	TimeoutNormal        string   `yaml:"timeout_normal"`
	TimeoutLongText      string   `yaml:"timeout_long_text"`
	FallbackChain        []string `yaml:"fallback_chain"`
	Status               string   `yaml:"status"`
}

// UnmarshalYAML accepts Go duration strings ("120s", "2m") for timing fields.
func (p *ModelPolicy) UnmarshalYAML(node *yaml.Node) error {
	var raw rawModelPolicy
	if err := node.Decode(&raw); err != nil {
		return err
	}

	cooldown, err := parsePolicyDuration("cooldown_required", raw.CooldownRequired)
	if err != nil {
		return err
	}
	timeoutNormal, err := parsePolicyDuration("timeout_normal", raw.TimeoutNormal)
	if err != nil {
		return err
	}
	timeoutLongText, err := parsePolicyDuration("timeout_long_text", raw.TimeoutLongText)
	if err != nil {
		return err
	}

	p.MaxBatchSize = raw.MaxBatchSize
	p.MaxBatchSizeLongText = raw.MaxBatchSizeLongText
	p.CooldownRequired = cooldown
	p.TimeoutNormal = timeoutNormal
	p.TimeoutLongText = timeoutLongText
	p.FallbackChain = raw.FallbackChain
	p.Status = raw.Status
	return nil
}

// parsePolicyDuration parses an optional duration field; empty means unset.
func parsePolicyDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", domainerrors.ErrInvalidPolicy, field, err)
	}
	return d, nil
}

// MaxBatchSizeFor returns the batch cap for a content type.
func (p ModelPolicy) MaxBatchSizeFor(contentType valueobject.ContentType) int {
	if contentType.IsLongText() {
		return p.MaxBatchSizeLongText
	}
	return p.MaxBatchSize
}

// TimeoutFor returns the per-call budget for a content type.
func (p ModelPolicy) TimeoutFor(contentType valueobject.ContentType) time.Duration {
	if contentType.IsLongText() {
		return p.TimeoutLongText
	}
	return p.TimeoutNormal
}

// IsActive reports whether the model may be used.
func (p ModelPolicy) IsActive() bool {
	return p.Status == ModelStatusActive
}

// ModelPolicies maps model names to their policies.
type ModelPolicies map[string]ModelPolicy

// Get returns the policy for a model.
func (m ModelPolicies) Get(model string) (ModelPolicy, error) {
	policy, ok := m[model]
	if !ok {
		return ModelPolicy{}, fmt.Errorf("%w: %s", domainerrors.ErrUnknownModel, model)
	}
	return policy, nil
}

// policyFile is the YAML document shape of the policy file.
type policyFile struct {
	Models map[string]ModelPolicy `yaml:"models"`
}

// LoadModelPolicies reads and validates the policy YAML file.
func LoadModelPolicies(path string) (ModelPolicies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file %s: %w", path, err)
	}
	return ParseModelPolicies(data)
}

// ParseModelPolicies parses policy YAML content, applies defaults, and
// validates every entry.
func ParseModelPolicies(data []byte) (ModelPolicies, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if len(file.Models) == 0 {
		return nil, fmt.Errorf("%w: policy file declares no models", domainerrors.ErrInvalidPolicy)
	}

	policies := make(ModelPolicies, len(file.Models))
	active := 0
	for name, policy := range file.Models {
		applyPolicyDefaults(&policy)
		if err := validatePolicy(name, policy, file.Models); err != nil {
			return nil, err
		}
		if policy.IsActive() {
			active++
		}
		policies[name] = policy
	}
	if active == 0 {
		return nil, domainerrors.ErrNoActiveModels
	}
	return policies, nil
}

func applyPolicyDefaults(policy *ModelPolicy) {
	if policy.MaxBatchSize == 0 {
		policy.MaxBatchSize = DefaultMaxBatchSize
	}
	if policy.MaxBatchSizeLongText == 0 {
		policy.MaxBatchSizeLongText = DefaultMaxBatchSizeLongText
	}
	if policy.TimeoutNormal == 0 {
		policy.TimeoutNormal = DefaultTimeoutNormal
	}
	if policy.TimeoutLongText == 0 {
		policy.TimeoutLongText = DefaultTimeoutLongText
	}
	if policy.Status == "" {
		policy.Status = ModelStatusActive
	}
}

func validatePolicy(name string, policy ModelPolicy, all map[string]ModelPolicy) error {
	if policy.MaxBatchSize < 1 {
		return fmt.Errorf("%w: %s max_batch_size must be at least 1", domainerrors.ErrInvalidPolicy, name)
	}
	if policy.MaxBatchSizeLongText < 1 {
		return fmt.Errorf("%w: %s max_batch_size_long_text must be at least 1", domainerrors.ErrInvalidPolicy, name)
	}
	if policy.CooldownRequired < 0 {
		return fmt.Errorf("%w: %s cooldown_required cannot be negative", domainerrors.ErrInvalidPolicy, name)
	}
	if policy.TimeoutNormal <= 0 || policy.TimeoutLongText <= 0 {
		return fmt.Errorf("%w: %s timeouts must be positive", domainerrors.ErrInvalidPolicy, name)
	}
	if policy.Status != ModelStatusActive && policy.Status != ModelStatusDisabled {
		return fmt.Errorf("%w: %s has unknown status %q", domainerrors.ErrInvalidPolicy, name, policy.Status)
	}
	for _, fallback := range policy.FallbackChain {
		if fallback == name {
			return fmt.Errorf("%w: %s lists itself in its fallback chain", domainerrors.ErrInvalidPolicy, name)
		}
		if _, ok := all[fallback]; !ok {
			return fmt.Errorf("%w: %s fallback %q has no policy entry", domainerrors.ErrInvalidPolicy, name, fallback)
		}
	}
	return nil
}
