package quota

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Limits are the per-tenant ceilings. Zero disables a ceiling.
type Limits struct {
	MaxConcurrentSessions int64 `yaml:"max_concurrent_sessions" json:"max_concurrent_sessions"`
	MaxActionsPerMinute   int64 `yaml:"max_actions_per_minute" json:"max_actions_per_minute"`
	MaxArtifactBytes      int64 `yaml:"max_artifact_bytes" json:"max_artifact_bytes"`
	MaxStepTokens         int64 `yaml:"max_step_tokens" json:"max_step_tokens"`
}

// DefaultLimits returns the stock tenant limits.
func DefaultLimits() Limits {
	return Limits{
		MaxConcurrentSessions: 10,
		MaxActionsPerMinute:   120,
		MaxArtifactBytes:      512 * 1024 * 1024,
		MaxStepTokens:         1200,
	}
}

// overlay returns l with every non-zero field of o applied.
func (l Limits) overlay(o Limits) Limits {
	if o.MaxConcurrentSessions != 0 {
		l.MaxConcurrentSessions = o.MaxConcurrentSessions
	}
	if o.MaxActionsPerMinute != 0 {
		l.MaxActionsPerMinute = o.MaxActionsPerMinute
	}
	if o.MaxArtifactBytes != 0 {
		l.MaxArtifactBytes = o.MaxArtifactBytes
	}
	if o.MaxStepTokens != 0 {
		l.MaxStepTokens = o.MaxStepTokens
	}
	return l
}

func (l Limits) of(r Resource) int64 {
	switch r {
	case ResourceSessions:
		return l.MaxConcurrentSessions
	case ResourceActionsPerMinute:
		return l.MaxActionsPerMinute
	case ResourceArtifactBytes:
		return l.MaxArtifactBytes
	case ResourceStepTokens:
		return l.MaxStepTokens
	}
	return 0
}

// Profiles holds the default limits and per-tenant overrides.
//
//	defaults:
//	  max_actions_per_minute: 120
//	tenants:
//	  acme:
//	    max_concurrent_sessions: 25
type Profiles struct {
	Defaults Limits            `yaml:"defaults"`
	Tenants  map[string]Limits `yaml:"tenants"`
}

// NewProfiles returns profiles with defaults and no overrides.
func NewProfiles(defaults Limits) *Profiles {
	return &Profiles{Defaults: defaults, Tenants: map[string]Limits{}}
}

// For returns the effective limits of tenantID.
func (p *Profiles) For(tenantID string) Limits {
	if p == nil {
		return DefaultLimits()
	}
	if o, ok := p.Tenants[tenantID]; ok {
		return p.Defaults.overlay(o)
	}
	return p.Defaults
}

// LoadProfiles reads a YAML profile file. Unset defaults fall back to base.
func LoadProfiles(path string, base Limits) (*Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load quota profiles %q: %w", path, err)
	}
	return ParseProfiles(data, base)
}

// ParseProfiles decodes YAML profile data.
func ParseProfiles(data []byte, base Limits) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse quota profiles: %w", err)
	}
	p.Defaults = base.overlay(p.Defaults)
	if p.Tenants == nil {
		p.Tenants = map[string]Limits{}
	}
	for tenant, l := range p.Tenants {
		if l.MaxConcurrentSessions < 0 || l.MaxActionsPerMinute < 0 || l.MaxArtifactBytes < 0 || l.MaxStepTokens < 0 {
			return nil, fmt.Errorf("parse quota profiles: tenant %q has a negative limit", tenant)
		}
	}
	return &p, nil
}
