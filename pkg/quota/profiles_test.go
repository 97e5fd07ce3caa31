package quota

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profilesYAML = `
defaults:
  max_actions_per_minute: 60
tenants:
  acme:
    max_concurrent_sessions: 25
  tiny:
    max_artifact_bytes: 1024
    max_step_tokens: 300
`

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "quotas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))

	p, err := LoadProfiles(path, DefaultLimits())
	require.NoError(t, err)

	def := p.For("unknown")
	assert.Equal(t, int64(60), def.MaxActionsPerMinute)
	assert.Equal(t, int64(10), def.MaxConcurrentSessions, "unset defaults fall back to base")

	acme := p.For("acme")
	assert.Equal(t, int64(25), acme.MaxConcurrentSessions)
	assert.Equal(t, int64(60), acme.MaxActionsPerMinute)

	tiny := p.For("tiny")
	assert.Equal(t, int64(1024), tiny.MaxArtifactBytes)
	assert.Equal(t, int64(300), tiny.MaxStepTokens)
	assert.Equal(t, int64(10), tiny.MaxConcurrentSessions)
}

func TestParseProfiles_Rejects(t *testing.T) {
	_, err := ParseProfiles([]byte("tenants:\n  bad:\n    max_step_tokens: -1\n"), DefaultLimits())
	assert.Error(t, err)

	_, err = ParseProfiles([]byte("defaults: [1, 2"), DefaultLimits())
	assert.Error(t, err)

	_, err = LoadProfiles(filepath.Join(t.TempDir(), "missing.yaml"), DefaultLimits())
	assert.Error(t, err)
}
