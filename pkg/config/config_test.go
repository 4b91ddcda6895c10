package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8000, cfg.HTTPPort)
	assert.Equal(t, 30*time.Second, cfg.WS.AuthTimeout)
	assert.Equal(t, 0.5, cfg.Detection.AnomalyThreshold)
	assert.Equal(t, 0.6, cfg.Detection.CommunityAnomalyThreshold)
	assert.Equal(t, 3, cfg.Detection.CommunityMinAffected)
	assert.Equal(t, 2, cfg.Inference.Workers)
	assert.Equal(t, 3, cfg.VAD.StartFrames)
	assert.False(t, cfg.AgentEnabled())
	assert.False(t, cfg.FusionEnabled())
	require.NoError(t, cfg.Validate())
}

func TestInitializeMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Initialize(filepath.Join(t.TempDir(), "pulsera.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.HTTPPort)
}

func TestInitializeYAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pulsera.yaml")
	yaml := `
http_port: 9100
detection:
  anomaly_threshold: 0.4
agent:
  api_key: test-key
  agent_id: agent-123
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Initialize(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort)
	assert.Equal(t, 0.4, cfg.Detection.AnomalyThreshold)
	assert.True(t, cfg.AgentEnabled())
	// untouched fields keep defaults
	assert.Equal(t, 3, cfg.Detection.CommunityMinAffected)
}

func TestEnvOverridesYAML(t *testing.T) {
	t.Setenv("ANOMALY_THRESHOLD", "0.7")
	t.Setenv("WS_AUTH_TIMEOUT", "15")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Initialize("")
	require.NoError(t, err)
	assert.Equal(t, 0.7, cfg.Detection.AnomalyThreshold)
	assert.Equal(t, 15*time.Second, cfg.WS.AuthTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Detection.AnomalyThreshold = 1.5
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Inference.Workers = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.HTTPPort = -1
	assert.Error(t, cfg.Validate())
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PULSERA_TEST_SECRET", "s3cret")

	out := ExpandEnv([]byte("api_key: {{.PULSERA_TEST_SECRET}}"))
	assert.Equal(t, "api_key: s3cret", string(out))

	// data without template syntax passes through untouched
	plain := []byte("http_port: 8000")
	assert.Equal(t, plain, ExpandEnv(plain))
}
