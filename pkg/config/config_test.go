package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
server:
  port: 9999
routes:
  fast:
    model: llama3.2:3b
  large:
    model: qwen2.5:32b
router:
  default_route: fast
backends:
  - name: ollama
    type: local
    url: http://localhost:11434
    priority: 1
  - name: paid
    type: metered
    url: https://api.example.com
    api_key: ${BB_TEST_KEY}
    priority: 2
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("BB_TEST_KEY", "sk-secret")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sk-secret", cfg.Backends[1].APIKey)
	assert.Equal(t, "llama3.2:3b", cfg.DefaultModel())
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BB_TEST_KEY", "k")

	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.InDelta(t, 0.04, cfg.Router.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 1800, cfg.Router.SessionTTL)
	assert.Equal(t, 120, cfg.Backends[0].Timeout)
	assert.Equal(t, 2, cfg.Backends[0].MaxRetries)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "chromem", cfg.Vector.Provider)
}

func TestValidateRejectsMeteredWithoutKey(t *testing.T) {
	cfg := &Config{
		Backends: []BackendConfig{{Name: "m", Type: "metered", URL: "http://x"}},
	}
	cfg.SetDefaults()
	// SetDefaults never fills API keys.
	cfg.Backends[0].APIKey = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDuplicateBackend(t *testing.T) {
	cfg := &Config{
		Backends: []BackendConfig{
			{Name: "a", Type: "local", URL: "http://x"},
			{Name: "a", Type: "local", URL: "http://y"},
		},
	}
	cfg.SetDefaults()
	assert.Error(t, cfg.Validate())
}

func TestRouteNamesSorted(t *testing.T) {
	cfg := &Config{Routes: map[string]RouteConfig{
		"simple": {Model: "a"}, "code": {Model: "b"}, "complex": {Model: "c"},
	}}
	assert.Equal(t, []string{"code", "complex", "simple"}, cfg.RouteNames())
}

func TestOverlayReloadOnMtime(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	o := NewOverlay(path)

	_, ok := o.Get("temperature")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("temperature: 0.2\n"), 0644))
	// Ensure the mtime moves forward even on coarse filesystems.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	v, ok := o.Get("temperature")
	require.True(t, ok)
	assert.InDelta(t, 0.2, v.(float64), 1e-9)
}

func TestOverlaySetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overrides.yaml")
	o := NewOverlay(path)

	require.NoError(t, o.Set("max_tokens", 512))

	fresh := NewOverlay(path)
	v, ok := fresh.Get("max_tokens")
	require.True(t, ok)
	assert.Equal(t, 512, v)
}

func TestOverlayToggleViMode(t *testing.T) {
	o := NewOverlay(filepath.Join(t.TempDir(), "overrides.yaml"))

	on, err := o.ToggleViMode()
	require.NoError(t, err)
	assert.True(t, on)

	off, err := o.ToggleViMode()
	require.NoError(t, err)
	assert.False(t, off)
}

func TestGenParamsApply(t *testing.T) {
	temp := 0.1
	maxTok := 256
	p := GenParams{Temperature: &temp, MaxTokens: &maxTok}

	body := map[string]any{"temperature": 0.9}
	p.Apply(body)
	assert.Equal(t, 0.9, body["temperature"]) // frontend wins
	assert.Equal(t, 256, body["max_tokens"])

	p.Force = true
	p.Apply(body)
	assert.Equal(t, 0.1, body["temperature"]) // force overrides
}

func TestExpandEnvVarsInData(t *testing.T) {
	t.Setenv("BB_PORT", "1234")

	in := map[string]interface{}{
		"port":    "${BB_PORT}",
		"host":    "${BB_MISSING:-localhost}",
		"nested":  []interface{}{"${BB_PORT}"},
		"literal": "plain",
	}
	out := ExpandEnvVarsInData(in).(map[string]interface{})

	assert.Equal(t, 1234, out["port"])
	assert.Equal(t, "localhost", out["host"])
	assert.Equal(t, 1234, out["nested"].([]interface{})[0])
	assert.Equal(t, "plain", out["literal"])
}
