package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/api/v1", cfg.App.BasePath)
	assert.Equal(t, "linux_do_cdk_session_id", cfg.Session.CookieName)
	assert.Len(t, cfg.ProjectApp.CreateProjectRateLimit, 5)
	assert.False(t, cfg.OAuth2.Enabled())
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
app:
  addr: 0.0.0.0:9000
project_app:
  hidden_threshold: 3
oauth2:
  client_id: abc
webhooks:
  - url: https://hooks.example.com/cdk
    events: [item.claimed]
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.App.Addr)
	assert.Equal(t, "/api/v1", cfg.App.BasePath)
	assert.Equal(t, 3, cfg.ProjectApp.HiddenThreshold)
	assert.True(t, cfg.OAuth2.Enabled())
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"item.claimed"}, cfg.Webhooks[0].Events)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"base path":   "app:\n  base_path: api\n",
		"cookie":      "session:\n  cookie_name: \"\"\n",
		"age":         "session:\n  age_seconds: 0\n",
		"redis addr":  "redis:\n  enabled: true\n  addr: \"\"\n",
		"threshold":   "project_app:\n  hidden_threshold: -1\n",
		"log output":  "log:\n  output: syslog\n",
		"log file":    "log:\n  output: file\n  file_path: \"\"\n",
		"webhook url": "webhooks:\n  - events: [item.claimed]\n",
		"oauth url":   "oauth2:\n  client_id: abc\n  token_endpoint: not a url\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestCreateLimitFor(t *testing.T) {
	p := Default().ProjectApp
	l, ok := p.CreateLimitFor(0)
	require.True(t, ok)
	assert.Equal(t, RateLimit{IntervalSeconds: 86400, MaxCount: 1}, l)
	_, ok = p.CreateLimitFor(5)
	assert.False(t, ok)
	_, ok = ProjectAppConfig{CreateProjectRateLimit: []RateLimit{{}}}.CreateLimitFor(0)
	assert.False(t, ok)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing.yml"))
	assert.ErrorContains(t, err, "cdk config init")

	path := filepath.Join(dir, "cdk.yml")
	require.NoError(t, os.WriteFile(path, []byte(GenerateDefault()), 0o600))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", cfg.Schedule.ExpireProjectsCron)
}
