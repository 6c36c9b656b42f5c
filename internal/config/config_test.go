package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const configDoc = `[tester]
prepare_url = "merchant.local:8081/prepare"
complete_url = "merchant.local:8081/complete"
service_id = "12345"
secret_key = "AZxcvbnm123"
amount = "1000.00"

[run]
request_timeout = "30s"
requests_per_second = 2.0
audit_size = 10

[log]
level = "debug"
format = "json"

[relay]
url = "http://127.0.0.1:9100/relay"

[history]
enabled = true
path = "runs.db"

[metrics]
enabled = true
listen = "127.0.0.1:9191"
`

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clickconform.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Run.AuditSize)
	assert.Equal(t, time.Duration(0), cfg.Run.RequestTimeout)
	assert.Equal(t, float64(0), cfg.Run.RequestsPerSecond)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, "stderr", cfg.Log.Output)
	assert.Equal(t, "clickconform.db", cfg.History.Path)
	assert.False(t, cfg.History.Enabled)
	assert.Equal(t, "127.0.0.1:9190", cfg.Metrics.Listen)
	assert.Empty(t, cfg.Relay.URL)
}

func TestLoadFromFile(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, configDoc))
	require.NoError(t, err)

	assert.Equal(t, "merchant.local:8081/prepare", cfg.Tester.PrepareURL)
	assert.Equal(t, "12345", cfg.Tester.ServiceID)
	assert.Equal(t, "AZxcvbnm123", cfg.Tester.SecretKey)
	assert.Equal(t, "1000.00", cfg.Tester.Amount)
	assert.Equal(t, 30*time.Second, cfg.Run.RequestTimeout)
	assert.Equal(t, 2.0, cfg.Run.RequestsPerSecond)
	assert.Equal(t, 10, cfg.Run.AuditSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "http://127.0.0.1:9100/relay", cfg.Relay.URL)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "runs.db", cfg.History.Path)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9191", cfg.Metrics.Listen)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CLICKCONF_TESTER_SECRET_KEY", "from-env")
	t.Setenv("CLICKCONF_RUN_AUDIT_SIZE", "7")

	cfg, err := Load(writeConfigFile(t, configDoc))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Tester.SecretKey)
	assert.Equal(t, 7, cfg.Run.AuditSize)
	assert.Equal(t, "12345", cfg.Tester.ServiceID, "untouched keys still come from the file")
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"negative rps", map[string]string{"CLICKCONF_RUN_REQUESTS_PER_SECOND": "-1"}},
		{"negative timeout", map[string]string{"CLICKCONF_RUN_REQUEST_TIMEOUT": "-5s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestTesterSettingsValidate(t *testing.T) {
	valid := TesterSettings{
		PrepareURL:  "http://merchant.local/prepare",
		CompleteURL: "http://merchant.local/complete",
		ServiceID:   "12345",
		SecretKey:   "AZxcvbnm123",
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*TesterSettings)
	}{
		{"missing prepare url", func(s *TesterSettings) { s.PrepareURL = "" }},
		{"missing complete url", func(s *TesterSettings) { s.CompleteURL = "" }},
		{"missing service id", func(s *TesterSettings) { s.ServiceID = "" }},
		{"missing secret key", func(s *TesterSettings) { s.SecretKey = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrInvalidSettings)
		})
	}
}

func TestTesterSettingsOptionalOverrides(t *testing.T) {
	s := TesterSettings{
		PrepareURL:              "p",
		CompleteURL:             "c",
		ServiceID:               "1",
		SecretKey:               "k",
		PresetMerchantPrepareID: "500",
	}
	assert.NoError(t, s.Validate(), "overrides are never required")
}
