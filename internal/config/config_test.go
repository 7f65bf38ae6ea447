package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Database.DSN = "/tmp/agentrelay-test.db"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidate_MissingDSNFailsFast(t *testing.T) {
	cfg := Defaults()
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn is required")
}

func TestValidate_HistoryLimitBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.HistoryLimit = 0
	require.Error(t, Validate(cfg))

	cfg.Pipeline.HistoryLimit = 51
	require.Error(t, Validate(cfg))

	cfg.Pipeline.HistoryLimit = 1
	require.NoError(t, Validate(cfg))

	cfg.Pipeline.HistoryLimit = 50
	require.NoError(t, Validate(cfg))
}

func TestValidate_TimeoutBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Providers.TimeoutSeconds = 0
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.timeoutSeconds must be >= 1")

	cfg = validConfig()
	cfg.Gateway.TimeoutSeconds = 120
	err = Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway.timeoutSeconds must be <= 60")
}

func TestValidate_InvalidDriver(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Driver = "mysql"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.driver must be one of: sqlite, postgres")
}

func TestValidate_AdvisoryLockNeedsPostgres(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.Lock = "advisory"
	require.Error(t, Validate(cfg))

	cfg.Database.Driver = "postgres"
	cfg.Database.DSN = "postgres://relay:pw@localhost:5432/relay"
	require.NoError(t, Validate(cfg))
}

func TestValidate_EmptySendTemplates(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.SendTemplates = nil
	require.Error(t, Validate(cfg))

	cfg.Gateway.SendTemplates = []string{""}
	require.Error(t, Validate(cfg))
}

func TestValidate_UnknownFallbackProvider(t *testing.T) {
	cfg := validConfig()
	cfg.Pipeline.FallbackModels["mistral"] = "mistral-small"
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider: mistral")
}

func TestValidate_ProbeSchedule(t *testing.T) {
	cfg := validConfig()
	cfg.Probe.Enabled = true
	cfg.Probe.Schedule = "every now and then"
	require.Error(t, Validate(cfg))

	cfg.Probe.Schedule = "*/5 * * * *"
	require.NoError(t, Validate(cfg))
}

func TestValidate_TelegramAlertsNeedToken(t *testing.T) {
	cfg := validConfig()
	cfg.Alerts.Telegram.Enabled = true
	require.Error(t, Validate(cfg))

	cfg.Alerts.Telegram.Token = "123456:abcdef"
	cfg.Alerts.Telegram.ChatID = 42
	require.NoError(t, Validate(cfg))
}

// --- Load ---

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
		"database": {"dsn": "/tmp/relay.db"},
		"pipeline": {"historyLimit": 4}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/relay.db", cfg.Database.DSN)
	assert.Equal(t, 4, cfg.Pipeline.HistoryLimit)
	// untouched sections keep their defaults
	assert.Equal(t, 30, cfg.Providers.TimeoutSeconds)
	assert.Len(t, cfg.Gateway.SendTemplates, 3)
}

func TestLoad_TOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
[database]
driver = "postgres"
dsn = "postgres://relay@localhost/relay"

[pipeline]
lock = "advisory"
historyLimit = 12

[gateway]
sendTemplates = ["{{ .ServerURL }}/send/text"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "advisory", cfg.Pipeline.Lock)
	assert.Equal(t, 12, cfg.Pipeline.HistoryLimit)
	assert.Equal(t, []string{"{{ .ServerURL }}/send/text"}, cfg.Gateway.SendTemplates)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
general:
  logLevel: debug
database:
  dsn: /tmp/relay.db
providers:
  timeoutSeconds: 15
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.General.LogLevel)
	assert.Equal(t, 15, cfg.Providers.TimeoutSeconds)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestLoad_InvalidJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{not json`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot parse config file")
}

func TestLoad_ValidatesConfig(t *testing.T) {
	path := writeFile(t, "config.json", `{"database": {"dsn": "/tmp/x.db"}, "general": {"logLevel": "loud"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "general.logLevel must be one of")
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("RELAY_TEST_DSN", "/tmp/from-env.db")
	path := writeFile(t, "config.json", `{"database": {"dsn": "${RELAY_TEST_DSN}"}, "server": {"addr": "${RELAY_TEST_ADDR:-:9000}"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-env.db", cfg.Database.DSN)
	assert.Equal(t, ":9000", cfg.Server.Addr)
}

func TestLoad_UnsetRequiredEnvFailsFast(t *testing.T) {
	path := writeFile(t, "config.json", `{"database": {"dsn": "${RELAY_TEST_UNSET_DSN}"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn is required")
}

// --- ExpandEnvVars ---

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("RELAY_A", "alpha")
	t.Setenv("RELAY_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"${RELAY_A}", "alpha"},
		{"${RELAY_MISSING:-fallback}", "fallback"},
		{"${RELAY_A:-fallback}", "alpha"},
		{"${RELAY_EMPTY:-fallback}", "fallback"},
		{"${RELAY_MISSING}", ""},
		{"${RELAY_A}/${RELAY_A}", "alpha/alpha"},
		{"$RELAY_A", "$RELAY_A"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandEnvVars(tt.in), tt.in)
	}
}

// --- accessor ---

func TestGetByPath(t *testing.T) {
	cfg := validConfig()
	v, err := GetByPath(cfg, "pipeline.historyLimit")
	require.NoError(t, err)
	assert.EqualValues(t, 8, v)

	v, err = GetByPath(cfg, "gateway.sendTemplates.2")
	require.NoError(t, err)
	assert.Equal(t, "{{ .ServerURL }}/send/text", v)

	_, err = GetByPath(cfg, "pipeline.nope")
	require.Error(t, err)
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := validConfig()
	cfg.Database.DSN = "postgres://relay:s3cret@db:5432/relay"
	cfg.Alerts.Telegram.Token = "123456789:ABCDEFGHIJKLMNOP"

	safe := Sanitize(cfg)
	assert.NotContains(t, safe.Database.DSN, "s3cret")
	assert.Contains(t, safe.Database.DSN, "relay:redacted@db:5432")
	assert.Equal(t, "1234****MNOP", safe.Alerts.Telegram.Token)

	// original untouched
	assert.Contains(t, cfg.Database.DSN, "s3cret")
}

func TestSanitize_FilePathDSNUnchanged(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, cfg.Database.DSN, Sanitize(cfg).Database.DSN)
}
