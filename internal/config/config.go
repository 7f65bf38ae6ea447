package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath is the single environment variable that may point at the config file.
const EnvConfigPath = "AGENTRELAY_CONFIG"

// Config is the root configuration for agentrelay.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Webhook   WebhookConfig   `json:"webhook"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Providers ProvidersConfig `json:"providers"`
	Gateway   GatewayConfig   `json:"gateway"`
	Probe     ProbeConfig     `json:"probe"`
	Alerts    AlertsConfig    `json:"alerts"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFormat string `json:"logFormat" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr                   string `json:"addr" validate:"required"`
	WebhookPath            string `json:"webhookPath" validate:"required,startswith=/"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" validate:"min=1,max=300"`
}

type DatabaseConfig struct {
	Driver       string `json:"driver" validate:"oneof=sqlite postgres"`
	DSN          string `json:"dsn" validate:"required"` // sqlite file path or postgres URL
	MaxOpenConns int    `json:"maxOpenConns" validate:"min=1,max=200"`
}

type WebhookConfig struct {
	// AllowUnsignedInstances accepts instances with no stored secret. Off by default.
	AllowUnsignedInstances bool  `json:"allowUnsignedInstances"`
	MaxBodyBytes           int64 `json:"maxBodyBytes" validate:"min=1024"`
	LogPayloadBytes        int   `json:"logPayloadBytes" validate:"min=0"`
}

type PipelineConfig struct {
	HistoryLimit        int               `json:"historyLimit" validate:"min=1,max=50"`
	DefaultSystemPrompt string            `json:"defaultSystemPrompt" validate:"required"`
	DefaultTemperature  float64           `json:"defaultTemperature" validate:"min=0,max=2"`
	FallbackModels      map[string]string `json:"fallbackModels" validate:"required,dive,required"`
	Lock                string            `json:"lock" validate:"oneof=memory advisory"`
	LockTimeoutSeconds  int               `json:"lockTimeoutSeconds" validate:"min=1,max=600"`
}

type ProvidersConfig struct {
	OpenAIBaseURL    string `json:"openaiBaseUrl" validate:"required,url"`
	AnthropicBaseURL string `json:"anthropicBaseUrl" validate:"required,url"`
	AnthropicVersion string `json:"anthropicVersion" validate:"required"`
	GeminiBaseURL    string `json:"geminiBaseUrl" validate:"required,url"`
	TimeoutSeconds   int    `json:"timeoutSeconds" validate:"min=1,max=60"`
	MaxTokens        int    `json:"maxTokens" validate:"min=1"`
	// RatePerMinute caps calls per credential; 0 means unlimited.
	RatePerMinute float64 `json:"ratePerMinute" validate:"min=0"`
	Burst         int     `json:"burst" validate:"min=0"`
}

type GatewayConfig struct {
	// SendTemplates are tried in order until one returns 2xx.
	SendTemplates  []string `json:"sendTemplates" validate:"min=1,dive,required"`
	TimeoutSeconds int      `json:"timeoutSeconds" validate:"min=1,max=60"`
	StatusPath     string   `json:"statusPath" validate:"required,startswith=/"`
}

type ProbeConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule"`
	TimeoutSeconds int    `json:"timeoutSeconds" validate:"min=1,max=60"`
}

type AlertsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token,omitempty"`
	ChatID      int64  `json:"chatId,omitempty"`
	APIEndpoint string `json:"apiEndpoint,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required,startswith=/"`
}

func DefaultConfigPath() string {
	return "agentrelay.json"
}

// Load reads the config file, expands environment variables and validates it.
// JSON, TOML and YAML are accepted, chosen by file extension.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := decode(path, data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	if cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = ExpandPath(cfg.Database.DSN)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// decode unmarshals data into cfg. TOML and YAML documents are first
// converted to JSON so a single set of json tags drives every format.
func decode(path string, data []byte, cfg *Config) error {
	var generic map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &generic); err != nil {
			return err
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
	default:
		return json.Unmarshal(data, cfg)
	}
	normalized, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return json.Unmarshal(normalized, cfg)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return ""
		}
		return val
	})
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
