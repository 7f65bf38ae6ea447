package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Addr:                   ":8080",
			WebhookPath:            "/webhook",
			ShutdownTimeoutSeconds: 15,
		},
		Database: DatabaseConfig{
			Driver:       "sqlite",
			MaxOpenConns: 10,
		},
		Webhook: WebhookConfig{
			AllowUnsignedInstances: false,
			MaxBodyBytes:           1 << 20,
			LogPayloadBytes:        4096,
		},
		Pipeline: PipelineConfig{
			HistoryLimit:        8,
			DefaultSystemPrompt: "You are a helpful assistant.",
			DefaultTemperature:  0.7,
			FallbackModels:      defaultFallbackModels(),
			Lock:                "memory",
			LockTimeoutSeconds:  90,
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:    "https://api.openai.com/v1",
			AnthropicBaseURL: "https://api.anthropic.com",
			AnthropicVersion: "2023-06-01",
			GeminiBaseURL:    "https://generativelanguage.googleapis.com",
			TimeoutSeconds:   30,
			MaxTokens:        1024,
		},
		Gateway: GatewayConfig{
			SendTemplates:  defaultSendTemplates(),
			TimeoutSeconds: 20,
			StatusPath:     "/instance/connectionState",
		},
		Probe: ProbeConfig{
			Enabled:        false,
			Schedule:       "@every 5m",
			TimeoutSeconds: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func defaultFallbackModels() map[string]string {
	return map[string]string{
		"openai":    "gpt-4o-mini",
		"anthropic": "claude-3-5-haiku-latest",
		"gemini":    "gemini-1.5-flash",
	}
}

// defaultSendTemplates covers the gateway flavours seen in the wild:
// Evolution-style with and without the instance name, and UAZAPI v2.
func defaultSendTemplates() []string {
	return []string{
		"{{ .ServerURL }}/message/sendText",
		"{{ .ServerURL }}/message/sendText/{{ .InstanceName | urlquery }}",
		"{{ .ServerURL }}/send/text",
	}
}
