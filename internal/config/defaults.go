package config

import "airelay/internal/stream"

const (
	DefaultFallbackMessage = "Sorry, I am unable to process your request right now. Please try again later."
	DefaultEndMessage      = "Stream finished."
)

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   3001,
			WSPath:                 "/ws",
			MaxMessageBytes:        20 << 20,
			PingIntervalSeconds:    60,
			PongWaitSeconds:        120,
			MaxConcurrentRequests:  4,
			ShutdownTimeoutSeconds: 5,
		},
		Relay: RelayConfig{
			LineBreak:          stream.LineBreak,
			EndMessage:         DefaultEndMessage,
			FallbackMessage:    DefaultFallbackMessage,
			MaxAttachments:     5,
			RejectMimePrefixes: []string{"video/"},
		},
		Providers: defaultProviders(),
		Ledger: LedgerConfig{
			Enabled: true,
			DBPath:  "~/.airelay/sessions.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

func defaultProviders() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"gemini": {
			Enabled:        true,
			APIBase:        "https://generativelanguage.googleapis.com",
			Model:          "gemini-1.5-flash",
			MaxTokens:      8192,
			Temperature:    0.6,
			TopK:           4,
			TopP:           0.8,
			TimeoutSeconds: 120,
		},
		"claude": {
			Enabled:        true,
			APIBase:        "https://api.anthropic.com",
			Model:          "claude-3-5-sonnet-latest",
			MaxTokens:      1024,
			Version:        "2023-06-01",
			TimeoutSeconds: 120,
		},
		"openai": {
			Enabled:        true,
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4",
			MaxTokens:      500,
			TimeoutSeconds: 120,
		},
		"perplexity": {
			Enabled:        true,
			APIBase:        "https://api.perplexity.ai",
			Model:          "sonar-pro",
			MaxTokens:      1024,
			TimeoutSeconds: 120,
		},
		"assistant": {
			Enabled:            true,
			APIBase:            "https://api.openai.com/v1",
			PollIntervalMs:     1500,
			PollTimeoutSeconds: 120,
			TimeoutSeconds:     120,
		},
	}
}
