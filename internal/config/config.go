package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"airelay/internal/domain"
)

// Config is the root configuration for the relay.
type Config struct {
	Server    ServerConfig              `json:"server" yaml:"server"`
	Relay     RelayConfig               `json:"relay" yaml:"relay"`
	Providers map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Ledger    LedgerConfig              `json:"ledger" yaml:"ledger"`
	Log       LogConfig                 `json:"log" yaml:"log"`
	Metrics   MetricsConfig             `json:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Host                   string `json:"host" yaml:"host"`
	Port                   int    `json:"port" yaml:"port"`
	WSPath                 string `json:"wsPath" yaml:"wsPath"`
	MaxMessageBytes        int64  `json:"maxMessageBytes" yaml:"maxMessageBytes"`
	PingIntervalSeconds    int    `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"`
	PongWaitSeconds        int    `json:"pongWaitSeconds" yaml:"pongWaitSeconds"`
	MaxConcurrentRequests  int    `json:"maxConcurrentRequests" yaml:"maxConcurrentRequests"` // per connection
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
}

// RelayConfig controls how responses are presented to clients.
type RelayConfig struct {
	LineBreak          string   `json:"lineBreak" yaml:"lineBreak"`
	EndMessage         string   `json:"endMessage" yaml:"endMessage"`
	FallbackMessage    string   `json:"fallbackMessage" yaml:"fallbackMessage"`
	MaxAttachments     int      `json:"maxAttachments" yaml:"maxAttachments"`
	RejectMimePrefixes []string `json:"rejectMimePrefixes" yaml:"rejectMimePrefixes"`
}

// ProviderConfig is shared by all providers; fields a provider does not use
// are ignored.
type ProviderConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	APIBase            string  `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	APIKey             string  `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Model              string  `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens          int     `json:"maxTokens,omitempty" yaml:"maxTokens,omitempty"`
	Temperature        float64 `json:"temperature" yaml:"temperature"`
	TopK               int     `json:"topK" yaml:"topK"`
	TopP               float64 `json:"topP" yaml:"topP"`
	Version            string  `json:"version,omitempty" yaml:"version,omitempty"`         // claude
	AssistantID        string  `json:"assistantId,omitempty" yaml:"assistantId,omitempty"` // assistant
	PollIntervalMs     int     `json:"pollIntervalMs,omitempty" yaml:"pollIntervalMs,omitempty"`
	PollTimeoutSeconds int     `json:"pollTimeoutSeconds,omitempty" yaml:"pollTimeoutSeconds,omitempty"`
	TimeoutSeconds     int     `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
}

type LedgerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug | info | warn | error
	Format string `json:"format" yaml:"format"` // text | json
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// DefaultConfigDir returns the default config directory (~/.airelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".airelay"
	}
	return filepath.Join(home, ".airelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = decodeYAML(data, cfg)
	} else {
		err = decodeJSON(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	return finish(cfg)
}

// Provider entries are decoded over the built-in entry of the same name, so
// fields the file omits (enabled included) keep their defaults while explicit
// zero values such as temperature: 0 are kept as written.

func decodeJSON(data []byte, cfg *Config) error {
	if err := json.Unmarshal(data, cfg); err != nil {
		return err
	}
	var raw struct {
		Providers map[string]json.RawMessage `json:"providers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return overlayProviders(cfg, raw.Providers, func(m json.RawMessage, pc *ProviderConfig) error {
		return json.Unmarshal(m, pc)
	})
}

func decodeYAML(data []byte, cfg *Config) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	var raw struct {
		Providers map[string]yaml.Node `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	return overlayProviders(cfg, raw.Providers, func(n yaml.Node, pc *ProviderConfig) error {
		return n.Decode(pc)
	})
}

func overlayProviders[T any](cfg *Config, raw map[string]T, decode func(T, *ProviderConfig) error) error {
	if raw == nil {
		return nil
	}
	defs := defaultProviders()
	out := make(map[string]ProviderConfig, len(defs)+len(raw))
	for name, d := range defs {
		out[name] = d
	}
	for name, r := range raw {
		pc := defs[name]
		if err := decode(r, &pc); err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		out[name] = pc
	}
	cfg.Providers = out
	return nil
}

// LoadOrDefaults loads path, falling back to built-in defaults when the file
// does not exist. Environment overrides apply either way.
func LoadOrDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return finish(Defaults())
}

func finish(cfg *Config) (*Config, error) {
	fillProviderDefaults(cfg)
	ApplyEnv(cfg)
	cfg.Ledger.DBPath = ExpandPath(cfg.Ledger.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=value pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cannot load %s: %w", path, err)
	}
	return nil
}

// envKeys maps environment variables to the provider API keys they set.
var envKeys = []struct {
	env      string
	provider domain.ProviderKind
}{
	{"GEMINI_API_KEY", domain.KindGemini},
	{"ANTHROPIC_API_KEY", domain.KindClaude},
	{"CLAUDE_API_KEY", domain.KindClaude},
	{"OPENAI_API_KEY", domain.KindOpenAI},
	{"OPENAI_API_KEY", domain.KindAssistant},
	{"PERPLEXITY_API_KEY", domain.KindPerplexity},
}

// ApplyEnv overrides credentials and the listen port from the environment.
// Set variables take precedence over the config file.
func ApplyEnv(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, ek := range envKeys {
		if v := os.Getenv(ek.env); v != "" {
			pc := cfg.Providers[string(ek.provider)]
			pc.APIKey = v
			cfg.Providers[string(ek.provider)] = pc
		}
	}
	if v := os.Getenv("OPENAI_ASSISTANT_ID"); v != "" {
		pc := cfg.Providers[string(domain.KindAssistant)]
		pc.AssistantID = v
		cfg.Providers[string(domain.KindAssistant)] = pc
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
}

// fillProviderDefaults adds missing provider entries and fills settings that
// have no meaningful zero value. Sampling parameters are left alone: zero is
// a valid temperature.
func fillProviderDefaults(cfg *Config) {
	defs := defaultProviders()
	if cfg.Providers == nil {
		cfg.Providers = defs
		return
	}
	for name, d := range defs {
		pc, ok := cfg.Providers[name]
		if !ok {
			cfg.Providers[name] = d
			continue
		}
		if pc.APIBase == "" {
			pc.APIBase = d.APIBase
		}
		if pc.Model == "" {
			pc.Model = d.Model
		}
		if pc.MaxTokens == 0 {
			pc.MaxTokens = d.MaxTokens
		}
		if pc.Version == "" {
			pc.Version = d.Version
		}
		if pc.PollIntervalMs == 0 {
			pc.PollIntervalMs = d.PollIntervalMs
		}
		if pc.PollTimeoutSeconds == 0 {
			pc.PollTimeoutSeconds = d.PollTimeoutSeconds
		}
		if pc.TimeoutSeconds == 0 {
			pc.TimeoutSeconds = d.TimeoutSeconds
		}
		cfg.Providers[name] = pc
	}
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
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension asks for it.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if !strings.HasPrefix(cfg.Server.WSPath, "/") {
		errs = append(errs, "server.wsPath must start with /")
	}
	if cfg.Server.MaxMessageBytes < 1 {
		errs = append(errs, "server.maxMessageBytes must be >= 1")
	}
	if cfg.Server.PingIntervalSeconds < 1 {
		errs = append(errs, "server.pingIntervalSeconds must be >= 1")
	}
	if cfg.Server.PongWaitSeconds <= cfg.Server.PingIntervalSeconds {
		errs = append(errs, "server.pongWaitSeconds must be greater than server.pingIntervalSeconds")
	}
	if cfg.Server.MaxConcurrentRequests < 1 || cfg.Server.MaxConcurrentRequests > 100 {
		errs = append(errs, "server.maxConcurrentRequests must be between 1 and 100")
	}

	if cfg.Relay.MaxAttachments < 0 {
		errs = append(errs, "relay.maxAttachments must be >= 0")
	}
	if cfg.Relay.FallbackMessage == "" {
		errs = append(errs, "relay.fallbackMessage must not be empty")
	}

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, "log.format must be one of: text, json")
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		errs = append(errs, "metrics.path must start with /")
	}
	if cfg.Ledger.Enabled && cfg.Ledger.DBPath == "" {
		errs = append(errs, "ledger.dbPath is required when the ledger is enabled")
	}

	for name, pc := range cfg.Providers {
		if !knownProvider(name) {
			errs = append(errs, fmt.Sprintf("providers.%s: unknown provider", name))
			continue
		}
		if pc.Temperature < 0 || pc.Temperature > 2 {
			errs = append(errs, fmt.Sprintf("providers.%s.temperature must be between 0 and 2", name))
		}
		if pc.TopP < 0 || pc.TopP > 1 {
			errs = append(errs, fmt.Sprintf("providers.%s.topP must be between 0 and 1", name))
		}
		if pc.MaxTokens < 0 {
			errs = append(errs, fmt.Sprintf("providers.%s.maxTokens must be >= 0", name))
		}
		if pc.Enabled && pc.APIBase == "" {
			errs = append(errs, fmt.Sprintf("providers.%s: apiBase is required", name))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func knownProvider(name string) bool {
	for _, k := range domain.Kinds {
		if string(k) == name {
			return true
		}
	}
	return false
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
