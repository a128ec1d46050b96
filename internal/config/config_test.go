package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.Server.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_MaxConcurrentRequests_Boundary(t *testing.T) {
	cfg := Defaults()
	for _, n := range []int{1, 100} {
		cfg.Server.MaxConcurrentRequests = n
		if err := Validate(cfg); err != nil {
			t.Fatalf("maxConcurrentRequests=%d should be valid: %v", n, err)
		}
	}
	for _, n := range []int{0, 101} {
		cfg.Server.MaxConcurrentRequests = n
		if err := Validate(cfg); err == nil {
			t.Fatalf("expected error for maxConcurrentRequests=%d", n)
		}
	}
}

func TestValidate_PongWaitMustExceedPing(t *testing.T) {
	cfg := Defaults()
	cfg.Server.PongWaitSeconds = cfg.Server.PingIntervalSeconds
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error when pong wait <= ping interval")
	}
}

func TestValidate_LogSettings(t *testing.T) {
	cfg := Defaults()
	cfg.Log.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log level")
	}

	cfg = Defaults()
	cfg.Log.Format = "xml"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for invalid log format")
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["ollama"] = ProviderConfig{Enabled: true, APIBase: "http://localhost:11434"}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "providers.ollama") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestValidate_ProviderRanges(t *testing.T) {
	cfg := Defaults()
	pc := cfg.Providers["gemini"]
	pc.Temperature = 3
	pc.TopP = 1.5
	cfg.Providers["gemini"] = pc
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected range errors")
	}
	for _, want := range []string{"gemini.temperature", "gemini.topP"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in %v", want, err)
		}
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Relay.EndMessage = "done"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Relay.EndMessage != "done" {
		t.Fatalf("expected 'done', got %q", loaded.Relay.EndMessage)
	}
}

func TestLoadSave_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	original := Defaults()
	original.Server.Port = 4000
	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Fatal("expected YAML output, got JSON")
	}

	t.Setenv("API_PORT", "")
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Server.Port != 4000 {
		t.Fatalf("expected port 4000, got %d", loaded.Server.Port)
	}
}

func TestLoad_PartialProviderGetsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	content := "providers:\n  claude:\n    model: claude-3-haiku\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	pc := cfg.Providers["claude"]
	if pc.Model != "claude-3-haiku" || !pc.Enabled {
		t.Fatalf("model = %q, enabled = %v", pc.Model, pc.Enabled)
	}
	if pc.APIBase != "https://api.anthropic.com" || pc.Version != "2023-06-01" || pc.MaxTokens != 1024 {
		t.Fatalf("defaults not filled: %+v", pc)
	}
	if _, ok := cfg.Providers["gemini"]; !ok {
		t.Fatal("missing providers should keep their defaults")
	}
}

func TestLoad_KeyOnlyProviderStaysEnabled(t *testing.T) {
	files := map[string]string{
		"config.json": `{"providers":{"claude":{"apiKey":"sk-test"}}}`,
		"config.yml":  "providers:\n  claude:\n    apiKey: sk-test\n",
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			pc := cfg.Providers["claude"]
			if !pc.Enabled || pc.APIKey != "sk-test" {
				t.Fatalf("claude enabled=%v apiKey=%q", pc.Enabled, pc.APIKey)
			}
			if pc.Model != "claude-3-5-sonnet-latest" || pc.Version != "2023-06-01" {
				t.Fatalf("defaults not kept: %+v", pc)
			}
		})
	}
}

func TestLoad_ExplicitZeroAndDisabledAreKept(t *testing.T) {
	files := map[string]string{
		"config.json": `{"providers":{"gemini":{"temperature":0,"topK":0},"openai":{"enabled":false}}}`,
		"config.yaml": "providers:\n  gemini:\n    temperature: 0\n    topK: 0\n  openai:\n    enabled: false\n",
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			g := cfg.Providers["gemini"]
			if g.Temperature != 0 || g.TopK != 0 {
				t.Errorf("explicit zeros overwritten: temperature=%v topK=%d", g.Temperature, g.TopK)
			}
			if g.TopP != 0.8 || !g.Enabled {
				t.Errorf("unset gemini fields lost their defaults: %+v", g)
			}
			if cfg.Providers["openai"].Enabled {
				t.Error("explicit enabled: false was ignored")
			}
		})
	}
}

func TestSave_KeepsZeroTemperature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := Defaults()
	pc := cfg.Providers["gemini"]
	pc.Temperature = 0
	cfg.Providers["gemini"] = pc
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := loaded.Providers["gemini"].Temperature; got != 0 {
		t.Fatalf("temperature = %v after round trip", got)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadOrDefaults_MissingFile(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "gm-key-from-env")
	cfg, err := LoadOrDefaults(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("LoadOrDefaults: %v", err)
	}
	if cfg.Providers["gemini"].APIKey != "gm-key-from-env" {
		t.Fatalf("env key not applied: %q", cfg.Providers["gemini"].APIKey)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_ValidatesConfig(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"server": {
			"maxConcurrentRequests": 0
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := Load(cfgFile)
	if err == nil {
		t.Fatal("expected validation error for maxConcurrentRequests=0")
	}
}

// --- Environment ---

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("CLAUDE_API_KEY", "claude-env")
	t.Setenv("OPENAI_API_KEY", "openai-env")
	t.Setenv("OPENAI_ASSISTANT_ID", "asst_123")
	t.Setenv("PERPLEXITY_API_KEY", "pplx-env")
	t.Setenv("API_PORT", "8088")

	cfg := Defaults()
	cfg.Providers["claude"] = ProviderConfig{APIKey: "from-file"}
	ApplyEnv(cfg)

	if got := cfg.Providers["claude"].APIKey; got != "claude-env" {
		t.Errorf("claude key = %q", got)
	}
	if got := cfg.Providers["openai"].APIKey; got != "openai-env" {
		t.Errorf("openai key = %q", got)
	}
	if got := cfg.Providers["assistant"]; got.APIKey != "openai-env" || got.AssistantID != "asst_123" {
		t.Errorf("assistant = %+v", got)
	}
	if got := cfg.Providers["perplexity"].APIKey; got != "pplx-env" {
		t.Errorf("perplexity key = %q", got)
	}
	if cfg.Server.Port != 8088 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("AIRELAY_DOTENV_TEST=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AIRELAY_DOTENV_TEST", "")
	os.Unsetenv("AIRELAY_DOTENV_TEST")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("AIRELAY_DOTENV_TEST"); got != "from-file" {
		t.Fatalf("expected from-file, got %q", got)
	}
	if err := LoadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

// --- Accessor ---

func TestGetByPath_ValidPaths(t *testing.T) {
	cfg := Defaults()

	val, err := GetByPath(cfg, "providers.gemini.model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != "gemini-1.5-flash" {
		t.Fatalf("expected 'gemini-1.5-flash', got %v", val)
	}
}

func TestGetByPath_InvalidPath(t *testing.T) {
	cfg := Defaults()
	_, err := GetByPath(cfg, "nonexistent.path")
	if err == nil {
		t.Fatal("expected error for nonexistent path")
	}
}

func TestSetByPath_ValidPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.lineBreak", "\n"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Relay.LineBreak != "\n" {
		t.Fatalf("expected newline, got %q", cfg.Relay.LineBreak)
	}
}

func TestSetByPath_BoolConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "ledger.enabled", "false"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if cfg.Ledger.Enabled {
		t.Fatal("expected ledger.enabled=false")
	}
}

func TestSetByPath_IntConversion(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.port", "9000"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Fatalf("expected 9000, got %d", cfg.Server.Port)
	}
}

func TestSetByPath_UnknownKey(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "server.prot", "9000"); err == nil {
		t.Fatal("expected error for misspelled key")
	}
	if err := SetByPath(cfg, "server", "9000"); err == nil {
		t.Fatal("expected error when assigning to a section")
	}
	if cfg.Server.Port != 3001 {
		t.Fatalf("port changed to %d", cfg.Server.Port)
	}
}

func TestSetByPath_KeepsFieldType(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "providers.claude.apiKey", "12345"); err != nil {
		t.Fatalf("numeric-looking string: %v", err)
	}
	if cfg.Providers["claude"].APIKey != "12345" {
		t.Fatalf("apiKey = %q", cfg.Providers["claude"].APIKey)
	}
	if err := SetByPath(cfg, "providers.gemini.temperature", "0"); err != nil {
		t.Fatal(err)
	}
	if cfg.Providers["gemini"].Temperature != 0 {
		t.Fatalf("temperature = %v", cfg.Providers["gemini"].Temperature)
	}
	if err := SetByPath(cfg, "server.port", "many"); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestSetByPath_List(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "relay.rejectMimePrefixes", "video/, audio/"); err != nil {
		t.Fatal(err)
	}
	got := cfg.Relay.RejectMimePrefixes
	if len(got) != 2 || got[0] != "video/" || got[1] != "audio/" {
		t.Fatalf("rejectMimePrefixes = %q", got)
	}
}

// --- Sanitize ---

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["openai"] = ProviderConfig{
		Enabled: true,
		APIKey:  "sk-1234567890abcdefghijklmnop",
	}

	sanitized := Sanitize(cfg)

	if sanitized.Providers["openai"].APIKey == cfg.Providers["openai"].APIKey {
		t.Fatal("API key should be masked")
	}
	if got := sanitized.Providers["openai"].APIKey; got != "sk-1****mnop" {
		t.Fatalf("masked key = %q", got)
	}
	if cfg.Providers["openai"].APIKey != "sk-1234567890abcdefghijklmnop" {
		t.Fatal("original config should not be modified")
	}
	if sanitized.Providers["gemini"].APIKey != "" {
		t.Fatal("empty key should stay empty")
	}
}

func TestSanitize_ShortSecret(t *testing.T) {
	cfg := Defaults()
	cfg.Providers["claude"] = ProviderConfig{APIKey: "short"}
	sanitized := Sanitize(cfg)
	if sanitized.Providers["claude"].APIKey != "***" {
		t.Fatalf("short secret should be '***', got %q", sanitized.Providers["claude"].APIKey)
	}
}

// --- ExpandEnvVars ---

func TestExpandEnvVars_SimpleSubstitution(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-abc123")
	result := ExpandEnvVars(`{"apiKey": "${TEST_API_KEY}"}`)
	expected := `{"apiKey": "sk-abc123"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DefaultValue(t *testing.T) {
	os.Unsetenv("NONEXISTENT_VAR_12345")
	result := ExpandEnvVars(`{"port": "${NONEXISTENT_VAR_12345:-8080}"}`)
	expected := `{"port": "8080"}`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_UnsetVarNoDefault_KeepsOriginal(t *testing.T) {
	os.Unsetenv("TOTALLY_UNSET_VAR_XYZ")
	result := ExpandEnvVars(`"${TOTALLY_UNSET_VAR_XYZ}"`)
	expected := `"${TOTALLY_UNSET_VAR_XYZ}"`
	if result != expected {
		t.Fatalf("expected %q, got %q", expected, result)
	}
}

func TestExpandEnvVars_DollarSignWithoutBraces(t *testing.T) {
	input := `"$HOME is not substituted"`
	result := ExpandEnvVars(input)
	if result != input {
		t.Fatalf("expected no change for bare $VAR, got %q", result)
	}
}

func TestLoad_WithEnvVarSubstitution(t *testing.T) {
	t.Setenv("TEST_AIRELAY_DB", "/tmp/test-sessions.db")

	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.json")
	content := `{
		"ledger": {
			"enabled": true,
			"dbPath": "${TEST_AIRELAY_DB}"
		}
	}`
	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgFile)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ledger.DBPath != "/tmp/test-sessions.db" {
		t.Fatalf("expected dbPath '/tmp/test-sessions.db', got %q", cfg.Ledger.DBPath)
	}
}
