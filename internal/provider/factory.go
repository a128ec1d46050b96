package provider

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"airelay/internal/config"
	"airelay/internal/domain"
)

// AdapterConstructor creates an adapter from a config entry. client is nil
// unless the factory was given one.
type AdapterConstructor func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Adapter

// Factory creates and caches provider adapters from config.
type Factory struct {
	cfg          *config.Config
	logger       *slog.Logger
	client       *http.Client
	constructors map[domain.ProviderKind]AdapterConstructor
	cache        map[domain.ProviderKind]domain.Adapter
	mu           sync.RWMutex
}

// NewFactory creates a factory with the built-in constructors registered.
func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	return NewFactoryWithClient(cfg, nil, logger)
}

// NewFactoryWithClient makes every built-in adapter use client. Tests use it
// to point adapters at an httptest server.
func NewFactoryWithClient(cfg *config.Config, client *http.Client, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{
		cfg:          cfg,
		logger:       logger,
		client:       client,
		constructors: make(map[domain.ProviderKind]AdapterConstructor),
		cache:        make(map[domain.ProviderKind]domain.Adapter),
	}
	f.registerDefaults()
	return f
}

// RegisterConstructor adds (or replaces) an adapter constructor and drops any
// cached instance for kind.
func (f *Factory) RegisterConstructor(kind domain.ProviderKind, ctor AdapterConstructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
	delete(f.cache, kind)
}

func clientFor(pc config.ProviderConfig, client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	return SharedHTTPClient(time.Duration(pc.TimeoutSeconds) * time.Second)
}

// registerDefaults registers all built-in adapter constructors.
func (f *Factory) registerDefaults() {
	f.constructors[domain.KindGemini] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Adapter {
		return NewGeminiWithClient(GeminiConfig{
			APIKey:          pc.APIKey,
			APIBase:         pc.APIBase,
			Model:           pc.Model,
			Temperature:     pc.Temperature,
			TopK:            pc.TopK,
			TopP:            pc.TopP,
			MaxOutputTokens: pc.MaxTokens,
			Logger:          logger,
		}, clientFor(pc, client))
	}

	f.constructors[domain.KindClaude] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Adapter {
		return NewClaudeWithClient(ClaudeConfig{
			APIKey:    pc.APIKey,
			APIBase:   pc.APIBase,
			Version:   pc.Version,
			Model:     pc.Model,
			MaxTokens: pc.MaxTokens,
			Logger:    logger,
		}, clientFor(pc, client))
	}

	f.constructors[domain.KindOpenAI] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Adapter {
		return NewOpenAIWithClient(OpenAIConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, MaxTokens: pc.MaxTokens, Logger: logger,
		}, clientFor(pc, client))
	}

	f.constructors[domain.KindPerplexity] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Adapter {
		return NewPerplexityWithClient(OpenAIConfig{
			APIKey: pc.APIKey, APIBase: pc.APIBase, Model: pc.Model, MaxTokens: pc.MaxTokens, Logger: logger,
		}, clientFor(pc, client))
	}

	f.constructors[domain.KindAssistant] = func(pc config.ProviderConfig, client *http.Client, logger *slog.Logger) domain.Adapter {
		return NewAssistantWithClient(AssistantConfig{
			APIKey:       pc.APIKey,
			APIBase:      pc.APIBase,
			AssistantID:  pc.AssistantID,
			PollInterval: time.Duration(pc.PollIntervalMs) * time.Millisecond,
			PollTimeout:  time.Duration(pc.PollTimeoutSeconds) * time.Second,
			Logger:       logger,
		}, clientFor(pc, client))
	}
}

// Get returns the adapter for kind. Created adapters are cached so the same
// instance is reused across sessions.
// Uses double-check locking to avoid TOCTOU races.
func (f *Factory) Get(kind domain.ProviderKind) (domain.Adapter, error) {
	// Fast path: read lock.
	f.mu.RLock()
	if cached, ok := f.cache[kind]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	// Slow path: write lock with double-check.
	f.mu.Lock()
	defer f.mu.Unlock()

	if cached, ok := f.cache[kind]; ok {
		return cached, nil
	}

	ctor, found := f.constructors[kind]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, kind)
	}
	pc, ok := f.cfg.Providers[string(kind)]
	if !ok {
		return nil, fmt.Errorf("%w: %s has no config entry", ErrUnknownProvider, kind)
	}
	if !pc.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrProviderDisabled, kind)
	}

	a := ctor(pc, f.client, f.logger.With("provider", string(kind)))
	f.cache[kind] = a
	return a, nil
}

// ForEvent resolves an inbound event name to its adapter.
func (f *Factory) ForEvent(event string) (domain.Adapter, error) {
	kind, ok := domain.KindForEvent(event)
	if !ok {
		return nil, fmt.Errorf("%w: event %q", ErrUnknownProvider, event)
	}
	return f.Get(kind)
}

// ProviderStatus summarizes one provider for health and CLI output.
type ProviderStatus struct {
	Kind       domain.ProviderKind `json:"provider"`
	Event      string              `json:"event"`
	Enabled    bool                `json:"enabled"`
	Configured bool                `json:"configured"`
	Model      string              `json:"model,omitempty"`
}

// Status reports every known provider in a stable order.
func (f *Factory) Status() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(domain.Kinds))
	for _, kind := range domain.Kinds {
		pc := f.cfg.Providers[string(kind)]
		st := ProviderStatus{Kind: kind, Event: kind.EventName(), Enabled: pc.Enabled, Model: pc.Model}
		if a, err := f.Get(kind); err == nil {
			st.Configured = a.Configured()
		}
		out = append(out, st)
	}
	return out
}
