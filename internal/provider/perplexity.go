package provider

import (
	"net/http"

	"airelay/internal/domain"
)

const (
	perplexityDefaultBase  = "https://api.perplexity.ai"
	perplexityDefaultModel = "sonar-pro"
)

// NewPerplexity creates an adapter for the Perplexity chat completions API.
func NewPerplexity(cfg OpenAIConfig) *ChatCompletions {
	return NewPerplexityWithClient(cfg, SharedHTTPClient(defaultHeaderTimeout))
}

func NewPerplexityWithClient(cfg OpenAIConfig, client *http.Client) *ChatCompletions {
	if cfg.APIBase == "" {
		cfg.APIBase = perplexityDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = perplexityDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return newChatCompletions(domain.KindPerplexity, cfg, client)
}
