package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"airelay/internal/domain"
	"airelay/internal/stream"
)

const (
	openAIDefaultBase  = "https://api.openai.com/v1"
	openAIDefaultModel = "gpt-4"
)

// ChatCompletions streams from an OpenAI-compatible chat completions
// endpoint. OpenAI and Perplexity share this wire format.
type ChatCompletions struct {
	kind      domain.ProviderKind
	apiKey    string
	apiBase   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

type OpenAIConfig struct {
	APIKey    string
	APIBase   string
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

// NewOpenAI creates an adapter for the OpenAI chat completions API.
func NewOpenAI(cfg OpenAIConfig) *ChatCompletions {
	return NewOpenAIWithClient(cfg, SharedHTTPClient(defaultHeaderTimeout))
}

func NewOpenAIWithClient(cfg OpenAIConfig, client *http.Client) *ChatCompletions {
	if cfg.APIBase == "" {
		cfg.APIBase = openAIDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	return newChatCompletions(domain.KindOpenAI, cfg, client)
}

func newChatCompletions(kind domain.ProviderKind, cfg OpenAIConfig, client *http.Client) *ChatCompletions {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatCompletions{
		kind:      kind,
		apiKey:    cfg.APIKey,
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
		logger:    cfg.Logger,
	}
}

func (o *ChatCompletions) Kind() domain.ProviderKind { return o.kind }
func (o *ChatCompletions) Configured() bool          { return o.apiKey != "" }

type oaiRequest struct {
	Model     string       `json:"model"`
	Messages  []oaiMessage `json:"messages"`
	MaxTokens int          `json:"max_tokens,omitempty"`
	Stream    bool         `json:"stream"`
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []oaiPart
}

type oaiPart struct {
	Type     string       `json:"type"` // "text" | "image_url"
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

// oaiContent returns plain text when there is nothing to attach, otherwise
// one content part per attachment: images as data URIs, the rest as text.
func oaiContent(req domain.InboundRequest) any {
	if len(req.Attachments) == 0 {
		return req.Text
	}
	parts := make([]oaiPart, 0, len(req.Attachments)+1)
	if req.Text != "" {
		parts = append(parts, oaiPart{Type: "text", Text: req.Text})
	}
	for _, a := range req.Attachments {
		if isImage(a.MimeType) {
			parts = append(parts, oaiPart{Type: "image_url", ImageURL: &oaiImageURL{URL: dataURI(a)}})
			continue
		}
		parts = append(parts, oaiPart{Type: "text", Text: TextFallback(a)})
	}
	return parts
}

func (o *ChatCompletions) buildRequest(req domain.InboundRequest) oaiRequest {
	return oaiRequest{
		Model:     o.model,
		Messages:  []oaiMessage{{Role: "user", Content: oaiContent(req)}},
		MaxTokens: o.maxTokens,
		Stream:    true,
	}
}

func (o *ChatCompletions) Open(ctx context.Context, req domain.InboundRequest) (domain.Stream, error) {
	if !o.Configured() {
		return nil, fmt.Errorf("%s: %w", o.kind, ErrMissingCredentials)
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+o.apiKey)
	return openStream(ctx, o.client, o.kind, o.apiBase+"/chat/completions", header, o.buildRequest(req), stream.ChatCompletionText, o.logger)
}
