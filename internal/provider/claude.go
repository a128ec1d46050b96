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
	claudeDefaultBase    = "https://api.anthropic.com"
	claudeAPIVersion     = "2023-06-01"
	claudeDefaultModel   = "claude-3-5-sonnet-latest"
	claudeDefaultMaxToks = 1024
)

// Claude streams from the Anthropic Messages API.
type Claude struct {
	apiKey    string
	apiBase   string
	version   string
	model     string
	maxTokens int
	client    *http.Client
	logger    *slog.Logger
}

type ClaudeConfig struct {
	APIKey    string
	APIBase   string
	Version   string
	Model     string
	MaxTokens int
	Logger    *slog.Logger
}

// NewClaude creates a new Claude adapter.
func NewClaude(cfg ClaudeConfig) *Claude {
	return NewClaudeWithClient(cfg, SharedHTTPClient(defaultHeaderTimeout))
}

func NewClaudeWithClient(cfg ClaudeConfig, client *http.Client) *Claude {
	if cfg.APIBase == "" {
		cfg.APIBase = claudeDefaultBase
	}
	if cfg.Version == "" {
		cfg.Version = claudeAPIVersion
	}
	if cfg.Model == "" {
		cfg.Model = claudeDefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = claudeDefaultMaxToks
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Claude{
		apiKey:    cfg.APIKey,
		apiBase:   strings.TrimRight(cfg.APIBase, "/"),
		version:   cfg.Version,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		client:    client,
		logger:    cfg.Logger,
	}
}

func (c *Claude) Kind() domain.ProviderKind { return domain.KindClaude }
func (c *Claude) Configured() bool          { return c.apiKey != "" }

type claudeRequest struct {
	Model     string      `json:"model"`
	MaxTokens int         `json:"max_tokens"`
	Messages  []claudeMsg `json:"messages"`
	Stream    bool        `json:"stream"`
}

type claudeMsg struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type   string        `json:"type"` // "text" | "image" | "document"
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// claudeBlocks sends images and PDFs as base64 sources and renders anything
// else as text.
func claudeBlocks(req domain.InboundRequest) []claudeContent {
	blocks := make([]claudeContent, 0, len(req.Attachments)+1)
	if req.Text != "" {
		blocks = append(blocks, claudeContent{Type: "text", Text: req.Text})
	}
	for _, a := range req.Attachments {
		switch {
		case isImage(a.MimeType):
			blocks = append(blocks, claudeContent{Type: "image", Source: &claudeSource{
				Type: "base64", MediaType: mimeBase(a.MimeType), Data: base64Data(a),
			}})
		case isPDF(a.MimeType):
			blocks = append(blocks, claudeContent{Type: "document", Source: &claudeSource{
				Type: "base64", MediaType: "application/pdf", Data: base64Data(a),
			}})
		default:
			blocks = append(blocks, claudeContent{Type: "text", Text: TextFallback(a)})
		}
	}
	return blocks
}

func (c *Claude) buildRequest(req domain.InboundRequest) claudeRequest {
	return claudeRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []claudeMsg{{Role: "user", Content: claudeBlocks(req)}},
		Stream:    true,
	}
}

func (c *Claude) Open(ctx context.Context, req domain.InboundRequest) (domain.Stream, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("claude: %w", ErrMissingCredentials)
	}
	header := http.Header{}
	header.Set("x-api-key", c.apiKey)
	header.Set("anthropic-version", c.version)
	return openStream(ctx, c.client, domain.KindClaude, c.apiBase+"/v1/messages", header, c.buildRequest(req), stream.ClaudeText, c.logger)
}
