package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"airelay/internal/domain"
	"airelay/internal/stream"
)

const (
	geminiDefaultBase  = "https://generativelanguage.googleapis.com"
	geminiDefaultModel = "gemini-1.5-flash"
)

// Gemini streams from the Google Generative Language API.
type Gemini struct {
	apiKey  string
	apiBase string
	model   string
	gen     geminiGenerationConfig
	client  *http.Client
	logger  *slog.Logger
}

type GeminiConfig struct {
	APIKey          string
	APIBase         string
	Model           string
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
	Logger          *slog.Logger
}

func NewGemini(cfg GeminiConfig) *Gemini {
	return NewGeminiWithClient(cfg, SharedHTTPClient(defaultHeaderTimeout))
}

func NewGeminiWithClient(cfg GeminiConfig, client *http.Client) *Gemini {
	if cfg.APIBase == "" {
		cfg.APIBase = geminiDefaultBase
	}
	if cfg.Model == "" {
		cfg.Model = geminiDefaultModel
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 8192
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gemini{
		apiKey:  cfg.APIKey,
		apiBase: strings.TrimRight(cfg.APIBase, "/"),
		model:   cfg.Model,
		gen: geminiGenerationConfig{
			Temperature:      cfg.Temperature,
			TopK:             cfg.TopK,
			TopP:             cfg.TopP,
			MaxOutputTokens:  cfg.MaxOutputTokens,
			ResponseMimeType: "text/plain",
		},
		client: client,
		logger: cfg.Logger,
	}
}

func (g *Gemini) Kind() domain.ProviderKind { return domain.KindGemini }
func (g *Gemini) Configured() bool          { return g.apiKey != "" }

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopK             int     `json:"topK,omitempty"`
	TopP             float64 `json:"topP,omitempty"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

// geminiParts maps attachments to parts. Images, PDFs and audio are sent
// inline; anything else falls back to text.
func geminiParts(req domain.InboundRequest) []geminiPart {
	parts := make([]geminiPart, 0, len(req.Attachments)+1)
	if req.Text != "" {
		parts = append(parts, geminiPart{Text: req.Text})
	}
	for _, a := range req.Attachments {
		if isImage(a.MimeType) || isPDF(a.MimeType) || isAudio(a.MimeType) {
			parts = append(parts, geminiPart{InlineData: &geminiInlineData{
				MimeType: mimeBase(a.MimeType),
				Data:     base64Data(a),
			}})
			continue
		}
		parts = append(parts, geminiPart{Text: TextFallback(a)})
	}
	return parts
}

func (g *Gemini) buildRequest(req domain.InboundRequest) geminiRequest {
	return geminiRequest{
		Contents:         []geminiContent{{Role: "user", Parts: geminiParts(req)}},
		GenerationConfig: g.gen,
	}
}

func (g *Gemini) endpoint() string {
	return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		g.apiBase, url.PathEscape(g.model), url.QueryEscape(g.apiKey))
}

func (g *Gemini) Open(ctx context.Context, req domain.InboundRequest) (domain.Stream, error) {
	if !g.Configured() {
		return nil, fmt.Errorf("gemini: %w", ErrMissingCredentials)
	}
	return openStream(ctx, g.client, domain.KindGemini, g.endpoint(), nil, g.buildRequest(req), stream.GeminiText, g.logger)
}
