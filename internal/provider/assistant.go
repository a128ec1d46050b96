package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"airelay/internal/domain"
)

const (
	assistantDefaultPollInterval = 1500 * time.Millisecond
	assistantDefaultPollTimeout  = 2 * time.Minute
	assistantDefaultFileName     = "uploaded_file"
)

// Assistant runs the OpenAI Assistants thread/run workflow. It is not
// streamed: the final reply is split on blank lines and replayed as a stream.
type Assistant struct {
	client       *openai.Client
	apiKey       string
	assistantID  string
	pollInterval time.Duration
	pollTimeout  time.Duration
	logger       *slog.Logger
}

type AssistantConfig struct {
	APIKey       string
	APIBase      string
	AssistantID  string
	PollInterval time.Duration
	PollTimeout  time.Duration
	Logger       *slog.Logger
}

func NewAssistant(cfg AssistantConfig) *Assistant {
	return NewAssistantWithClient(cfg, SharedHTTPClient(defaultHeaderTimeout))
}

func NewAssistantWithClient(cfg AssistantConfig, client *http.Client) *Assistant {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = assistantDefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = assistantDefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.APIBase != "" {
		oc.BaseURL = strings.TrimRight(cfg.APIBase, "/")
	}
	if client != nil {
		oc.HTTPClient = client
	}
	return &Assistant{
		client:       openai.NewClientWithConfig(oc),
		apiKey:       cfg.APIKey,
		assistantID:  cfg.AssistantID,
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
		logger:       cfg.Logger,
	}
}

func (a *Assistant) Kind() domain.ProviderKind { return domain.KindAssistant }
func (a *Assistant) Configured() bool          { return a.apiKey != "" && a.assistantID != "" }

func (a *Assistant) Open(ctx context.Context, req domain.InboundRequest) (domain.Stream, error) {
	if !a.Configured() {
		return nil, fmt.Errorf("assistant: %w", ErrMissingCredentials)
	}
	reply, err := a.run(ctx, req)
	if err != nil {
		return nil, err
	}
	return &chunkStream{chunks: SplitParagraphs(reply)}, nil
}

func (a *Assistant) run(ctx context.Context, req domain.InboundRequest) (string, error) {
	thread, err := a.client.CreateThread(ctx, openai.ThreadRequest{})
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	logger := a.logger.With("thread_id", thread.ID)

	attachments, err := a.upload(ctx, req.Attachments)
	if err != nil {
		return "", err
	}

	msg := openai.MessageRequest{
		Role:        "user",
		Content:     req.Text,
		Attachments: attachments,
	}
	if _, err := a.client.CreateMessage(ctx, thread.ID, msg); err != nil {
		return "", fmt.Errorf("add user message: %w", err)
	}

	run, err := a.client.CreateRun(ctx, thread.ID, openai.RunRequest{AssistantID: a.assistantID})
	if err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	logger.Debug("assistant run started", "run_id", run.ID, "files", len(attachments))

	if err := a.waitForRun(ctx, thread.ID, run.ID); err != nil {
		return "", err
	}
	return a.latestReply(ctx, thread.ID)
}

// upload sends each attachment to the files endpoint and returns the
// references to attach to the user message.
func (a *Assistant) upload(ctx context.Context, atts []domain.Attachment) ([]openai.ThreadAttachment, error) {
	out := make([]openai.ThreadAttachment, 0, len(atts))
	for _, att := range atts {
		name := att.Name
		if name == "" {
			name = assistantDefaultFileName
		}
		purpose := openai.PurposeAssistants
		if isImage(att.MimeType) {
			purpose = openai.PurposeType("vision")
		}
		file, err := a.client.CreateFileBytes(ctx, openai.FileBytesRequest{
			Name:    name,
			Bytes:   att.Data,
			Purpose: purpose,
		})
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", name, err)
		}
		a.logger.Debug("assistant file uploaded", "file_id", file.ID, "mime", att.MimeType)
		out = append(out, openai.ThreadAttachment{FileID: file.ID, Tools: toolsForMime(att.MimeType)})
	}
	return out, nil
}

var (
	documentMimes = map[string]bool{
		"application/pdf":    true,
		"text/plain":         true,
		"application/msword": true,
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	}
	tabularMimes = map[string]bool{
		"text/csv":                 true,
		"application/vnd.ms-excel": true,
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
	}
)

// toolsForMime picks the assistant tools a file is attached with. Documents
// prefer file search, spreadsheets prefer the code interpreter.
func toolsForMime(mime string) []openai.ThreadAttachmentTool {
	m := mimeBase(mime)
	switch {
	case documentMimes[m]:
		return []openai.ThreadAttachmentTool{{Type: "file_search"}, {Type: "code_interpreter"}}
	case tabularMimes[m]:
		return []openai.ThreadAttachmentTool{{Type: "code_interpreter"}, {Type: "file_search"}}
	}
	return []openai.ThreadAttachmentTool{{Type: "code_interpreter"}}
}

// waitForRun polls the run at a fixed interval until it leaves the queued
// and in_progress states, bounded by the poll timeout.
func (a *Assistant) waitForRun(ctx context.Context, threadID, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for run %s: %w", runID, ctx.Err())
		case <-ticker.C:
		}

		run, err := a.client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			return fmt.Errorf("fetch run status: %w", err)
		}
		switch run.Status {
		case openai.RunStatusQueued, openai.RunStatusInProgress:
			continue
		case openai.RunStatusCompleted, "incomplete":
			return nil
		default:
			rerr := &RunError{RunID: runID, Status: run.Status}
			if run.LastError != nil {
				rerr.Message = run.LastError.Message
			}
			return rerr
		}
	}
}

// latestReply returns the text of the newest assistant message, or "" when
// the run produced none.
func (a *Assistant) latestReply(ctx context.Context, threadID string) (string, error) {
	limit := 20
	order := "desc"
	list, err := a.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, nil)
	if err != nil {
		return "", fmt.Errorf("fetch messages: %w", err)
	}
	for _, m := range list.Messages {
		if m.Role != "assistant" {
			continue
		}
		var sb strings.Builder
		for _, c := range m.Content {
			if c.Text != nil {
				sb.WriteString(c.Text.Value)
			}
		}
		return sb.String(), nil
	}
	return "", nil
}

// SplitParagraphs splits a full reply on blank lines and drops blank chunks.
func SplitParagraphs(text string) []string {
	var out []string
	for _, chunk := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

// chunkStream replays precomputed chunks as a domain.Stream.
type chunkStream struct {
	chunks []string
}

func (s *chunkStream) Next() (domain.Delta, error) {
	if len(s.chunks) == 0 {
		return domain.Delta{}, io.EOF
	}
	text := s.chunks[0]
	s.chunks = s.chunks[1:]
	return domain.Delta{Text: text}, nil
}

func (s *chunkStream) Close() error {
	s.chunks = nil
	return nil
}
