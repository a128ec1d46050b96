package channel

import (
	"encoding/base64"
	"log/slog"
	"strings"

	"airelay/internal/domain"
	"airelay/internal/metrics"
)

// WSAttachment is an attachment as sent by clients. Content is base64,
// optionally as a data URI. Older clients send the mime type as "type".
type WSAttachment struct {
	MimeType string `json:"mimeType,omitempty"`
	Type     string `json:"type,omitempty"`
	Name     string `json:"name,omitempty"`
	Content  string `json:"content"`
}

// DecodeAttachments converts wire attachments to raw bytes. Entries with no
// content or undecodable content are dropped.
func DecodeAttachments(in []WSAttachment, logger *slog.Logger) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in))
	for i, a := range in {
		mime := a.MimeType
		if mime == "" {
			mime = a.Type
		}
		content := a.Content
		if strings.HasPrefix(content, "data:") {
			if j := strings.Index(content, ";base64,"); j >= 0 {
				if mime == "" {
					mime = content[len("data:"):j]
				}
				content = content[j+len(";base64,"):]
			}
		}
		if content == "" {
			metrics.InboundRejections.WithLabelValues("attachment_empty").Inc()
			logger.Warn("dropping attachment without content", "index", i, "name", a.Name)
			continue
		}
		data, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(content)
		}
		if err != nil {
			metrics.InboundRejections.WithLabelValues("attachment_decode").Inc()
			logger.Warn("dropping undecodable attachment", "index", i, "name", a.Name, "err", err)
			continue
		}
		if mime == "" {
			mime = "application/octet-stream"
		}
		out = append(out, domain.Attachment{MimeType: mime, Data: data, Name: a.Name})
	}
	return out
}

// AttachmentPolicy limits what reaches the relay: rejected mime prefixes are
// dropped, then the list is capped at MaxAttachments (0 means no cap).
type AttachmentPolicy struct {
	MaxAttachments     int
	RejectMimePrefixes []string
}

func (p AttachmentPolicy) Filter(in []domain.Attachment, logger *slog.Logger) []domain.Attachment {
	out := make([]domain.Attachment, 0, len(in))
	for _, a := range in {
		if p.rejected(a.MimeType) {
			metrics.InboundRejections.WithLabelValues("attachment_type").Inc()
			logger.Warn("dropping attachment with rejected type", "mime", a.MimeType, "name", a.Name)
			continue
		}
		out = append(out, a)
	}
	if p.MaxAttachments > 0 && len(out) > p.MaxAttachments {
		metrics.InboundRejections.WithLabelValues("attachment_limit").Add(float64(len(out) - p.MaxAttachments))
		logger.Warn("dropping attachments over limit", "limit", p.MaxAttachments, "received", len(out))
		out = out[:p.MaxAttachments]
	}
	return out
}

func (p AttachmentPolicy) rejected(mime string) bool {
	mime = strings.ToLower(mime)
	for _, prefix := range p.RejectMimePrefixes {
		if strings.HasPrefix(mime, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}
