package provider

import (
	"encoding/base64"
	"fmt"
	"strings"

	"airelay/internal/domain"
)

// textFallbackFormat is used for attachments a provider cannot take natively.
// Binary content is lossy under this conversion.
const textFallbackFormat = "File content (%s):\n%s"

// TextFallback renders an attachment as text prefixed with its mime type.
// Invalid UTF-8 sequences become U+FFFD.
func TextFallback(a domain.Attachment) string {
	return fmt.Sprintf(textFallbackFormat, a.MimeType, strings.ToValidUTF8(string(a.Data), "\uFFFD"))
}

func mimeBase(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return mime
}

func isImage(mime string) bool { return strings.HasPrefix(mimeBase(mime), "image/") }
func isAudio(mime string) bool { return strings.HasPrefix(mimeBase(mime), "audio/") }
func isPDF(mime string) bool   { return mimeBase(mime) == "application/pdf" }

func base64Data(a domain.Attachment) string {
	return base64.StdEncoding.EncodeToString(a.Data)
}

func dataURI(a domain.Attachment) string {
	return "data:" + mimeBase(a.MimeType) + ";base64," + base64Data(a)
}
