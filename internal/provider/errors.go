package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sashabaranov/go-openai"

	"airelay/internal/domain"
	"airelay/internal/stream"
)

const (
	maxErrorBody = 64 << 10
	logBodyMax   = 512
)

var (
	// ErrMissingCredentials is returned before any network call when a
	// provider has no API key (or assistant id) configured.
	ErrMissingCredentials = errors.New("provider credentials not configured")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrProviderDisabled   = errors.New("provider disabled")
)

// HTTPError is a non-2xx response from a provider.
type HTTPError struct {
	Provider   domain.ProviderKind
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %d: %s", e.Provider, e.StatusCode, truncate(e.Body, logBodyMax))
}

// RunError reports an assistant run that ended in a non-success status.
type RunError struct {
	RunID   string
	Status  openai.RunStatus
	Message string
}

func (e *RunError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("assistant run %s ended with status %s", e.RunID, e.Status)
	}
	return fmt.Sprintf("assistant run %s ended with status %s: %s", e.RunID, e.Status, e.Message)
}

// Classify maps an adapter error to a short label for logs, metrics and the
// session ledger.
func Classify(err error) string {
	var (
		httpErr *HTTPError
		apiErr  *openai.APIError
		reqErr  *openai.RequestError
		runErr  *RunError
		netErr  net.Error
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCredentials):
		return "missing_credentials"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, stream.ErrProviderEvent):
		return "provider_event"
	case errors.As(err, &httpErr), errors.As(err, &apiErr), errors.As(err, &reqErr):
		return "http_status"
	case errors.As(err, &runErr):
		return "run_failed"
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return "timeout"
		}
		return "transport"
	}
	return "internal"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
