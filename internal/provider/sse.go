package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"airelay/internal/domain"
	"airelay/internal/stream"
)

// openStream posts body as JSON and, once the provider accepts the request,
// returns a lazy stream over the event-stream response. The response body is
// closed when the returned stream is closed or ctx is canceled.
func openStream(
	ctx context.Context,
	client *http.Client,
	kind domain.ProviderKind,
	endpoint string,
	header http.Header,
	body any,
	extract stream.Extractor,
	logger *slog.Logger,
) (domain.Stream, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", redactURL(err))
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", kind, redactURL(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		logger.Error("provider rejected request",
			"provider", kind,
			"status", resp.StatusCode,
			"body", truncate(string(respBody), logBodyMax),
		)
		return nil, &HTTPError{Provider: kind, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	logger.Debug("provider stream opened", "provider", kind, "status", resp.StatusCode)
	return stream.NewReader(resp.Body, stream.NewDecoder(string(kind), extract, logger)), nil
}

// redactURL strips the query string from URLs embedded in transport errors,
// since some providers take the API key as a query parameter.
func redactURL(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		if i := strings.IndexByte(uerr.URL, '?'); i >= 0 {
			uerr.URL = uerr.URL[:i]
		}
	}
	return err
}
