// Package stream decodes provider server-sent-event bodies into text deltas.
package stream

import (
	"bytes"
	"errors"
	"log/slog"

	"airelay/internal/metrics"
)

const (
	dataPrefix    = "data:"
	doneSentinel  = "[DONE]"
	logPayloadMax = 200
)

// ErrProviderEvent is returned when the provider reports an error inside an
// otherwise healthy stream. It terminates the stream.
var ErrProviderEvent = errors.New("provider error event")

// Extractor pulls the text delta out of one decoded data payload. ok is false
// for frames that carry no text. A returned error wrapping ErrProviderEvent
// ends the stream; any other error marks the frame as malformed.
type Extractor func(payload []byte) (text string, ok bool, err error)

// Decoder incrementally splits raw bytes into lines and extracts deltas.
// It holds at most one incomplete trailing line between calls to Feed.
type Decoder struct {
	provider string
	extract  Extractor
	logger   *slog.Logger

	buf  []byte
	done bool
}

func NewDecoder(provider string, extract Extractor, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{provider: provider, extract: extract, logger: logger}
}

// Done reports whether the done-sentinel (or a provider error) has been seen.
func (d *Decoder) Done() bool { return d.done }

// Pending returns the bytes of the incomplete trailing line.
func (d *Decoder) Pending() []byte { return d.buf }

// Feed appends chunk and processes every complete line in arrival order.
// Deltas found before a provider error are returned alongside the error.
func (d *Decoder) Feed(chunk []byte) ([]string, error) {
	if d.done {
		return nil, nil
	}
	d.buf = append(d.buf, chunk...)

	var out []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		d.buf = d.buf[i+1:]

		text, ok, err := d.line(line)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, text)
		}
		if d.done {
			break
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out, nil
}

// Flush processes the residual buffered line once the body has ended. The
// last frame of a stream may arrive without a trailing newline.
func (d *Decoder) Flush() ([]string, error) {
	if d.done || len(d.buf) == 0 {
		d.buf = nil
		return nil, nil
	}
	line := d.buf
	d.buf = nil
	text, ok, err := d.line(line)
	if err != nil || !ok {
		return nil, err
	}
	return []string{text}, nil
}

func (d *Decoder) line(raw []byte) (string, bool, error) {
	line := bytes.TrimSpace(raw)
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return "", false, nil
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])
	if len(payload) == 0 {
		return "", false, nil
	}
	if string(payload) == doneSentinel {
		d.done = true
		return "", false, nil
	}

	text, ok, err := d.extract(payload)
	if err != nil {
		if errors.Is(err, ErrProviderEvent) {
			d.done = true
			return "", false, err
		}
		metrics.ParseFailures.WithLabelValues(d.provider).Inc()
		d.logger.Warn("skipping malformed stream event",
			"provider", d.provider,
			"payload", truncate(string(payload), logPayloadMax),
			"err", err,
		)
		return "", false, nil
	}
	if !ok || text == "" {
		return "", false, nil
	}
	return text, true, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
