package stream

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"airelay/internal/domain"
)

const readBufferSize = 4096

// Reader adapts an HTTP response body to domain.Stream. The body is only read
// while Next is called.
type Reader struct {
	body io.ReadCloser
	dec  *Decoder
	buf  []byte

	queue    []string
	err      error
	finished bool

	closeOnce sync.Once
	closeErr  error
}

var _ domain.Stream = (*Reader)(nil)

func NewReader(body io.ReadCloser, dec *Decoder) *Reader {
	return &Reader{body: body, dec: dec, buf: make([]byte, readBufferSize)}
}

// Next returns the next delta, io.EOF at the end of the stream, or the error
// that ended it. Deltas decoded before an error are always returned first.
func (r *Reader) Next() (domain.Delta, error) {
	for {
		if len(r.queue) > 0 {
			text := r.queue[0]
			r.queue = r.queue[1:]
			return domain.Delta{Text: text}, nil
		}
		if r.err != nil {
			return domain.Delta{}, r.err
		}
		if r.finished || r.dec.Done() {
			r.finished = true
			return domain.Delta{}, io.EOF
		}
		r.fill()
	}
}

func (r *Reader) fill() {
	n, err := r.body.Read(r.buf)
	if n > 0 {
		out, derr := r.dec.Feed(r.buf[:n])
		r.queue = append(r.queue, out...)
		if derr != nil {
			r.err = derr
			return
		}
	}
	switch {
	case errors.Is(err, io.EOF):
		out, derr := r.dec.Flush()
		r.queue = append(r.queue, out...)
		r.err = derr
		r.finished = true
	case err != nil:
		r.err = fmt.Errorf("read stream: %w", err)
	}
}

// Close releases the response body. It is safe to call more than once.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.body.Close()
	})
	return r.closeErr
}
