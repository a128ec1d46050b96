package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"airelay/internal/config"
	"airelay/internal/domain"
	"airelay/internal/metrics"
	"airelay/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingEmitter captures events; failAt > 0 makes the failAt-th Emit fail.
type recordingEmitter struct {
	mu     sync.Mutex
	events []domain.OutboundEvent
	failAt int
	calls  int
}

func (e *recordingEmitter) Emit(_ context.Context, ev domain.OutboundEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.failAt > 0 && e.calls >= e.failAt {
		return errors.New("connection closed")
	}
	e.events = append(e.events, ev)
	return nil
}

func (e *recordingEmitter) texts() []string {
	var out []string
	for _, ev := range e.events {
		switch d := ev.Data.(type) {
		case domain.DeltaPayload:
			out = append(out, ev.Name+":"+d.Text)
		case domain.EndPayload:
			out = append(out, ev.Name+":"+d.Status)
		}
	}
	return out
}

func (e *recordingEmitter) endCount() int {
	n := 0
	for _, ev := range e.events {
		if ev.Name == domain.EventResponseEnd {
			n++
		}
	}
	return n
}

type recorderFunc func(domain.SessionRecord)

func (f recorderFunc) Record(_ context.Context, rec domain.SessionRecord) error {
	f(rec)
	return nil
}

// fakeStream replays deltas and then returns err (io.EOF when nil).
type fakeStream struct {
	deltas []string
	err    error
	closed int
}

func (s *fakeStream) Next() (domain.Delta, error) {
	if len(s.deltas) == 0 {
		if s.err != nil {
			return domain.Delta{}, s.err
		}
		return domain.Delta{}, io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return domain.Delta{Text: d}, nil
}

func (s *fakeStream) Close() error { s.closed++; return nil }

type fakeAdapter struct {
	kind       domain.ProviderKind
	configured bool
	stream     *fakeStream
	openErr    error
	opened     int
}

func (a *fakeAdapter) Kind() domain.ProviderKind { return a.kind }
func (a *fakeAdapter) Configured() bool          { return a.configured }
func (a *fakeAdapter) Open(ctx context.Context, _ domain.InboundRequest) (domain.Stream, error) {
	a.opened++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if a.openErr != nil {
		return nil, a.openErr
	}
	return a.stream, nil
}

type adapterMap map[string]domain.Adapter

func (m adapterMap) ForEvent(event string) (domain.Adapter, error) {
	a, ok := m[event]
	if !ok {
		return nil, provider.ErrUnknownProvider
	}
	return a, nil
}

func newTestRelay(src AdapterSource, rec domain.Recorder) *Relay {
	return New(src, Config{Recorder: rec, Logger: testLogger()})
}

// factoryFor points every provider at srv with a test key.
func factoryFor(srv *httptest.Server) *provider.Factory {
	cfg := config.Defaults()
	for name, pc := range cfg.Providers {
		pc.APIBase = srv.URL
		pc.APIKey = "test-key"
		cfg.Providers[name] = pc
	}
	return provider.NewFactoryWithClient(cfg, srv.Client(), testLogger())
}

func sse(frames ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f+"\n\n")
			w.(http.Flusher).Flush()
		}
	}
}

// --- End-to-end through real adapters ---

func TestHandle_GeminiTwoFrames(t *testing.T) {
	srv := httptest.NewServer(sse(
		`data: {"candidates":[{"content":{"parts":[{"text":"Hi"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":" there"}]}}]}`,
	))
	defer srv.Close()

	out := &recordingEmitter{}
	sess, err := newTestRelay(factoryFor(srv), nil).Handle(context.Background(), "gemini-message",
		domain.InboundRequest{Text: "Hello"}, out)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	want := []string{"gemini-message:Hi", "gemini-message: there", "ai-response-end:ok"}
	if got := out.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %q, want %q", got, want)
	}
	end := out.events[2].Data.(domain.EndPayload)
	if end.Text != "Stream finished." {
		t.Errorf("end text = %q", end.Text)
	}
	if sess.State() != StateCompleted || sess.Deltas() != 2 {
		t.Fatalf("state = %s, deltas = %d", sess.State(), sess.Deltas())
	}
}

func TestHandle_ClaudeLineBreaks(t *testing.T) {
	srv := httptest.NewServer(sse(
		`data: {"type":"message_start","message":{}}`,
		`data: {"type":"content_block_delta","delta":{"text":"Line1\nLine2"}}`,
		`data: {"type":"message_stop"}`,
	))
	defer srv.Close()

	out := &recordingEmitter{}
	newTestRelay(factoryFor(srv), nil).Handle(context.Background(), "claude-message",
		domain.InboundRequest{Text: "hi"}, out)

	want := []string{"claude-message:Line1<br />Line2", "ai-response-end:ok"}
	if got := out.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %q, want %q", got, want)
	}
}

func TestHandle_HTTP500EmitsFallbackOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	failed := metrics.SessionsTotal.WithLabelValues("openai", "failed")
	before := testutil.ToFloat64(failed)

	var rec domain.SessionRecord
	out := &recordingEmitter{}
	sess, _ := newTestRelay(factoryFor(srv), recorderFunc(func(r domain.SessionRecord) { rec = r })).
		Handle(context.Background(), "openai-message", domain.InboundRequest{Text: "hi"}, out)

	if n := testutil.ToFloat64(failed) - before; n != 1 {
		t.Errorf("failed sessions metric = %v, want 1", n)
	}

	want := []string{"openai-message:" + config.DefaultFallbackMessage, "ai-response-end:error"}
	if got := out.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if sess.State() != StateFailed {
		t.Fatalf("state = %s", sess.State())
	}
	if rec.Status != "failed" || rec.ErrorClass != "http_status" || rec.Deltas != 0 {
		t.Fatalf("record = %+v", rec)
	}
	for _, ev := range out.events {
		if d, ok := ev.Data.(domain.DeltaPayload); ok && strings.Contains(d.Text, "boom") {
			t.Fatal("provider error detail leaked to client")
		}
	}
}

// --- Policy with fake adapters ---

func TestHandle_MissingCredentialsSkipsOpen(t *testing.T) {
	a := &fakeAdapter{kind: domain.KindPerplexity}
	out := &recordingEmitter{}
	sess, _ := newTestRelay(adapterMap{"perplexity-message": a}, nil).
		Handle(context.Background(), "perplexity-message", domain.InboundRequest{Text: "hi"}, out)

	if a.opened != 0 {
		t.Fatal("adapter should not be opened without credentials")
	}
	if !errors.Is(sess.Err(), provider.ErrMissingCredentials) {
		t.Fatalf("err = %v", sess.Err())
	}
	if got := out.texts(); len(got) != 2 || got[1] != "ai-response-end:error" {
		t.Fatalf("events = %q", got)
	}
}

func TestHandle_MidStreamErrorKeepsPartialOutput(t *testing.T) {
	st := &fakeStream{deltas: []string{"partial"}, err: errors.New("connection reset")}
	a := &fakeAdapter{kind: domain.KindOpenAI, configured: true, stream: st}
	out := &recordingEmitter{}
	sess, _ := newTestRelay(adapterMap{"openai-message": a}, nil).
		Handle(context.Background(), "openai-message", domain.InboundRequest{Text: "hi"}, out)

	want := []string{"openai-message:partial", "openai-message:" + config.DefaultFallbackMessage, "ai-response-end:error"}
	if got := out.texts(); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("events = %q, want %q", got, want)
	}
	if st.closed != 1 {
		t.Fatalf("stream closed %d times", st.closed)
	}
	if sess.State() != StateFailed {
		t.Fatalf("state = %s", sess.State())
	}
}

func TestHandle_ClientGoneStopsStream(t *testing.T) {
	st := &fakeStream{deltas: []string{"a", "b", "c"}}
	a := &fakeAdapter{kind: domain.KindClaude, configured: true, stream: st}
	out := &recordingEmitter{failAt: 2}

	var rec domain.SessionRecord
	newTestRelay(adapterMap{"claude-message": a}, recorderFunc(func(r domain.SessionRecord) { rec = r })).
		Handle(context.Background(), "claude-message", domain.InboundRequest{Text: "hi"}, out)

	if out.calls != 2 {
		t.Fatalf("expected emission to stop after failure, got %d calls", out.calls)
	}
	if len(st.deltas) != 1 {
		t.Fatalf("stream should not be drained after client left, %d left", len(st.deltas))
	}
	if st.closed != 1 {
		t.Fatal("stream not closed")
	}
	if rec.Status != "canceled" || rec.ErrorClass != "client_gone" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestHandle_CanceledContextEmitsNothing(t *testing.T) {
	a := &fakeAdapter{kind: domain.KindGemini, configured: true, stream: &fakeStream{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := &recordingEmitter{}
	sess, _ := newTestRelay(adapterMap{"gemini-message": a}, nil).
		Handle(ctx, "gemini-message", domain.InboundRequest{Text: "hi"}, out)

	if len(out.events) != 0 {
		t.Fatalf("expected no events, got %q", out.texts())
	}
	if sess.Record().Status != "canceled" {
		t.Fatalf("status = %s", sess.Record().Status)
	}
}

func TestHandle_UnknownEvent(t *testing.T) {
	out := &recordingEmitter{}
	_, err := newTestRelay(adapterMap{}, nil).Handle(context.Background(), "llama-message", domain.InboundRequest{}, out)
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if len(out.events) != 0 {
		t.Fatal("unknown events must not emit")
	}
}

func TestHandle_ExactlyOneEnd(t *testing.T) {
	tests := []struct {
		name    string
		adapter *fakeAdapter
		status  string
	}{
		{"empty stream", &fakeAdapter{configured: true, stream: &fakeStream{}}, domain.StatusOK},
		{"deltas", &fakeAdapter{configured: true, stream: &fakeStream{deltas: []string{"x", "y"}}}, domain.StatusOK},
		{"open error", &fakeAdapter{configured: true, openErr: errors.New("dns")}, domain.StatusError},
		{"stream error", &fakeAdapter{configured: true, stream: &fakeStream{err: errors.New("eof")}}, domain.StatusError},
		{"no credentials", &fakeAdapter{}, domain.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.adapter.kind = domain.KindGemini
			out := &recordingEmitter{}
			newTestRelay(adapterMap{"gemini-message": tt.adapter}, nil).
				Handle(context.Background(), "gemini-message", domain.InboundRequest{Text: "hi"}, out)

			if out.endCount() != 1 {
				t.Fatalf("expected exactly one end event, got %d", out.endCount())
			}
			last := out.events[len(out.events)-1]
			if last.Name != domain.EventResponseEnd || last.Data.(domain.EndPayload).Status != tt.status {
				t.Fatalf("last event = %+v", last)
			}
		})
	}
}

func TestHandle_CustomLineBreak(t *testing.T) {
	a := &fakeAdapter{kind: domain.KindGemini, configured: true, stream: &fakeStream{deltas: []string{"a\nb"}}}
	out := &recordingEmitter{}
	New(adapterMap{"gemini-message": a}, Config{LineBreak: "\n", Logger: testLogger()}).
		Handle(context.Background(), "gemini-message", domain.InboundRequest{Text: "hi"}, out)

	if got := out.texts(); got[0] != "gemini-message:a\nb" {
		t.Fatalf("got %q", got[0])
	}
}

func TestSession_InvalidTransitionPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	s := &Session{}
	s.transition(StateDispatched)
	s.transition(StateCompleted)
	s.transition(StateStreaming)
}
