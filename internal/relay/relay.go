// Package relay binds inbound chat requests to provider streams and forwards
// normalized deltas to the requesting client.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"airelay/internal/config"
	"airelay/internal/domain"
	"airelay/internal/metrics"
	"airelay/internal/provider"
	"airelay/internal/stream"
)

// ErrUnknownEvent is returned for inbound events that map to no provider.
var ErrUnknownEvent = errors.New("unknown event")

// AdapterSource resolves an inbound event name to a provider adapter.
type AdapterSource interface {
	ForEvent(event string) (domain.Adapter, error)
}

type Config struct {
	LineBreak       string
	EndMessage      string
	FallbackMessage string
	Recorder        domain.Recorder // optional
	Logger          *slog.Logger
}

// Relay runs sessions. It holds no per-session state and is safe for
// concurrent use.
type Relay struct {
	adapters  AdapterSource
	lineBreak string
	endMsg    string
	fallback  string
	recorder  domain.Recorder
	logger    *slog.Logger
}

func New(adapters AdapterSource, cfg Config) *Relay {
	if cfg.LineBreak == "" {
		cfg.LineBreak = stream.LineBreak
	}
	if cfg.EndMessage == "" {
		cfg.EndMessage = config.DefaultEndMessage
	}
	if cfg.FallbackMessage == "" {
		cfg.FallbackMessage = config.DefaultFallbackMessage
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Relay{
		adapters:  adapters,
		lineBreak: cfg.LineBreak,
		endMsg:    cfg.EndMessage,
		fallback:  cfg.FallbackMessage,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
	}
}

// Handle runs one session to a terminal state and returns it. Every session
// that reaches a provider ends with exactly one end event, tagged ok or
// error, unless the client stopped accepting events. Cancel ctx to abort the
// provider call when the client goes away.
func (r *Relay) Handle(ctx context.Context, event string, req domain.InboundRequest, out domain.Emitter) (*Session, error) {
	kind, ok := domain.KindForEvent(event)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	sess := &Session{
		ID:       uuid.NewString(),
		Event:    event,
		Kind:     kind,
		started:  time.Now(),
		attached: len(req.Attachments),
	}
	logger := r.logger.With("session_id", sess.ID, "provider", string(kind))

	metrics.InflightSessions.WithLabelValues(string(kind)).Inc()
	defer metrics.InflightSessions.WithLabelValues(string(kind)).Dec()

	r.run(ctx, sess, req, out, logger)

	sess.duration = time.Since(sess.started)
	rec := sess.Record()
	metrics.SessionsTotal.WithLabelValues(string(kind), rec.Status).Inc()
	metrics.SessionDuration.WithLabelValues(string(kind)).Observe(sess.duration.Seconds())
	if r.recorder != nil {
		if err := r.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
			logger.Warn("session ledger write failed", "err", err)
		}
	}
	logger.Info("session finished",
		"status", rec.Status,
		"deltas", sess.deltas,
		"duration_ms", sess.duration.Milliseconds(),
	)
	return sess, nil
}

func (r *Relay) run(ctx context.Context, sess *Session, req domain.InboundRequest, out domain.Emitter, logger *slog.Logger) {
	adapter, err := r.adapters.ForEvent(sess.Event)
	sess.transition(StateDispatched)
	if err != nil {
		r.fail(ctx, sess, out, err, logger)
		return
	}
	if !adapter.Configured() {
		r.fail(ctx, sess, out, fmt.Errorf("%s: %w", sess.Kind, provider.ErrMissingCredentials), logger)
		return
	}

	s, err := adapter.Open(ctx, req)
	if err != nil {
		r.fail(ctx, sess, out, err, logger)
		return
	}
	defer s.Close()
	sess.transition(StateStreaming)

	for {
		d, err := s.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.fail(ctx, sess, out, err, logger)
			return
		}
		text := stream.FormatText(d.Text, r.lineBreak)
		if err := out.Emit(ctx, domain.OutboundEvent{Name: sess.Event, Data: domain.DeltaPayload{Text: text}}); err != nil {
			r.abandon(sess, err, logger)
			return
		}
		if sess.deltas == 0 {
			sess.firstDelta = time.Since(sess.started)
			metrics.TimeToFirstDelta.WithLabelValues(string(sess.Kind)).Observe(sess.firstDelta.Seconds())
		}
		sess.deltas++
		sess.outBytes += len(d.Text)
		metrics.DeltasTotal.WithLabelValues(string(sess.Kind)).Inc()
	}

	sess.transition(StateCompleted)
	r.end(ctx, sess, out, domain.StatusOK, logger)
}

// fail absorbs err into the single fallback message followed by the end
// event. Nothing is emitted when the client is already gone.
func (r *Relay) fail(ctx context.Context, sess *Session, out domain.Emitter, err error, logger *slog.Logger) {
	sess.transition(StateFailed)
	sess.err = err
	sess.errClass = provider.Classify(err)

	if ctx.Err() != nil {
		sess.canceled = true
		logger.Info("session canceled", "err", err)
		return
	}
	logger.Error("session failed", "class", sess.errClass, "deltas", sess.deltas, "err", err)

	fallback := domain.OutboundEvent{Name: sess.Event, Data: domain.DeltaPayload{Text: r.fallback}}
	if err := out.Emit(ctx, fallback); err != nil {
		logger.Warn("fallback message not delivered", "err", err)
		return
	}
	r.end(ctx, sess, out, domain.StatusError, logger)
}

// abandon stops a session whose client can no longer receive events.
func (r *Relay) abandon(sess *Session, err error, logger *slog.Logger) {
	sess.transition(StateFailed)
	sess.err = err
	sess.errClass = "client_gone"
	sess.canceled = true
	logger.Info("client stopped receiving, closing provider stream", "err", err)
}

func (r *Relay) end(ctx context.Context, sess *Session, out domain.Emitter, status string, logger *slog.Logger) {
	if sess.endSent {
		return
	}
	sess.endSent = true
	ev := domain.OutboundEvent{Name: domain.EventResponseEnd, Data: domain.EndPayload{Text: r.endMsg, Status: status}}
	if err := out.Emit(ctx, ev); err != nil {
		logger.Warn("end event not delivered", "err", err)
	}
}
