package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"airelay/internal/domain"
	"airelay/internal/metrics"
	"airelay/internal/relay"
)

const writeWait = 10 * time.Second

// Dispatcher runs one relay session. *relay.Relay implements it.
type Dispatcher interface {
	Handle(ctx context.Context, event string, req domain.InboundRequest, out domain.Emitter) (*relay.Session, error)
}

// WSConfig configures the WebSocket channel.
type WSConfig struct {
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	MaxConcurrent   int // in-flight sessions per connection
	Policy          AttachmentPolicy
	Logger          *slog.Logger
}

// WebSocketChannel accepts client connections and relays every inbound event
// as an independent session.
type WebSocketChannel struct {
	cfg    WSConfig
	relay  Dispatcher
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*wsClient
	closing bool
	wg      sync.WaitGroup // in-flight sessions, guarded by mu for Add
}

// wsClient is one connected client. Writes are serialized by mu.
type wsClient struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type inboundPayload struct {
	Text        string         `json:"text"`
	Attachments []WSAttachment `json:"attachments,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // any origin, as browsers connect from the UI host
	},
}

// NewWebSocketChannel creates a new WebSocket channel.
func NewWebSocketChannel(cfg WSConfig, d Dispatcher) *WebSocketChannel {
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 20 << 20
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 60 * time.Second
	}
	if cfg.PongWait <= cfg.PingInterval {
		cfg.PongWait = 2 * cfg.PingInterval
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketChannel{
		cfg:     cfg,
		relay:   d,
		logger:  cfg.Logger,
		clients: make(map[string]*wsClient),
	}
}

// Clients returns the number of open connections.
func (ws *WebSocketChannel) Clients() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.clients)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (ws *WebSocketChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ws.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{id: uuid.NewString(), conn: conn}
	logger := ws.logger.With("client_id", client.id)

	ws.mu.Lock()
	if ws.closing {
		ws.mu.Unlock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	ws.clients[client.id] = client
	ws.mu.Unlock()
	metrics.WSConnections.Inc()
	logger.Info("websocket client connected", "remote", r.RemoteAddr)

	// Sessions live no longer than the connection.
	ctx, cancel := context.WithCancel(r.Context())
	var sessions sync.WaitGroup

	defer func() {
		cancel()
		sessions.Wait()
		ws.mu.Lock()
		delete(ws.clients, client.id)
		ws.mu.Unlock()
		conn.Close()
		metrics.WSConnections.Dec()
		logger.Info("websocket client disconnected")
	}()

	go ws.pingLoop(ctx, client)

	conn.SetReadLimit(ws.cfg.MaxMessageBytes)
	conn.SetReadDeadline(time.Now().Add(ws.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(ws.cfg.PongWait))
	})

	sem := make(chan struct{}, ws.cfg.MaxConcurrent)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", "err", err)
			}
			return
		}

		event, req, ok := ws.decode(message, logger)
		if !ok {
			continue
		}

		// A full connection gets an immediate error end instead of a queued
		// goroutine; the read loop keeps running so pongs are still seen.
		select {
		case sem <- struct{}{}:
		default:
			metrics.InboundRejections.WithLabelValues("busy").Inc()
			logger.Warn("too many in-flight sessions, rejecting event", "event", event, "limit", ws.cfg.MaxConcurrent)
			client.Emit(ctx, domain.OutboundEvent{
				Name: domain.EventResponseEnd,
				Data: domain.EndPayload{Status: domain.StatusError},
			})
			continue
		}
		if !ws.track() {
			<-sem
			return
		}
		sessions.Add(1)
		go func() {
			defer ws.wg.Done()
			defer sessions.Done()
			defer func() { <-sem }()
			if _, err := ws.relay.Handle(ctx, event, req, client); err != nil {
				logger.Warn("relay rejected event", "event", event, "err", err)
			}
		}()
	}
}

// track registers a new session unless CloseAll has started.
func (ws *WebSocketChannel) track() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closing {
		return false
	}
	ws.wg.Add(1)
	return true
}

// decode parses one inbound frame into a request. Malformed frames are
// logged and dropped.
func (ws *WebSocketChannel) decode(message []byte, logger *slog.Logger) (string, domain.InboundRequest, bool) {
	var env Envelope
	if err := json.Unmarshal(message, &env); err != nil {
		metrics.InboundRejections.WithLabelValues("malformed").Inc()
		logger.Warn("invalid websocket message", "err", err)
		return "", domain.InboundRequest{}, false
	}
	if _, ok := domain.KindForEvent(env.Event); !ok {
		metrics.InboundRejections.WithLabelValues("unknown_event").Inc()
		logger.Warn("ignoring unknown event", "event", env.Event)
		return "", domain.InboundRequest{}, false
	}

	var payload inboundPayload
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			metrics.InboundRejections.WithLabelValues("malformed").Inc()
			logger.Warn("invalid message payload", "event", env.Event, "err", err)
			return "", domain.InboundRequest{}, false
		}
	}

	atts := DecodeAttachments(payload.Attachments, logger)
	atts = ws.cfg.Policy.Filter(atts, logger)
	if payload.Text == "" && len(atts) == 0 {
		metrics.InboundRejections.WithLabelValues("empty").Inc()
		logger.Warn("ignoring empty message", "event", env.Event)
		return "", domain.InboundRequest{}, false
	}
	return env.Event, domain.InboundRequest{Text: payload.Text, Attachments: atts}, true
}

func (ws *WebSocketChannel) pingLoop(ctx context.Context, c *wsClient) {
	ticker := time.NewTicker(ws.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Emit writes one outbound event to the client.
func (c *wsClient) Emit(ctx context.Context, ev domain.OutboundEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Event: ev.Name, Data: data})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// CloseAll sends a close frame to every client and waits for their sessions
// to wind down or ctx to expire. Connections and events arriving afterwards
// are refused.
func (ws *WebSocketChannel) CloseAll(ctx context.Context) error {
	ws.mu.Lock()
	ws.closing = true
	for _, c := range ws.clients {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		c.mu.Unlock()
		c.conn.Close()
	}
	ws.mu.Unlock()

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.New("websocket sessions still running at shutdown")
	}
}
