package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/faceattend/internal/protocol"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 8 << 20
	outboundBuffer        = 16
)

var errClientGone = errors.New("websocket client gone")

// StreamConfig wires a StreamHandler.
type StreamConfig struct {
	Protocol *protocol.Handler
	// AllowedOrigins restricts browser origins; empty accepts any origin.
	AllowedOrigins []string
	MaxMessageSize int64
	WriteWait      time.Duration
	PongWait       time.Duration
	Logger         *slog.Logger
}

// StreamHandler upgrades requests to WebSocket and feeds text messages to a
// protocol connection.
type StreamHandler struct {
	protocol       *protocol.Handler
	upgrader       websocket.Upgrader
	maxMessageSize int64
	writeWait      time.Duration
	pongWait       time.Duration
	logger         *slog.Logger
}

// NewStreamHandler applies defaults to cfg.
func NewStreamHandler(cfg StreamConfig) *StreamHandler {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = defaultWriteWait
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = defaultPongWait
	}
	h := &StreamHandler{
		protocol:       cfg.Protocol,
		maxMessageSize: cfg.MaxMessageSize,
		writeWait:      cfg.WriteWait,
		pongWait:       cfg.PongWait,
		logger:         defaultLogger(cfg.Logger),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 << 10,
		WriteBufferSize: 16 << 10,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimSpace(o))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := handlerLogger(r.Context(), h.logger, "StreamHandler", "serve", "remote_addr", r.RemoteAddr)
	if h.protocol == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	// The request context ends when ServeHTTP returns, which is also when
	// the connection is torn down.
	ctx := ContextWithLogger(r.Context(), logger)
	client := newWSClient(ws, h.writeWait, h.pongWait, logger)
	go client.writeLoop()

	conn := h.protocol.Connect(ctx, client)
	logger.InfoContext(ctx, "client connected", "scope", uint64(conn.Scope()))
	defer func() {
		conn.Disconnect()
		client.close(websocket.CloseNormalClosure)
		logger.InfoContext(ctx, "client disconnected")
	}()

	go func() {
		select {
		case <-ctx.Done():
			client.close(websocket.CloseGoingAway)
		case <-client.done:
		}
	}()

	ws.SetReadLimit(h.maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.WarnContext(ctx, "websocket read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if err := conn.Handle(data); errors.Is(err, protocol.ErrDisconnected) {
			return
		}
	}
}

// wsClient owns the single writer of a WebSocket connection.
type wsClient struct {
	ws         *websocket.Conn
	out        chan []byte
	done       chan struct{}
	once       sync.Once
	writeWait  time.Duration
	pingPeriod time.Duration
	logger     *slog.Logger
}

func newWSClient(ws *websocket.Conn, writeWait, pongWait time.Duration, logger *slog.Logger) *wsClient {
	return &wsClient{
		ws:         ws,
		out:        make(chan []byte, outboundBuffer),
		done:       make(chan struct{}),
		writeWait:  writeWait,
		pingPeriod: pongWait * 9 / 10,
		logger:     logger,
	}
}

// Send queues msg as a JSON text frame.
func (c *wsClient) Send(ctx context.Context, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return errClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsClient) writeLoop() {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn("websocket write failed", "error", err)
				c.close(websocket.CloseInternalServerErr)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeWait)); err != nil {
				c.close(websocket.CloseGoingAway)
				return
			}
		}
	}
}

func (c *wsClient) close(code int) {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(c.writeWait))
		_ = c.ws.Close()
	})
}
