package protocol

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/faceattend/internal/events"
	"github.com/example/faceattend/internal/logging"
	"github.com/example/faceattend/internal/recognition"
	"github.com/example/faceattend/internal/session"
	"github.com/example/faceattend/internal/telemetry"
	"github.com/example/faceattend/internal/workerpool"
)

// DefaultQueueDepth bounds the frames waiting on one connection.
const DefaultQueueDepth = 4

// ErrDisconnected is returned by Handle once the connection has ended.
var ErrDisconnected = errors.New("protocol: connection disconnected")

// Sender delivers one outbound message to the client. It must be safe for
// concurrent use.
type Sender interface {
	Send(ctx context.Context, msg any) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg any) error

func (f SenderFunc) Send(ctx context.Context, msg any) error {
	return f(ctx, msg)
}

// Sessions is the session registry as seen by a connection.
type Sessions interface {
	NewScope() session.Scope
	OpenOrCreate(ctx context.Context, scope session.Scope, meetingID int64) (*session.Session, bool, error)
	Lookup(scope session.Scope, sessionID string) (*session.Session, bool)
	Close(scope session.Scope, sessionID string) bool
	Release(scope session.Scope) int
}

// Processor runs recognition on one frame.
type Processor interface {
	Process(ctx context.Context, attendees recognition.AttendeeSet, dataURL string) ([]recognition.Result, error)
}

// Executor runs jobs on bounded workers.
type Executor interface {
	Do(ctx context.Context, fn workerpool.Func) error
}

// Config wires a Handler.
type Config struct {
	Sessions   Sessions
	Pipeline   Processor
	Pool       Executor
	Metrics    *telemetry.Metrics
	QueueDepth int
	Now        func() time.Time
	Logger     *slog.Logger

	// Events is called from the frame loop and must not block on a broker;
	// wrap broker publishers in events.Async.
	Events events.Publisher
}

// Handler creates connections sharing one registry, pipeline and pool.
type Handler struct {
	sessions   Sessions
	pipeline   Processor
	pool       Executor
	events     events.Publisher
	metrics    *telemetry.Metrics
	queueDepth int
	now        func() time.Time
	logger     *slog.Logger
}

// NewHandler validates cfg.
func NewHandler(cfg Config) (*Handler, error) {
	switch {
	case cfg.Sessions == nil:
		return nil, errors.New("protocol: session registry is required")
	case cfg.Pipeline == nil:
		return nil, errors.New("protocol: pipeline is required")
	case cfg.Pool == nil:
		return nil, errors.New("protocol: worker pool is required")
	}
	if cfg.Events == nil {
		cfg.Events = events.Noop{}
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{
		sessions:   cfg.Sessions,
		pipeline:   cfg.Pipeline,
		pool:       cfg.Pool,
		events:     cfg.Events,
		metrics:    cfg.Metrics,
		queueDepth: cfg.QueueDepth,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}, nil
}

// State is the lifecycle state of a connection.
type State int

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Conn is the protocol state of one client connection. Handle must be
// called from a single reader goroutine.
type Conn struct {
	h      *Handler
	scope  session.Scope
	send   Sender
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	frames chan Processing
	done   chan struct{}

	mu    sync.Mutex
	state State

	// replyMu orders CLOSED against a PROCESSED for the same session.
	replyMu sync.Mutex
}

// Connect registers a new connection scope and starts its frame loop. The
// returned Conn lives until Disconnect or until ctx ends.
func (h *Handler) Connect(ctx context.Context, send Sender) *Conn {
	scope := h.sessions.NewScope()
	logger := logging.Component(ctx, h.logger, "protocol", "", "scope", uint64(scope))
	ctx, cancel := context.WithCancel(logging.ContextWithLogger(ctx, logger))
	c := &Conn{
		h:      h,
		scope:  scope,
		send:   send,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		frames: make(chan Processing, h.queueDepth),
		done:   make(chan struct{}),
		state:  StateConnected,
	}
	go c.frameLoop()
	logger.DebugContext(ctx, "connection opened")
	return c
}

// Scope returns the registry scope owned by the connection.
func (c *Conn) Scope() session.Scope {
	return c.scope
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Handle dispatches one inbound message. Malformed messages return an
// ErrProtocol error and are otherwise ignored.
func (c *Conn) Handle(data []byte) error {
	if c.State() == StateDisconnected {
		return ErrDisconnected
	}
	msg, err := ParseInbound(data)
	if err != nil {
		c.logger.WarnContext(c.ctx, "discarding malformed message", "error", err, "bytes", len(data))
		return err
	}
	switch m := msg.(type) {
	case Open:
		c.open(m)
	case Processing:
		c.enqueue(m)
	case Close:
		c.close(m)
	}
	return nil
}

func (c *Conn) open(m Open) {
	logger := c.logger.With("operation", "open", "meeting_id", m.MeetingID)
	s, isNew, err := c.h.sessions.OpenOrCreate(c.ctx, c.scope, m.MeetingID)
	if err != nil {
		logger.ErrorContext(c.ctx, "failed to open meeting session", "error", err)
		return
	}
	if isNew {
		c.h.metrics.SessionsChanged(c.ctx, 1)
	}
	logger.InfoContext(c.ctx, "session opened", "session_id", s.ID, "new", isNew)
	c.reply(NewOpened(s.ID, m.MeetingID))
}

func (c *Conn) enqueue(m Processing) {
	if _, ok := c.h.sessions.Lookup(c.scope, m.SessionID); !ok {
		c.logger.WarnContext(c.ctx, "frame for unknown session dropped", "operation", "processing", "session_id", m.SessionID)
		c.h.metrics.FrameDropped(c.ctx, telemetry.DropUnknown)
		return
	}
	select {
	case c.frames <- m:
	default:
		c.logger.WarnContext(c.ctx, "frame queue full, frame dropped", "operation", "processing", "session_id", m.SessionID)
		c.h.metrics.FrameDropped(c.ctx, telemetry.DropQueueFull)
	}
}

func (c *Conn) close(m Close) {
	c.replyMu.Lock()
	defer c.replyMu.Unlock()
	if c.h.sessions.Close(c.scope, m.SessionID) {
		c.h.metrics.SessionsChanged(c.ctx, -1)
		c.logger.InfoContext(c.ctx, "session closed", "operation", "close", "session_id", m.SessionID)
	} else {
		c.logger.DebugContext(c.ctx, "close for unknown session", "operation", "close", "session_id", m.SessionID)
	}
	c.reply(NewClosed(m.SessionID))
}

func (c *Conn) frameLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case m := <-c.frames:
			c.process(m)
		}
	}
}

func (c *Conn) process(m Processing) {
	logger := c.logger.With("operation", "processing", "session_id", m.SessionID)
	s, ok := c.h.sessions.Lookup(c.scope, m.SessionID)
	if !ok {
		logger.DebugContext(c.ctx, "session closed before frame ran")
		c.h.metrics.FrameDropped(c.ctx, telemetry.DropClosed)
		return
	}

	ctx, span := c.h.metrics.StartFrame(c.ctx, s.ID)
	defer span.End()

	start := c.h.now()
	var results []recognition.Result
	err := c.h.pool.Do(ctx, func(ctx context.Context) error {
		var err error
		results, err = c.h.pipeline.Process(ctx, s, m.DataURL)
		return err
	})
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		logger.WarnContext(ctx, "frame processing failed", "error", err)
		c.h.metrics.FrameDropped(ctx, telemetry.DropPipelineError)
		return
	}

	// CLOSE may have landed while the pipeline ran.
	c.replyMu.Lock()
	if current, ok := c.h.sessions.Lookup(c.scope, m.SessionID); !ok || current != s {
		c.replyMu.Unlock()
		logger.DebugContext(ctx, "session closed while frame was processed, reply suppressed")
		c.h.metrics.FrameDropped(ctx, telemetry.DropClosed)
		return
	}

	known := 0
	for _, r := range results {
		if r.Employee != nil {
			known++
		}
	}
	c.h.metrics.FrameProcessed(ctx, c.h.now().Sub(start), known, len(results)-known)
	c.reply(NewProcessed(results))
	c.replyMu.Unlock()
	c.publishSightings(ctx, s, results)
}

func (c *Conn) publishSightings(ctx context.Context, s *session.Session, results []recognition.Result) {
	for _, r := range results {
		if r.Employee == nil || !s.MarkSeen(r.Employee.ID) {
			continue
		}
		event := events.AttendeeSeen{
			SessionID:   s.ID,
			MeetingID:   s.MeetingID,
			EmployeeID:  r.Employee.ID,
			EmployeeNo:  r.Employee.No,
			Name:        r.Employee.FullName,
			EnglishName: r.Employee.EnglishName,
			IsAttendee:  r.IsAttendee,
			Score:       r.Score,
			SeenAt:      c.h.now(),
		}
		if err := c.h.events.Publish(ctx, event); err != nil {
			c.logger.WarnContext(ctx, "failed to publish sighting", "session_id", s.ID, "employee_id", r.Employee.ID, "error", err)
		}
	}
}

func (c *Conn) reply(msg any) {
	if c.ctx.Err() != nil {
		return
	}
	if err := c.send.Send(c.ctx, msg); err != nil {
		c.logger.WarnContext(c.ctx, "failed to send reply", "error", err)
	}
}

// Disconnect releases every session of the connection and waits for the
// frame loop to stop. Replies still in flight are discarded. It is safe to
// call more than once.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.mu.Unlock()

	c.cancel()
	<-c.done
	released := c.h.sessions.Release(c.scope)
	c.h.metrics.SessionsChanged(context.Background(), -released)
	c.logger.Debug("connection closed", "released_sessions", released)
}
