package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultAsyncBuffer is the number of events Async holds before dropping.
const DefaultAsyncBuffer = 256

// ErrPublisherClosed is returned by Async.Publish after Close.
var ErrPublisherClosed = errors.New("events: publisher closed")

type queuedEvent struct {
	ctx   context.Context
	event AttendeeSeen
}

// Async hands events to one background goroutine so callers never wait on a
// broker. Events that arrive while the buffer is full are dropped and
// counted.
type Async struct {
	next   Publisher
	logger *slog.Logger
	queue  chan queuedEvent
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Uint64
	closeOnce sync.Once
	closeErr  error
}

// NewAsync starts the delivery goroutine for next. A non-positive buffer
// falls back to DefaultAsyncBuffer.
func NewAsync(next Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger.With("component", "events"),
		queue:  make(chan queuedEvent, buffer),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish queues event without blocking. The caller's cancellation does not
// reach the broker: the event outlives the connection that saw it.
func (a *Async) Publish(ctx context.Context, event AttendeeSeen) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrPublisherClosed
	}
	select {
	case a.queue <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
	default:
		n := a.dropped.Add(1)
		a.logger.WarnContext(ctx, "attendance event dropped, buffer full",
			"session_id", event.SessionID,
			"employee_id", event.EmployeeID,
			"dropped_total", n)
	}
	return nil
}

// Dropped reports how many events were discarded on overflow.
func (a *Async) Dropped() uint64 {
	return a.dropped.Load()
}

// Close stops accepting events, delivers what is buffered and closes the
// wrapped publisher.
func (a *Async) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()

		<-a.done
		if n := a.Dropped(); n > 0 {
			a.logger.Warn("attendance events dropped during run", "dropped_total", n)
		}
		a.closeErr = a.next.Close()
	})
	return a.closeErr
}

func (a *Async) run() {
	defer close(a.done)
	for item := range a.queue {
		if err := a.next.Publish(item.ctx, item.event); err != nil {
			a.logger.WarnContext(item.ctx, "attendance event not delivered",
				"session_id", item.event.SessionID,
				"employee_id", item.event.EmployeeID,
				"error", err)
		}
	}
}
