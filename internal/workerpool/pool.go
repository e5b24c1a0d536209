// Package workerpool runs CPU bound recognition jobs on a fixed number of
// goroutines so that slow frames cannot starve the connection readers.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

var (
	// ErrClosed is returned by Do after Close.
	ErrClosed = errors.New("workerpool: closed")
	// ErrPanic wraps a panic recovered from a job.
	ErrPanic = errors.New("workerpool: job panicked")
)

// Func is a unit of work. It receives the submitting caller's context.
type Func func(ctx context.Context) error

type job struct {
	ctx context.Context
	fn  Func
	ch  chan error
}

// Pool executes submitted jobs on a bounded set of workers.
type Pool struct {
	jobs   chan job
	quit   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	logger *slog.Logger

	busy      atomic.Int64
	completed atomic.Uint64
}

// New starts workers goroutines fed by a queue of the given depth.
func New(workers, queue int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		jobs:   make(chan job, queue),
		quit:   make(chan struct{}),
		logger: logger,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.loop(i)
	}
	return p
}

// Do submits fn and waits for it to finish. It returns early with the
// context error if ctx ends while the job is queued or running; a running
// job is not interrupted and its result is discarded.
func (p *Pool) Do(ctx context.Context, fn Func) error {
	ch := make(chan error, 1)
	j := job{ctx: ctx, fn: fn, ch: ch}

	select {
	case <-p.quit:
		return ErrClosed
	default:
	}

	select {
	case p.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.quit:
		return ErrClosed
	}
}

func (p *Pool) loop(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.quit:
			return
		case j := <-p.jobs:
			if err := j.ctx.Err(); err != nil {
				j.ch <- err
				continue
			}
			p.busy.Add(1)
			j.ch <- p.run(id, j)
			p.busy.Add(-1)
			p.completed.Add(1)
		}
	}
}

func (p *Pool) run(id int, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker recovered from panic", "worker", id, "panic", r)
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return j.fn(j.ctx)
}

// Close stops the workers and waits for running jobs to return.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.quit)
	})
	p.wg.Wait()
}

// Stats is a snapshot of pool activity.
type Stats struct {
	Busy      int64
	Queued    int
	Completed uint64
}

// Stats reports current activity.
func (p *Pool) Stats() Stats {
	return Stats{
		Busy:      p.busy.Load(),
		Queued:    len(p.jobs),
		Completed: p.completed.Load(),
	}
}
