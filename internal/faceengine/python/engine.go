// Package python runs face detection and encoding in a pool of Python
// sidecar processes (dlib through face_recognition style code), exchanging
// length prefixed msgpack messages over stdio.
package python

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/recognition"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("python: engine closed")

// Config describes how to launch sidecars.
type Config struct {
	// Command overrides Python and Script when set.
	Command  []string
	Python   string
	Script   string
	ModelDir string
	Workers  int
	Upsample int
	Jitters  int
	Logger   *slog.Logger
}

func (c Config) command() []string {
	if len(c.Command) > 0 {
		return c.Command
	}
	python := c.Python
	if python == "" {
		python = "python3"
	}
	cmd := []string{python, "-u", c.Script}
	if c.ModelDir != "" {
		cmd = append(cmd, "--model-dir", c.ModelDir)
	}
	return cmd
}

type spawnFunc func(ctx context.Context, id int) (*Worker, error)

// Engine is a recognition.Engine backed by a fixed number of sidecars.
// Broken workers are replaced on release.
type Engine struct {
	cfg    Config
	spawn  spawnFunc
	idle   chan *Worker
	logger *slog.Logger

	nextID   atomic.Int64
	restarts atomic.Uint64
	closed   atomic.Bool
	closeMu  sync.Mutex
	replacer sync.WaitGroup
}

var _ recognition.Engine = (*Engine)(nil)

// New starts cfg.Workers sidecars and waits until each is running.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	if len(cfg.Command) == 0 && cfg.Script == "" {
		return nil, errors.New("python: script is required")
	}
	command := cfg.command()
	return newEngine(ctx, cfg, func(ctx context.Context, id int) (*Worker, error) {
		return StartWorker(ctx, id, command, cfg.Logger)
	})
}

func newEngine(ctx context.Context, cfg Config, spawn spawnFunc) (*Engine, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Upsample < 0 {
		cfg.Upsample = 0
	}
	if cfg.Jitters <= 0 {
		cfg.Jitters = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &Engine{
		cfg:    cfg,
		spawn:  spawn,
		idle:   make(chan *Worker, cfg.Workers),
		logger: cfg.Logger.With("component", "faceengine.python"),
	}
	for i := 0; i < cfg.Workers; i++ {
		w, err := spawn(ctx, int(e.nextID.Add(1)))
		if err != nil {
			_ = e.Close()
			return nil, fmt.Errorf("python: start worker: %w", err)
		}
		e.idle <- w
	}
	e.logger.Info("python face engine ready", "workers", cfg.Workers)
	return e, nil
}

// Detect returns the face boxes found in f.
func (e *Engine) Detect(ctx context.Context, f *frame.Frame) ([]recognition.BoundingBox, error) {
	img, err := f.JPEG()
	if err != nil {
		return nil, err
	}
	resp, err := e.do(ctx, request{Op: opDetect, Image: img, Upsample: e.cfg.Upsample})
	if err != nil {
		return nil, err
	}
	return fromWireBoxes(resp.Boxes), nil
}

// Encode returns one descriptor per box.
func (e *Engine) Encode(ctx context.Context, f *frame.Frame, boxes []recognition.BoundingBox) ([]recognition.Descriptor, error) {
	if len(boxes) == 0 {
		return []recognition.Descriptor{}, nil
	}
	img, err := f.JPEG()
	if err != nil {
		return nil, err
	}
	resp, err := e.do(ctx, request{Op: opEncode, Image: img, Boxes: toWireBoxes(boxes), Jitters: e.cfg.Jitters})
	if err != nil {
		return nil, err
	}
	if len(resp.Descriptors) != len(boxes) {
		return nil, fmt.Errorf("python: %d descriptors for %d boxes", len(resp.Descriptors), len(boxes))
	}
	out := make([]recognition.Descriptor, len(resp.Descriptors))
	for i, d := range resp.Descriptors {
		out[i] = recognition.Descriptor(d)
	}
	return out, nil
}

func (e *Engine) do(ctx context.Context, req request) (response, error) {
	w, err := e.acquire(ctx)
	if err != nil {
		return response{}, err
	}
	defer e.release(w)
	return w.call(ctx, req)
}

func (e *Engine) acquire(ctx context.Context) (*Worker, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	select {
	case w, ok := <-e.idle:
		if !ok {
			return nil, ErrClosed
		}
		return w, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) release(w *Worker) {
	if !w.Broken() {
		e.put(w)
		return
	}
	_ = w.Close()
	e.replacer.Add(1)
	go func() {
		defer e.replacer.Done()
		e.restarts.Add(1)
		fresh, err := e.spawn(context.Background(), int(e.nextID.Add(1)))
		if err != nil {
			e.logger.Error("failed to replace python face worker", "worker_id", w.ID(), "error", err)
			return
		}
		e.logger.Info("replaced python face worker", "old_worker_id", w.ID(), "worker_id", fresh.ID())
		e.put(fresh)
	}()
}

func (e *Engine) put(w *Worker) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	if e.closed.Load() {
		_ = w.Close()
		return
	}
	e.idle <- w
}

// Restarts reports how many workers were replaced.
func (e *Engine) Restarts() uint64 {
	return e.restarts.Load()
}

// Close stops idle workers. Workers busy in a call are stopped when they
// are released.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed.Swap(true) {
		e.closeMu.Unlock()
		return nil
	}
	close(e.idle)
	e.closeMu.Unlock()

	e.replacer.Wait()
	var errs []error
	for w := range e.idle {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
