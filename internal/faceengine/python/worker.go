package python

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// ErrWorkerBroken is returned by a worker whose process was killed or whose
// stream is out of sync.
var ErrWorkerBroken = errors.New("python: worker broken")

// Worker is one sidecar process speaking the length prefixed msgpack
// protocol over stdin and stdout. Calls are serialised.
type Worker struct {
	id     int
	stdin  io.WriteCloser
	stdout io.ReadCloser
	kill   func() error
	wait   func() error
	logger *slog.Logger

	mu     sync.Mutex
	broken bool
}

// StartWorker launches command. The process is not tied to ctx; it lives
// until Close or a timed out call kills it.
func StartWorker(ctx context.Context, id int, command []string, logger *slog.Logger) (*Worker, error) {
	if len(command) == 0 {
		return nil, errors.New("python: empty worker command")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	logger = logger.With("worker_id", id, "pid", cmd.Process.Pid)
	logger.Info("python face worker spawned")
	go logStderr(stderr, logger)

	return newWorker(id, stdin, stdout, cmd.Process.Kill, cmd.Wait, logger), nil
}

func newWorker(id int, stdin io.WriteCloser, stdout io.ReadCloser, kill, wait func() error, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{id: id, stdin: stdin, stdout: stdout, kill: kill, wait: wait, logger: logger}
}

// ID identifies the worker in logs.
func (w *Worker) ID() int { return w.id }

// Broken reports whether the worker must be replaced.
func (w *Worker) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// call sends req and waits for the reply. When ctx ends first the process is
// killed, since the stream can no longer be trusted.
func (w *Worker) call(ctx context.Context, req request) (response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return response{}, ErrWorkerBroken
	}

	type outcome struct {
		resp response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		if o.err = writeMessage(w.stdin, req); o.err == nil {
			o.err = readMessage(w.stdout, &o.resp)
		}
		done <- o
	}()

	select {
	case o := <-done:
		if o.err != nil {
			w.breakLocked("stream failure", o.err)
			return response{}, fmt.Errorf("%w: %v", ErrWorkerBroken, o.err)
		}
		if !o.resp.OK {
			return response{}, fmt.Errorf("python worker error: %s", o.resp.Error)
		}
		return o.resp, nil
	case <-ctx.Done():
		w.breakLocked("call abandoned", ctx.Err())
		return response{}, ctx.Err()
	}
}

func (w *Worker) breakLocked(reason string, err error) {
	if w.broken {
		return
	}
	w.broken = true
	w.logger.Warn("killing python face worker", "reason", reason, "error", err)
	if w.kill != nil {
		_ = w.kill()
	}
	_ = w.stdin.Close()
	_ = w.stdout.Close()
}

// Close ends the process by closing its stdin and reaps it.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.broken {
		w.broken = true
		_ = w.stdin.Close()
	}
	var err error
	if w.wait != nil {
		err = w.wait()
		w.wait = nil
	}
	_ = w.stdout.Close()
	return err
}

// logStderr forwards sidecar log lines, mapping Python levels onto slog.
func logStderr(r io.Reader, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"), strings.HasPrefix(line, "Traceback"):
			logger.Error("python worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			logger.Warn("python worker warning", "log", line)
		default:
			logger.Debug("python worker log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		logger.Debug("stderr reader stopped", "error", err)
	}
}
