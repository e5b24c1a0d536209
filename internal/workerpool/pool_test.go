package workerpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoRunsJob(t *testing.T) {
	p := New(2, 4, nil)
	defer p.Close()

	var ran atomic.Bool
	if err := p.Do(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}); err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if !ran.Load() {
		t.Fatalf("job did not run")
	}

	boom := errors.New("boom")
	if err := p.Do(context.Background(), func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
	if got := p.Stats().Completed; got != 2 {
		t.Fatalf("expected 2 completed jobs, got %d", got)
	}
}

func TestDoBoundsConcurrency(t *testing.T) {
	const workers = 3
	p := New(workers, 16, nil)
	defer p.Close()

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if peak.Load() > workers {
		t.Fatalf("expected at most %d concurrent jobs, saw %d", workers, peak.Load())
	}
}

func TestDoHonoursCallerTimeout(t *testing.T) {
	p := New(1, 0, nil)
	defer p.Close()

	release := make(chan struct{})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Do(ctx, func(context.Context) error {
		<-release
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Do blocked past the caller deadline")
	}
}

func TestDoRecoversPanics(t *testing.T) {
	p := New(1, 1, nil)
	defer p.Close()

	err := p.Do(context.Background(), func(context.Context) error { panic("kaboom") })
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}

	if err := p.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("worker should survive a panic: %v", err)
	}
}

func TestDoAfterClose(t *testing.T) {
	p := New(1, 1, nil)
	p.Close()
	p.Close()

	if err := p.Do(context.Background(), func(context.Context) error { return nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestSkipsJobsWhoseCallerGaveUp(t *testing.T) {
	p := New(1, 4, nil)
	defer p.Close()

	block := make(chan struct{})
	go func() {
		_ = p.Do(context.Background(), func(context.Context) error {
			<-block
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error {
			ran.Store(true)
			return nil
		})
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	close(block)

	if err := p.Do(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Fatalf("follow-up job failed: %v", err)
	}
	if ran.Load() {
		t.Fatalf("cancelled job should have been skipped")
	}
}
