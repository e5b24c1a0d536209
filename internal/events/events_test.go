package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/segmentio/kafka-go"
)

func sampleEvent() AttendeeSeen {
	return AttendeeSeen{
		SessionID:  "sess-1",
		MeetingID:  42,
		EmployeeID: 7,
		EmployeeNo: "E007",
		Name:       "Taro Yamada",
		IsAttendee: true,
		Score:      0.93,
		SeenAt:     time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC),
	}
}

type fakeToken struct {
	err     error
	timeout bool
}

func (t *fakeToken) Wait() bool                     { return !t.timeout }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return !t.timeout }
func (t *fakeToken) Error() error                   { return t.err }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeMQTTClient struct {
	mqtt.Client
	mu        sync.Mutex
	token     *fakeToken
	topics    []string
	payloads  [][]byte
	connected bool
}

func (c *fakeMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payloads = append(c.payloads, payload.([]byte))
	if c.token != nil {
		return c.token
	}
	return &fakeToken{}
}

func (c *fakeMQTTClient) IsConnected() bool { return c.connected }
func (c *fakeMQTTClient) Disconnect(uint)   { c.connected = false }

func TestMQTTPublisher(t *testing.T) {
	client := &fakeMQTTClient{connected: true}
	p := newMQTTPublisherWithClient(client, "faceattend/attendance", nil)

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(client.topics) != 1 || client.topics[0] != "faceattend/attendance" {
		t.Fatalf("unexpected topics %v", client.topics)
	}
	var decoded map[string]any
	if err := json.Unmarshal(client.payloads[0], &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded["employee_no"] != "E007" || decoded["is_attendant"] != true {
		t.Fatalf("unexpected payload %v", decoded)
	}

	client.token = &fakeToken{timeout: true}
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected timeout error")
	}
	client.token = &fakeToken{err: errors.New("broker said no")}
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected publish error")
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error after close")
	}

	stats := p.Stats()
	if stats.Published != 1 || stats.Errors != 3 || stats.Connected {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("write without deadline")
	}
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	if err := p.Publish(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if len(w.msgs) != 1 || string(w.msgs[0].Key) != "sess-1" {
		t.Fatalf("unexpected messages %+v", w.msgs)
	}

	w.err = errors.New("leader not available")
	if err := p.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected write error")
	}

	if err := p.Close(); err != nil || !w.closed {
		t.Fatalf("Close = %v, closed=%v", err, w.closed)
	}

	if _, err := NewKafkaPublisher(nil, "topic"); err == nil {
		t.Fatal("expected error without brokers")
	}
}

type recordingPublisher struct {
	events []AttendeeSeen
	err    error
	closed bool
}

func (r *recordingPublisher) Publish(_ context.Context, e AttendeeSeen) error {
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingPublisher) Close() error {
	r.closed = true
	return nil
}

func TestCombineAndMulti(t *testing.T) {
	if _, ok := Combine().(Noop); !ok {
		t.Fatal("Combine() should return Noop")
	}
	single := &recordingPublisher{}
	if Combine(nil, single) != Publisher(single) {
		t.Fatal("Combine with one publisher should return it unchanged")
	}

	failing := &recordingPublisher{err: errors.New("down")}
	multi := Combine(single, failing)
	if err := multi.Publish(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected joined error")
	}
	if len(single.events) != 2 || len(failing.events) != 1 {
		t.Fatalf("every publisher should receive the event")
	}
	if err := multi.Close(); err != nil || !single.closed || !failing.closed {
		t.Fatalf("Close did not reach every publisher")
	}
}

// gatedPublisher blocks every Publish until release is closed.
type gatedPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	events  []AttendeeSeen
	closed  bool
}

func (g *gatedPublisher) Publish(_ context.Context, e AttendeeSeen) error {
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.events = append(g.events, e)
	return nil
}

func (g *gatedPublisher) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}

func TestAsync(t *testing.T) {
	t.Run("publish does not wait for the broker", func(t *testing.T) {
		next := &gatedPublisher{release: make(chan struct{})}
		a := NewAsync(next, 4, nil)

		start := time.Now()
		for i := 0; i < 3; i++ {
			if err := a.Publish(context.Background(), sampleEvent()); err != nil {
				t.Fatalf("Publish returned error: %v", err)
			}
		}
		if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
			t.Fatalf("Publish blocked for %s", elapsed)
		}

		close(next.release)
		if err := a.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
		if len(next.events) != 3 || !next.closed {
			t.Fatalf("Close should drain buffered events and close next, got %d events closed=%v", len(next.events), next.closed)
		}
	})

	t.Run("overflow is dropped and counted", func(t *testing.T) {
		next := &gatedPublisher{release: make(chan struct{})}
		a := NewAsync(next, 1, nil)

		// One event may be held by the delivery goroutine and one in the
		// buffer; everything past that overflows.
		for i := 0; i < 10; i++ {
			if err := a.Publish(context.Background(), sampleEvent()); err != nil {
				t.Fatalf("Publish returned error: %v", err)
			}
		}
		if a.Dropped() < 8 {
			t.Fatalf("expected at least 8 dropped events, got %d", a.Dropped())
		}

		close(next.release)
		if err := a.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
		if got := uint64(len(next.events)) + a.Dropped(); got != 10 {
			t.Fatalf("delivered plus dropped should be 10, got %d", got)
		}
	})

	t.Run("publish after close fails", func(t *testing.T) {
		a := NewAsync(Noop{}, 1, nil)
		if err := a.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
		if err := a.Publish(context.Background(), sampleEvent()); !errors.Is(err, ErrPublisherClosed) {
			t.Fatalf("expected ErrPublisherClosed, got %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("second Close returned error: %v", err)
		}
	})

	t.Run("delivery survives caller cancellation", func(t *testing.T) {
		next := &recordingPublisher{}
		a := NewAsync(next, 1, nil)
		ctx, cancel := context.WithCancel(context.Background())
		if err := a.Publish(ctx, sampleEvent()); err != nil {
			t.Fatalf("Publish returned error: %v", err)
		}
		cancel()
		if err := a.Close(); err != nil {
			t.Fatalf("Close returned error: %v", err)
		}
		if len(next.events) != 1 {
			t.Fatalf("expected the event to be delivered, got %d", len(next.events))
		}
	})
}
