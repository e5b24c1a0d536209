package testfixtures

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/recognition"
)

// FakeEngine is a scripted detector and encoder. Descriptors are produced
// from DescriptorFor when set, otherwise a one element descriptor holding the
// box index is returned.
type FakeEngine struct {
	mu            sync.Mutex
	Boxes         []recognition.BoundingBox
	DescriptorFor func(i int, box recognition.BoundingBox) recognition.Descriptor
	DetectErr     error
	EncodeErr     error
	// Delay blocks each call until it elapses or the context ends.
	Delay time.Duration

	detectCalls atomic.Int64
	encodeCalls atomic.Int64
}

// SetBoxes replaces the detection result.
func (f *FakeEngine) SetBoxes(boxes ...recognition.BoundingBox) {
	f.mu.Lock()
	f.Boxes = boxes
	f.mu.Unlock()
}

func (f *FakeEngine) wait(ctx context.Context) error {
	if f.Delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Detect returns the scripted boxes.
func (f *FakeEngine) Detect(ctx context.Context, _ *frame.Frame) ([]recognition.BoundingBox, error) {
	f.detectCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.DetectErr != nil {
		return nil, f.DetectErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recognition.BoundingBox(nil), f.Boxes...), nil
}

// Encode returns one descriptor per box.
func (f *FakeEngine) Encode(ctx context.Context, _ *frame.Frame, boxes []recognition.BoundingBox) ([]recognition.Descriptor, error) {
	f.encodeCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.EncodeErr != nil {
		return nil, f.EncodeErr
	}
	out := make([]recognition.Descriptor, len(boxes))
	for i, b := range boxes {
		if f.DescriptorFor != nil {
			out[i] = f.DescriptorFor(i, b)
			continue
		}
		out[i] = recognition.Descriptor{float32(i)}
	}
	return out, nil
}

// DetectCalls reports how many times Detect ran.
func (f *FakeEngine) DetectCalls() int64 { return f.detectCalls.Load() }

// EncodeCalls reports how many times Encode ran.
func (f *FakeEngine) EncodeCalls() int64 { return f.encodeCalls.Load() }

// FakeClassifier returns fixed probability rows. Row i of Rows answers
// descriptor i; when fewer rows are scripted the last one repeats.
type FakeClassifier struct {
	LabelSet []string
	Rows     [][]float64
	Err      error
}

// Labels returns the scripted label set.
func (c *FakeClassifier) Labels() []string { return c.LabelSet }

// PredictProba returns the scripted rows.
func (c *FakeClassifier) PredictProba(_ context.Context, descriptors []recognition.Descriptor) ([][]float64, error) {
	if c.Err != nil {
		return nil, c.Err
	}
	out := make([][]float64, len(descriptors))
	for i := range descriptors {
		if len(c.Rows) == 0 {
			out[i] = make([]float64, len(c.LabelSet))
			continue
		}
		out[i] = c.Rows[min(i, len(c.Rows)-1)]
	}
	return out, nil
}

// Roster is an attendee set backed by a literal list of employee ids.
type Roster map[int64]bool

// NewRoster returns a roster containing ids.
func NewRoster(ids ...int64) Roster {
	r := make(Roster, len(ids))
	for _, id := range ids {
		r[id] = true
	}
	return r
}

// IsAttendee reports roster membership.
func (r Roster) IsAttendee(id int64) bool { return r[id] }
