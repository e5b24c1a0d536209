// Package recognition turns a client frame into per-face attendance results.
package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/faceattend/internal/directory"
	"github.com/example/faceattend/internal/frame"
)

// UnknownLabel is the classifier label reserved for faces outside the roster.
const UnknownLabel = "-1"

var (
	// ErrEngine covers detector, encoder and classifier failures including timeouts.
	ErrEngine = errors.New("recognition: engine failure")
	// ErrDecode is returned when the frame payload cannot be decoded.
	ErrDecode = frame.ErrDecode
)

// BoundingBox is a face location in pixel coordinates (left, top, right, bottom).
type BoundingBox struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Trim clamps the box to an image of the given size.
func (b BoundingBox) Trim(width, height int) BoundingBox {
	return BoundingBox{
		Left:   max(b.Left, 0),
		Top:    max(b.Top, 0),
		Right:  min(b.Right, width),
		Bottom: min(b.Bottom, height),
	}
}

// Empty reports whether the box has no area.
func (b BoundingBox) Empty() bool {
	return b.Right <= b.Left || b.Bottom <= b.Top
}

// MarshalJSON encodes the box as [left, top, right, bottom].
func (b BoundingBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.Left, b.Top, b.Right, b.Bottom})
}

// UnmarshalJSON accepts the four element array form.
func (b *BoundingBox) UnmarshalJSON(data []byte) error {
	var v [4]int
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("bounding box: %w", err)
	}
	*b = BoundingBox{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}
	return nil
}

// Descriptor is the fixed length face embedding produced by the encoder.
type Descriptor []float32

// Detector finds faces in a frame.
type Detector interface {
	Detect(ctx context.Context, f *frame.Frame) ([]BoundingBox, error)
}

// Encoder computes one descriptor per box, in box order.
type Encoder interface {
	Encode(ctx context.Context, f *frame.Frame, boxes []BoundingBox) ([]Descriptor, error)
}

// Engine is a detector that can also encode.
type Engine interface {
	Detector
	Encoder
}

// Classifier scores descriptors against its label set. Each returned row
// holds one probability per label, in Labels order.
type Classifier interface {
	Labels() []string
	PredictProba(ctx context.Context, descriptors []Descriptor) ([][]float64, error)
}

// Directory resolves classifier labels to employees.
type Directory interface {
	Lookup(no string) (directory.Employee, bool)
}

// AttendeeSet answers roster membership for the session being processed.
type AttendeeSet interface {
	IsAttendee(employeeID int64) bool
}

// Result describes one recognised face. Employee is nil for unknown faces.
type Result struct {
	Box        BoundingBox
	Employee   *directory.Employee
	Label      string
	Score      float64
	IsAttendee bool
}
