//go:build dlib

package dlib

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/recognition"
)

// Engine wraps a go-face recognizer. The recognizer is not safe for
// concurrent use, so calls are serialised.
type Engine struct {
	mu     sync.Mutex
	rec    *face.Recognizer
	logger *slog.Logger
}

var _ recognition.Engine = (*Engine)(nil)

// New loads the dlib models from modelDir.
func New(modelDir string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, fmt.Errorf("dlib: load models from %s: %w", modelDir, err)
	}
	logger.Info("dlib face engine ready", "component", "faceengine.dlib", "model_dir", modelDir)
	return &Engine{rec: rec, logger: logger}, nil
}

func (e *Engine) recognize(ctx context.Context, f *frame.Frame) ([]face.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := f.JPEG()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	faces, err := e.rec.Recognize(img)
	if err != nil {
		return nil, fmt.Errorf("dlib: recognize: %w", err)
	}
	return faces, nil
}

// Detect returns the face boxes found in f.
func (e *Engine) Detect(ctx context.Context, f *frame.Frame) ([]recognition.BoundingBox, error) {
	faces, err := e.recognize(ctx, f)
	if err != nil {
		return nil, err
	}
	boxes := make([]recognition.BoundingBox, len(faces))
	for i, fc := range faces {
		boxes[i] = toBox(fc.Rectangle)
	}
	return boxes, nil
}

// Encode returns one descriptor per box. go-face detects and encodes in one
// pass, so each box takes the descriptor of the best overlapping detection.
func (e *Engine) Encode(ctx context.Context, f *frame.Frame, boxes []recognition.BoundingBox) ([]recognition.Descriptor, error) {
	if len(boxes) == 0 {
		return []recognition.Descriptor{}, nil
	}
	faces, err := e.recognize(ctx, f)
	if err != nil {
		return nil, err
	}
	rects := make([]image.Rectangle, len(faces))
	for i, fc := range faces {
		rects[i] = fc.Rectangle
	}
	idx, err := matchBoxes(boxes, rects)
	if err != nil {
		return nil, err
	}
	out := make([]recognition.Descriptor, len(boxes))
	for i, j := range idx {
		d := faces[j].Descriptor
		out[i] = append(recognition.Descriptor(nil), d[:]...)
	}
	return out, nil
}

// Close frees the dlib models.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.Close()
	return nil
}
