//go:build !dlib

package dlib

import (
	"context"
	"log/slog"

	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/recognition"
)

// Engine is a placeholder in builds without dlib.
type Engine struct{}

// New always fails with ErrUnavailable.
func New(string, *slog.Logger) (*Engine, error) {
	return nil, ErrUnavailable
}

func (*Engine) Detect(context.Context, *frame.Frame) ([]recognition.BoundingBox, error) {
	return nil, ErrUnavailable
}

func (*Engine) Encode(context.Context, *frame.Frame, []recognition.BoundingBox) ([]recognition.Descriptor, error) {
	return nil, ErrUnavailable
}

func (*Engine) Close() error { return nil }
