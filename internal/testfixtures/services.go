package testfixtures

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/faceattend/internal/application"
	"github.com/example/faceattend/internal/recognition"
)

// DiscardLogger returns a logger that drops every record.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewEnrollmentService wires an enrollment service over the harness store.
// A nil engine gets a FakeEngine that reports one face per image.
func NewEnrollmentService(tb testing.TB, h *SQLiteHarness, engine recognition.Engine) *application.EnrollmentService {
	tb.Helper()
	if h == nil {
		h = NewSQLiteHarness(tb)
	}
	if engine == nil {
		fake := &FakeEngine{}
		fake.SetBoxes(recognition.BoundingBox{Left: 0, Top: 0, Right: 8, Bottom: 8})
		engine = fake
	}
	return application.NewEnrollmentService(h.Store, engine, time.Second, DiscardLogger())
}
