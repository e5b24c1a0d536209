package testfixtures

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"sync/atomic"
	"testing"

	"github.com/example/faceattend/internal/directory"
	"github.com/example/faceattend/internal/frame"
	"github.com/example/faceattend/internal/persistence"
)

var employeeCounter uint64

// ----------------------------- Employee fixtures -----------------------------

// EmployeeOption configures a generated employee.
type EmployeeOption func(*persistence.Employee)

// NewEmployee returns a unique employee record with optional overrides. The
// id stays zero so storage assigns it.
func NewEmployee(opts ...EmployeeOption) persistence.Employee {
	idx := atomic.AddUint64(&employeeCounter, 1)
	e := persistence.Employee{
		No:          fmt.Sprintf("E%04d", idx),
		FirstName:   fmt.Sprintf("First%03d", idx),
		LastName:    fmt.Sprintf("Last%03d", idx),
		EnglishName: fmt.Sprintf("Employee %03d", idx),
		Title:       "Engineer",
		Group:       "R&D",
		Gender:      int(idx % 2),
		Email:       fmt.Sprintf("employee%03d@example.com", idx),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// WithEmployeeID sets the storage id.
func WithEmployeeID(id int64) EmployeeOption {
	return func(e *persistence.Employee) { e.ID = id }
}

// WithEmployeeNo sets the employee number, which is also the classifier label.
func WithEmployeeNo(no string) EmployeeOption {
	return func(e *persistence.Employee) { e.No = no }
}

// WithName sets first, last and English names.
func WithName(first, last, english string) EmployeeOption {
	return func(e *persistence.Employee) {
		e.FirstName = first
		e.LastName = last
		e.EnglishName = english
	}
}

// DirectoryEmployee converts a stored employee to its directory view.
func DirectoryEmployee(e persistence.Employee) directory.Employee {
	return directory.Employee{ID: e.ID, No: e.No, FullName: e.FullName(), EnglishName: e.EnglishName}
}

// ----------------------------- Image fixtures -----------------------------

// Image returns a w by h gradient so encoded payloads are not trivially small.
func Image(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / max(w, 1)), G: uint8(y * 255 / max(h, 1)), B: 128, A: 255})
		}
	}
	return img
}

// PNGDataURL encodes a w by h fixture image as a PNG data URL.
func PNGDataURL(tb testing.TB, w, h int) string {
	tb.Helper()
	url, err := frame.EncodeImage(Image(w, h))
	if err != nil {
		tb.Fatalf("encode png fixture: %v", err)
	}
	return url
}

// JPEGDataURL encodes a w by h fixture image as a JPEG data URL.
func JPEGDataURL(tb testing.TB, w, h int) string {
	tb.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Image(w, h), &jpeg.Options{Quality: 90}); err != nil {
		tb.Fatalf("encode jpeg fixture: %v", err)
	}
	return frame.EncodeDataURL(frame.MimeJPEG, buf.Bytes())
}
