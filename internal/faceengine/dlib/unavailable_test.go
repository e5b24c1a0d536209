//go:build !dlib

package dlib

import (
	"errors"
	"testing"
)

func TestNewWithoutDlib(t *testing.T) {
	if _, err := New("models", nil); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
