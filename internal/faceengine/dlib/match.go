// Package dlib runs face detection and encoding in process through the
// go-face bindings to dlib. Build with -tags dlib; without the tag New
// reports ErrUnavailable.
package dlib

import (
	"errors"
	"image"

	"github.com/example/faceattend/internal/recognition"
)

// ErrUnavailable is returned when the binary was built without dlib support.
var ErrUnavailable = errors.New("dlib: engine not compiled in (build with -tags dlib)")

// ErrNoMatch is returned when a requested box has no detected face nearby.
var ErrNoMatch = errors.New("dlib: no detected face matches box")

// minOverlap is the intersection over union a detection needs to stand in
// for a requested box.
const minOverlap = 0.3

func toBox(r image.Rectangle) recognition.BoundingBox {
	return recognition.BoundingBox{Left: r.Min.X, Top: r.Min.Y, Right: r.Max.X, Bottom: r.Max.Y}
}

func toRect(b recognition.BoundingBox) image.Rectangle {
	return image.Rect(b.Left, b.Top, b.Right, b.Bottom)
}

func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}

// matchBoxes returns, for each wanted box, the index of the detection with
// the highest overlap.
func matchBoxes(wanted []recognition.BoundingBox, detected []image.Rectangle) ([]int, error) {
	out := make([]int, len(wanted))
	for i, w := range wanted {
		wr := toRect(w)
		best, bestScore := -1, minOverlap
		for j, d := range detected {
			if score := iou(wr, d); score >= bestScore {
				best, bestScore = j, score
			}
		}
		if best < 0 {
			return nil, ErrNoMatch
		}
		out[i] = best
	}
	return out, nil
}
