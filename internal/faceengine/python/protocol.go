package python

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/example/faceattend/internal/recognition"
	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize caps a single message in either direction.
const MaxFrameSize = 64 << 20

const (
	opDetect = "detect"
	opEncode = "encode"
)

// ErrFrameTooLarge is returned when a length prefix exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("python: frame too large")

// request is the msgpack document sent to the sidecar. Boxes are
// [left, top, right, bottom].
type request struct {
	Op       string   `msgpack:"op"`
	Image    []byte   `msgpack:"image"`
	Boxes    [][4]int `msgpack:"boxes,omitempty"`
	Upsample int      `msgpack:"upsample"`
	Jitters  int      `msgpack:"jitters"`
}

type response struct {
	OK          bool        `msgpack:"ok"`
	Error       string      `msgpack:"error"`
	Boxes       [][4]int    `msgpack:"boxes"`
	Descriptors [][]float32 `msgpack:"descriptors"`
}

func toWireBoxes(boxes []recognition.BoundingBox) [][4]int {
	out := make([][4]int, len(boxes))
	for i, b := range boxes {
		out[i] = [4]int{b.Left, b.Top, b.Right, b.Bottom}
	}
	return out
}

func fromWireBoxes(boxes [][4]int) []recognition.BoundingBox {
	out := make([]recognition.BoundingBox, len(boxes))
	for i, b := range boxes {
		out[i] = recognition.BoundingBox{Left: b[0], Top: b[1], Right: b[2], Bottom: b[3]}
	}
	return out
}

// writeMessage writes [len uint32 big endian][msgpack payload].
func writeMessage(w io.Writer, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

// readMessage reads one length prefixed msgpack document into v.
func readMessage(r io.Reader, v any) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(header)
	if n > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack response: %w", err)
	}
	return nil
}
