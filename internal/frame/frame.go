// Package frame converts the data-URL image payloads exchanged with clients
// into decoded pixel buffers and back.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"
)

// ErrDecode is returned when a payload is not a data URL carrying a decodable image.
var ErrDecode = errors.New("frame: decode failed")

const (
	MimeJPEG = "image/jpeg"
	MimePNG  = "image/png"

	// JPEGPrefix is the header clients put in front of camera frames.
	JPEGPrefix = "data:" + MimeJPEG + ";base64,"
)

// Frame is a decoded client image together with the encoded bytes it came from.
type Frame struct {
	Image image.Image
	Mime  string
	Data  []byte
}

// Width returns the pixel width of the frame.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the pixel height of the frame.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// JPEG returns JPEG bytes for the frame, re-encoding non-JPEG sources.
func (f *Frame) JPEG() ([]byte, error) {
	if f == nil || f.Image == nil {
		return nil, ErrDecode
	}
	if f.Mime == MimeJPEG && len(f.Data) > 0 {
		return f.Data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("frame: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeDataURL parses a base64 data URL and decodes the embedded JPEG or PNG image.
func DecodeDataURL(dataURL string) (*Frame, error) {
	mime, data, err := splitDataURL(dataURL)
	if err != nil {
		return nil, err
	}

	var img image.Image
	switch mime {
	case MimeJPEG:
		img, err = jpeg.Decode(bytes.NewReader(data))
	case MimePNG:
		img, err = png.Decode(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: unsupported media type %q", ErrDecode, mime)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	return &Frame{Image: img, Mime: mime, Data: data}, nil
}

func splitDataURL(dataURL string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(dataURL), "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing data scheme", ErrDecode)
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload separator", ErrDecode)
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("%w: payload is not base64", ErrDecode)
	}
	if payload == "" {
		return "", nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return strings.ToLower(mime), data, nil
}

// EncodeDataURL wraps already encoded image bytes in a base64 data URL.
func EncodeDataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// EncodeImage serializes img as a lossless PNG data URL.
func EncodeImage(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("frame: encode png: %w", err)
	}
	return EncodeDataURL(MimePNG, buf.Bytes()), nil
}
