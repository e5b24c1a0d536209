// Package classifier scores face descriptors against the enrolled employees.
//
// A model is a linear layer followed by a softmax. Models are stored as
// msgpack documents so they can be produced by Go tooling or by the Python
// training scripts alike.
package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/example/faceattend/internal/recognition"
	"github.com/vmihailenco/msgpack/v5"
)

// FormatVersion is the model document version written by Save.
const FormatVersion = 1

var (
	// ErrInvalidModel is returned when a model document is malformed.
	ErrInvalidModel = errors.New("classifier: invalid model")
	// ErrDimension is returned when a descriptor does not match the model width.
	ErrDimension = errors.New("classifier: descriptor dimension mismatch")
)

type document struct {
	Version int         `msgpack:"version"`
	Labels  []string    `msgpack:"labels"`
	Weights [][]float64 `msgpack:"weights"`
	Bias    []float64   `msgpack:"bias"`
}

// Softmax is an immutable linear softmax classifier. It is safe for
// concurrent use.
type Softmax struct {
	labels  []string
	weights [][]float64
	bias    []float64
	dim     int
}

var _ recognition.Classifier = (*Softmax)(nil)

// NewSoftmax validates and copies the parameters. weights has one row per
// label; bias may be nil.
func NewSoftmax(labels []string, weights [][]float64, bias []float64) (*Softmax, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("%w: no labels", ErrInvalidModel)
	}
	if len(weights) != len(labels) {
		return nil, fmt.Errorf("%w: %d weight rows for %d labels", ErrInvalidModel, len(weights), len(labels))
	}
	if bias == nil {
		bias = make([]float64, len(labels))
	}
	if len(bias) != len(labels) {
		return nil, fmt.Errorf("%w: %d bias terms for %d labels", ErrInvalidModel, len(bias), len(labels))
	}
	dim := len(weights[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: empty weight rows", ErrInvalidModel)
	}
	seen := make(map[string]struct{}, len(labels))
	m := &Softmax{
		labels:  append([]string(nil), labels...),
		weights: make([][]float64, len(weights)),
		bias:    append([]float64(nil), bias...),
		dim:     dim,
	}
	for i, row := range weights {
		if len(row) != dim {
			return nil, fmt.Errorf("%w: weight row %d has %d columns, want %d", ErrInvalidModel, i, len(row), dim)
		}
		if _, dup := seen[labels[i]]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", ErrInvalidModel, labels[i])
		}
		seen[labels[i]] = struct{}{}
		m.weights[i] = append([]float64(nil), row...)
	}
	return m, nil
}

// Labels returns the label of each output column.
func (m *Softmax) Labels() []string {
	return append([]string(nil), m.labels...)
}

// Dimension is the descriptor length the model accepts.
func (m *Softmax) Dimension() int {
	return m.dim
}

// PredictProba returns one probability row per descriptor.
func (m *Softmax) PredictProba(ctx context.Context, descriptors []recognition.Descriptor) ([][]float64, error) {
	out := make([][]float64, len(descriptors))
	for i, d := range descriptors {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(d) != m.dim {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrDimension, len(d), m.dim)
		}
		out[i] = m.predict(d)
	}
	return out, nil
}

func (m *Softmax) predict(d recognition.Descriptor) []float64 {
	logits := make([]float64, len(m.labels))
	peak := math.Inf(-1)
	for k, row := range m.weights {
		z := m.bias[k]
		for j, w := range row {
			z += w * float64(d[j])
		}
		logits[k] = z
		peak = max(peak, z)
	}
	var sum float64
	for k, z := range logits {
		logits[k] = math.Exp(z - peak)
		sum += logits[k]
	}
	for k := range logits {
		logits[k] /= sum
	}
	return logits
}

// Decode parses a msgpack model document.
func Decode(data []byte) (*Softmax, error) {
	var doc document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	if doc.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidModel, doc.Version)
	}
	return NewSoftmax(doc.Labels, doc.Weights, doc.Bias)
}

// Encode serialises the model.
func (m *Softmax) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.Encode(document{Version: FormatVersion, Labels: m.labels, Weights: m.weights, Bias: m.bias}); err != nil {
		return nil, fmt.Errorf("classifier: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Load reads a model file.
func Load(path string) (*Softmax, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("classifier: read %s: %w", path, err)
	}
	m, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Save writes the model to path, replacing it atomically.
func (m *Softmax) Save(path string) error {
	data, err := m.Encode()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("classifier: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("classifier: replace %s: %w", path, err)
	}
	return nil
}
