package classifier

import (
	"fmt"

	"github.com/example/faceattend/internal/recognition"
	"github.com/vmihailenco/msgpack/v5"
)

// MarshalDescriptor encodes a face descriptor for the face reps column.
func MarshalDescriptor(d recognition.Descriptor) ([]byte, error) {
	data, err := msgpack.Marshal([]float32(d))
	if err != nil {
		return nil, fmt.Errorf("classifier: marshal descriptor: %w", err)
	}
	return data, nil
}

// UnmarshalDescriptor decodes a face reps column value.
func UnmarshalDescriptor(data []byte) (recognition.Descriptor, error) {
	var values []float32
	if err := msgpack.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("classifier: unmarshal descriptor: %w", err)
	}
	return recognition.Descriptor(values), nil
}
