package crdt

import (
	"encoding/json"
	"fmt"

	"github.com/golang/snappy"
)

// Delta набор операций документа, передаваемый между репликами.
type Delta struct {
	Ops []Op `json:"ops"`
}

// Empty reports whether the delta carries no operations.
func (d Delta) Empty() bool {
	return len(d.Ops) == 0
}

// Encode serializes the delta as snappy-compressed JSON.
func (d Delta) Encode() ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delta: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// DecodeDelta parses the output of Delta.Encode.
func DecodeDelta(data []byte) (Delta, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return Delta{}, fmt.Errorf("failed to decompress delta: %w", err)
	}

	var d Delta
	if err := json.Unmarshal(raw, &d); err != nil {
		return Delta{}, fmt.Errorf("failed to unmarshal delta: %w", err)
	}
	return d, nil
}
