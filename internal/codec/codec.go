// Package codec serializes job arguments to and from message payloads.
package codec

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Serializer converts job arguments to payload bytes and back.
type Serializer interface {
	Serialize(v any) ([]byte, error)
	// Deserialize decodes data into target, a pointer to a pointer. A null
	// payload leaves *target nil.
	Deserialize(data []byte, target any) error
}

// JSON is the default Serializer. Field names match case-insensitively and
// unknown fields are ignored.
type JSON struct{}

func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("serialize %T: %w", v, err)
	}
	return data, nil
}

func (JSON) Deserialize(data []byte, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("deserialize %T: empty payload", target)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("deserialize %T: %w", target, err)
	}
	return nil
}

// Decode deserializes data as a T. It reports false when the payload is
// malformed or decodes to null; err carries the reason for malformed input.
func Decode[T any](s Serializer, data []byte) (T, bool, error) {
	var zero T
	var p *T
	if err := s.Deserialize(data, &p); err != nil {
		return zero, false, err
	}
	if p == nil {
		return zero, false, nil
	}
	return *p, true, nil
}
