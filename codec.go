package tickwire

import (
	"encoding/json"
	"fmt"

	"tickwire/wire"
)

// Codec serializes component or event values for the wire. Encode
// appends the value's bytes to the scratch buffer; Decode consumes a
// reader scoped to exactly those bytes and returns the reconstructed
// value.
type Codec interface {
	Encode(dst *wire.Scratch, value any) error
	Decode(src *wire.Reader) (any, error)
}

// JSONCodec returns a codec that round-trips T through encoding/json.
// It is the default choice for gameplay data where encoding size is
// not the bottleneck.
func JSONCodec[T any]() Codec {
	return jsonCodec[T]{}
}

type jsonCodec[T any] struct{}

func (jsonCodec[T]) Encode(dst *wire.Scratch, value any) error {
	v, ok := value.(T)
	if !ok {
		return fmt.Errorf("codec: expected %T, got %T", v, value)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("codec: marshal %T: %w", v, err)
	}
	dst.PutBytes(raw)
	return nil
}

func (jsonCodec[T]) Decode(src *wire.Reader) (any, error) {
	raw, err := src.Bytes(src.Remaining())
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("codec: unmarshal %T: %w", v, err)
	}
	return v, nil
}
