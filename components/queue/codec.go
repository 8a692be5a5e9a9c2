package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

type Encoder[T any] interface {
	Encode(ctx context.Context, value T) ([]byte, error)
}

type Decoder[T any] interface {
	Decode(ctx context.Context, data []byte) (T, error)
}

// Codec converts values to and from their wire form.
type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}

// JSONCodec is used when an adapter is given no codec.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(_ context.Context, value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JSONCodec[T]) Decode(_ context.Context, data []byte) (value T, err error) {
	err = json.Unmarshal(data, &value)
	return value, err
}

// CodecFor recovers the typed codec from an untyped option value. nil
// selects JSONCodec.
func CodecFor[T any](v any) (Codec[T], error) {
	switch c := v.(type) {
	case nil:
		return JSONCodec[T]{}, nil
	case Codec[T]:
		return c, nil
	}
	var zero T
	return nil, fmt.Errorf("%w: %T cannot carry %T", ErrCodecMismatch, v, zero)
}
