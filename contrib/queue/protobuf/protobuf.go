package protobuf

import (
	"context"

	"github.com/alonexy/chanplug/components/queue"
	"google.golang.org/protobuf/proto"
)

// Codec encodes/decodes protobuf messages. T must be a pointer message type
// such as *structpb.Struct.
type Codec[T proto.Message] struct{}

func (Codec[T]) Encode(_ context.Context, value T) ([]byte, error) {
	return proto.Marshal(value)
}

func (Codec[T]) Decode(_ context.Context, data []byte) (T, error) {
	var zero T
	v, ok := zero.ProtoReflect().New().Interface().(T)
	if !ok {
		return zero, queue.ErrInvalidMessage
	}
	return v, proto.Unmarshal(data, v)
}

var _ queue.Codec[proto.Message] = Codec[proto.Message]{}
