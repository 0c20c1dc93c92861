package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a Protocol Buffers codec with deterministic marshaling. Besides
// proto.Message values it takes map[string]any, carried on the wire as a
// google.protobuf.Struct, and decodes into *map[string]any the same way.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{DiscardUnknown: true},
	}
}

func (p protoCodec) Name() string        { return "proto" }
func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	switch x := v.(type) {
	case proto.Message:
		return p.mo.Marshal(x)
	case map[string]any:
		s, err := structpb.NewStruct(x)
		if err != nil {
			return nil, fmt.Errorf("protobuf: %w", err)
		}
		return p.mo.Marshal(s)
	default:
		return nil, fmt.Errorf("protobuf: cannot marshal %T", v)
	}
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	switch x := v.(type) {
	case proto.Message:
		return p.uo.Unmarshal(data, x)
	case *map[string]any:
		var s structpb.Struct
		if err := p.uo.Unmarshal(data, &s); err != nil {
			return err
		}
		*x = s.AsMap()
		return nil
	default:
		return fmt.Errorf("protobuf: cannot unmarshal into %T", v)
	}
}
