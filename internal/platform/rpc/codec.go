// Package rpc carries plain Go structs over gRPC using a JSON codec, so the
// market services and their collaborators share contracts without generated stubs.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the content subtype negotiated on the wire ("application/grpc+json").
const CodecName = "json"

func init() {
	encoding.RegisterCodec(Codec{})
}

type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc unmarshal %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }

// CallOption selects the JSON codec for a client call.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
