// Package rpcjson provides a connect codec for plain Go structs encoded as
// JSON, so services can be served without generated protobuf types.
package rpcjson

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// Name is the codec name negotiated as application/json.
const Name = "json"

// Codec marshals connect messages with encoding/json.
type Codec struct{}

func (Codec) Name() string { return Name }

func (Codec) Marshal(message any) ([]byte, error) {
	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", message, err)
	}
	return data, nil
}

func (Codec) Unmarshal(data []byte, message any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, message); err != nil {
		return fmt.Errorf("unmarshal %T: %w", message, err)
	}
	return nil
}

// WithCodec returns the connect option registering Codec on a client or
// handler.
func WithCodec() connect.Option {
	return connect.WithCodec(Codec{})
}
