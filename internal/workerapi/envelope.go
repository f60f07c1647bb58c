package workerapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Encode converts a protocol message into a stream envelope.
func Encode(msg any) (*structpb.Struct, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// Decode fills out from an envelope.
func Decode(env *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(env)
	if err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// Type returns the envelope's message type, or "" when it has none.
func Type(env *structpb.Struct) string {
	if env == nil {
		return ""
	}
	return env.GetFields()["type"].GetStringValue()
}
