// Package codec encodes signaling envelopes with sonic.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"
)

// api matches encoding/json behavior (HTML escaping, sorted map keys) so
// frames are byte-stable across relays.
var api = sonic.ConfigStd

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}

// EncodeEnvelope builds a {type, payload} frame. A nil payload is omitted.
func EncodeEnvelope(msgType string, payload any) ([]byte, error) {
	env := envelope{Type: msgType}
	if payload != nil {
		raw, ok := payload.(json.RawMessage)
		if !ok {
			var err error
			raw, err = api.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
			}
		}
		env.Payload = raw
	}
	return api.Marshal(env)
}

// DecodeEnvelope splits a frame into its type and raw payload.
func DecodeEnvelope(data []byte) (string, json.RawMessage, error) {
	var env envelope
	if err := api.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("decode envelope: missing type")
	}
	return env.Type, env.Payload, nil
}
