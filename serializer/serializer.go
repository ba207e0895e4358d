// Copyright 2025 James Ross

// Package serializer defines the byte codec used wherever values cross a
// process boundary: queue payloads, bus envelopes, typed cache access.
package serializer

import "encoding/json"

// Serializer converts values to bytes and back. Implementations must be
// safe for concurrent use.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSON is the default serializer.
var JSON Serializer = jsonSerializer{}

type jsonSerializer struct{}

func (jsonSerializer) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonSerializer) Unmarshal(d []byte, v any) error { return json.Unmarshal(d, v) }
