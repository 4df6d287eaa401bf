package model

import (
	"bytes"
	"encoding/json"
)

// Payload is a decoded upstream response body: either a JSON value or raw
// text. The variant is chosen once, by DecodePayload.
type Payload struct {
	json json.RawMessage
	text string
}

// DecodePayload returns a JSON payload when b is a valid JSON document and a
// text payload otherwise.
func DecodePayload(b []byte) Payload {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		return JSONPayload(bytes.Clone(trimmed))
	}
	return TextPayload(string(b))
}

// JSONPayload wraps an already encoded JSON value.
func JSONPayload(raw json.RawMessage) Payload {
	return Payload{json: raw}
}

// TextPayload wraps raw text.
func TextPayload(s string) Payload {
	return Payload{text: s}
}

// IsJSON reports whether the payload holds a structured JSON value.
func (p Payload) IsJSON() bool {
	return p.json != nil
}

// JSON returns the structured value, or nil for a text payload.
func (p Payload) JSON() json.RawMessage {
	return p.json
}

// Text returns the raw text, or "" for a JSON payload.
func (p Payload) Text() string {
	return p.text
}

// MarshalJSON emits the JSON value as-is and text as a JSON string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsJSON() {
		return p.JSON(), nil
	}
	return json.Marshal(p.Text())
}
