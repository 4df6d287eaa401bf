package model

import "encoding/json"

// CallSpec is one logical sub-request inside a batch.
type CallSpec struct {
	// Key is echoed back unmodified; it is not required to be unique.
	Key     json.RawMessage
	Path    string
	Method  string
	Body    json.RawMessage // nil when absent or null
	Headers HeaderSet
}

// CallResult is the normalized outcome of one upstream call.
type CallResult struct {
	Key        json.RawMessage `json:"key,omitempty"`
	OK         bool            `json:"ok"`
	Status     int             `json:"status"`
	StatusText string          `json:"statusText"`
	Body       Payload         `json:"body"`
}

// BatchResponse is the body returned by the batch endpoint.
type BatchResponse struct {
	Responses []CallResult `json:"responses"`
}
