package model

import (
	"encoding/json"
	"net/http"
	"strings"
)

// HeaderSet is a case-insensitive header mapping. Keys are stored lowercase;
// values are kept exactly as received.
type HeaderSet map[string]string

// HeaderSetFromHTTP flattens h into a HeaderSet. Repeated values are joined
// with ", " except Cookie, which uses "; ".
func HeaderSetFromHTTP(h http.Header) HeaderSet {
	hs := make(HeaderSet, len(h))
	for k, vals := range h {
		if len(vals) == 0 {
			continue
		}
		sep := ", "
		if strings.EqualFold(k, "Cookie") {
			sep = "; "
		}
		hs[strings.ToLower(k)] = strings.Join(vals, sep)
	}
	return hs
}

// Get returns the value for name, or "" when absent.
func (h HeaderSet) Get(name string) string {
	return h[strings.ToLower(name)]
}

// Has reports whether name is present.
func (h HeaderSet) Has(name string) bool {
	_, ok := h[strings.ToLower(name)]
	return ok
}

// Set stores value under the lowercased name.
func (h HeaderSet) Set(name, value string) {
	h[strings.ToLower(name)] = value
}

// Del removes name.
func (h HeaderSet) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Clone returns an independent copy.
func (h HeaderSet) Clone() HeaderSet {
	out := make(HeaderSet, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Merge returns a new set holding h overlaid with over. Keys in over win.
func (h HeaderSet) Merge(over HeaderSet) HeaderSet {
	out := h.Clone()
	for k, v := range over {
		out.Set(k, v)
	}
	return out
}

// HTTP converts the set to an http.Header. Host is omitted because net/http
// takes it from Request.Host.
func (h HeaderSet) HTTP() http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		if k == "host" {
			continue
		}
		out.Set(k, v)
	}
	return out
}

// UnmarshalJSON accepts any JSON object and lowercases its keys. Non-string
// values are kept as their JSON text; null values are dropped.
func (h *HeaderSet) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(HeaderSet, len(raw))
	for k, v := range raw {
		if string(v) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			s = string(v)
		}
		out.Set(k, s)
	}
	*h = out
	return nil
}
