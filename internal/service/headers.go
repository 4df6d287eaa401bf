package service

import (
	"net/http"
	"net/textproto"
	"strings"

	"portal-proxy-go/internal/model"
)

// allowedRequestHeaders are the only inbound headers that may reach the
// upstream. Anything identifying the client's network path (forwarded-for,
// real-ip, edge geo/trace headers) and transport framing headers are absent
// on purpose.
var allowedRequestHeaders = map[string]bool{
	"authorization":      true,
	"localname":          true,
	"content-type":       true,
	"accept":             true,
	"user-agent":         true,
	"accept-language":    true,
	"accept-encoding":    true,
	"sec-fetch-site":     true,
	"sec-fetch-mode":     true,
	"sec-fetch-dest":     true,
	"sec-ch-ua":          true,
	"sec-ch-ua-mobile":   true,
	"sec-ch-ua-platform": true,
	"dnt":                true,
	"cookie":             true,
}

// hopByHopHeaders are headers meaningful for a single transport leg only.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Trailers",
	"Transfer-Encoding",
	"Upgrade",
}

// credentialHeaders are masked whenever a header set is logged.
var credentialHeaders = map[string]bool{
	"authorization": true,
	"cookie":        true,
}

// Allowed returns the subset of src permitted to reach the upstream.
func Allowed(src model.HeaderSet) model.HeaderSet {
	dst := make(model.HeaderSet, len(allowedRequestHeaders))
	for k, v := range src {
		if lk := strings.ToLower(k); allowedRequestHeaders[lk] {
			dst[lk] = v
		}
	}
	return dst
}

// Sanitize derives the outbound header set: the allowed subset of src with
// Origin, Referer and Host forced to the upstream's values.
func Sanitize(src model.HeaderSet, up model.Upstream) model.HeaderSet {
	dst := Allowed(src)
	dst.Set("Origin", up.Origin)
	dst.Set("Referer", up.Referer)
	dst.Set("Host", up.Host)
	return dst
}

// filterResponseHeaders copies src without hop-by-hop headers, headers named in
// Connection, and upstream CORS headers, which the proxy sets itself.
func filterResponseHeaders(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, f := range src.Values("Connection") {
		for _, k := range strings.Split(f, ",") {
			if k = textproto.TrimString(k); k != "" {
				dst.Del(k)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		dst.Del(k)
	}
	for k := range dst {
		if strings.HasPrefix(strings.ToLower(k), "access-control-") {
			delete(dst, k)
		}
	}
	return dst
}

// maskCredentials returns a copy of h safe to log: credential values are cut
// to their first ten characters.
func maskCredentials(h model.HeaderSet) model.HeaderSet {
	out := h.Clone()
	for k, v := range out {
		if !credentialHeaders[k] {
			continue
		}
		if len(v) > 10 {
			v = v[:10]
		}
		out[k] = v + "..."
	}
	return out
}
