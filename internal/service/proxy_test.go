package service

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"portal-proxy-go/internal/client"
	"portal-proxy-go/internal/config"
	"portal-proxy-go/internal/model"
)

// newTestProxyService creates a ProxyService whose upstream is baseURL.
func newTestProxyService(t *testing.T, baseURL string) *ProxyService {
	t.Helper()
	return newTestProxyServiceFor(t, config.UpstreamConfig{
		BaseURL:         baseURL,
		TimeoutSeconds:  10,
		IdleConnections: 10,
	})
}

func newTestProxyServiceFor(t *testing.T, up config.UpstreamConfig) *ProxyService {
	t.Helper()
	cfg := &config.Config{Upstream: up}
	target, err := cfg.Upstream.Target()
	if err != nil {
		t.Fatalf("Target: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := NewProxyService(client.NewUpstreamClient(cfg, logger, nil), target, logger)
	if err != nil {
		t.Fatalf("NewProxyService: %v", err)
	}
	return svc
}

func TestBuildUpstreamURL(t *testing.T) {
	tests := []struct {
		name  string
		base  string
		path  string
		query string
		want  string
	}{
		{"leading slash", "https://portal.example.edu:6011", "/foo", "", "https://portal.example.edu:6011/foo"},
		{"no leading slash", "https://portal.example.edu:6011", "foo/bar", "", "https://portal.example.edu:6011/foo/bar"},
		{"double slash", "https://portal.example.edu:6011", "//foo", "", "https://portal.example.edu:6011/foo"},
		{"base trailing slash", "https://portal.example.edu:6011/", "foo", "", "https://portal.example.edu:6011/foo"},
		{"base with path", "https://portal.example.edu/portal", "foo", "", "https://portal.example.edu/portal/foo"},
		{"query", "https://portal.example.edu", "foo", "x=1&y=2", "https://portal.example.edu/foo?x=1&y=2"},
		{"empty path", "https://portal.example.edu", "", "", "https://portal.example.edu/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(tt.base)
			s := &ProxyService{upstream: model.Upstream{BaseURL: u}}
			if got := s.buildUpstreamURL(tt.path, tt.query); got != tt.want {
				t.Errorf("buildUpstreamURL(%q, %q) = %q, want %q", tt.path, tt.query, got, tt.want)
			}
		})
	}
}

func TestEncodeBody(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"object compacted", `{ "a": 1,  "b": [1, 2] }`, `{"a":1,"b":[1,2]}`},
		{"string verbatim", `"raw=text&x=1"`, `raw=text&x=1`},
		{"escaped string", `"line\nnext"`, "line\nnext"},
		{"number", `42`, `42`},
		{"bool", `true`, `true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeBody(json.RawMessage(tt.body))
			if err != nil {
				t.Fatalf("encodeBody() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("encodeBody() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestHasBody(t *testing.T) {
	for raw, want := range map[string]bool{"": false, "null": false, " null ": false, "{}": true, `""`: true, "0": true} {
		if got := hasBody(json.RawMessage(raw)); got != want {
			t.Errorf("hasBody(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestCall_JSONResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/StudentPortalAPI/attendance" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", got)
		}
		if got := r.Header.Get("Origin"); !strings.HasPrefix(got, "http://127.0.0.1") {
			t.Errorf("Origin = %q, want upstream origin", got)
		}
		if got := r.Header.Get("X-Real-Ip"); got != "" {
			t.Errorf("X-Real-Ip leaked: %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"semester":"2024"}` {
			t.Errorf("body = %q", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"present":12}`))
	}))
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)
	headers := model.HeaderSet{"authorization": "Bearer t", "x-real-ip": "9.9.9.9"}

	res, err := svc.Call(context.Background(), "/StudentPortalAPI/attendance", "", headers, json.RawMessage(`{"semester": "2024"}`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !res.OK || res.Status != http.StatusOK || res.StatusText != "OK" {
		t.Errorf("result = %+v, want ok 200 OK", res)
	}
	if !res.Body.IsJSON() || string(res.Body.JSON()) != `{"present":12}` {
		t.Errorf("body = %+v, want JSON payload", res.Body)
	}
}

func TestCall_TextFallbackAndStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength != 0 {
			t.Errorf("ContentLength = %d, want no body", r.ContentLength)
		}
		if got := r.Header.Get("Content-Type"); got != "" {
			t.Errorf("Content-Type = %q, want none without body", got)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("<html>not found</html>"))
	}))
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)

	res, err := svc.Call(context.Background(), "missing", http.MethodGet, nil, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if res.OK {
		t.Error("OK = true, want false for 404")
	}
	if res.Status != http.StatusNotFound || res.StatusText != "Not Found" {
		t.Errorf("status = %d %q", res.Status, res.StatusText)
	}
	if res.Body.IsJSON() || res.Body.Text() != "<html>not found</html>" {
		t.Errorf("body = %+v, want text payload", res.Body)
	}
}

func TestCall_RedirectIsOK(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/elsewhere")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)

	res, err := svc.Call(context.Background(), "login", http.MethodGet, nil, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !res.OK || res.Status != http.StatusFound {
		t.Errorf("result = %+v, want ok 302", res)
	}
}

func TestCall_KeepsCallerContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Content-Type"); got != "text/plain" {
			t.Errorf("Content-Type = %q, want text/plain", got)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "hello" {
			t.Errorf("body = %q, want verbatim string", body)
		}
	}))
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)

	_, err := svc.Call(context.Background(), "echo", "", model.HeaderSet{"content-type": "text/plain"}, json.RawMessage(`"hello"`))
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestCall_TransportError(t *testing.T) {
	svc := newTestProxyService(t, "http://127.0.0.1:1")

	_, err := svc.Call(context.Background(), "x", http.MethodGet, nil, nil)
	if err == nil {
		t.Fatal("Call() expected transport error, got nil")
	}
}

func TestForward_PassthroughGET(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodGet {
			t.Errorf("method = %q, want GET", r.Method)
		}
		if r.URL.Path != "/foo" || r.URL.RawQuery != "x=1" {
			t.Errorf("url = %q, want /foo?x=1", r.URL.String())
		}
		if r.ContentLength != 0 {
			t.Errorf("ContentLength = %d, want 0", r.ContentLength)
		}
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("Set-Cookie", "session=abc")
		_, _ = w.Write([]byte("plain"))
	}))
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "foo",
		RawQuery: "x=1",
		Header:   http.Header{"X-Forwarded-For": {"1.2.3.4"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if n := calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
	if resp.Header.Get("Keep-Alive") != "" {
		t.Error("Keep-Alive should be stripped")
	}
	if resp.Header.Get("Set-Cookie") != "session=abc" {
		t.Errorf("Set-Cookie = %q, want relayed", resp.Header.Get("Set-Cookie"))
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/plain") {
		t.Errorf("Content-Type = %q, want upstream value", resp.Header.Get("Content-Type"))
	}
}

func TestForward_DefaultContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)

	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodDelete,
		Path:   "item/1",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
}

func TestForward_TransportError(t *testing.T) {
	svc := newTestProxyService(t, "http://127.0.0.1:1")

	_, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "x",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Forward() expected error, got nil")
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Errorf("Forward() error = %v, want wrapped *url.Error", err)
	}
}

func TestNewProxyService_RequiresBaseURL(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if _, err := NewProxyService(nil, model.Upstream{}, logger); err == nil {
		t.Fatal("NewProxyService() expected error for empty upstream, got nil")
	}
}

// gzipUpstream answers {"att":95}, gzip-compressed whenever the request
// accepts gzip. It records the Accept-Encoding it saw.
func gzipUpstream(t *testing.T, seen *atomic.Value) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Type", "application/json")
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			_, _ = w.Write([]byte(`{"att":95}`))
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		_, _ = gz.Write([]byte(`{"att":95}`))
		_ = gz.Close()
	}))
}

func TestCall_BrowserAcceptEncodingDecoded(t *testing.T) {
	var seen atomic.Value
	upstream := gzipUpstream(t, &seen)
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)
	headers := model.HeaderSet{
		"accept-encoding": "gzip, deflate, br",
		"accept":          "application/json, text/plain, */*",
		"user-agent":      "Mozilla/5.0",
	}

	res, err := svc.Call(context.Background(), "x", http.MethodPost, headers, nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if !res.Body.IsJSON() || string(res.Body.JSON()) != `{"att":95}` {
		t.Errorf("body = %q (json=%v), want decoded JSON", res.Body.Text(), res.Body.IsJSON())
	}
	if got, _ := seen.Load().(string); got != "gzip" {
		t.Errorf("upstream Accept-Encoding = %q, want transport-negotiated gzip", got)
	}
}

func TestForward_RelaysAcceptEncoding(t *testing.T) {
	var seen atomic.Value
	upstream := gzipUpstream(t, &seen)
	defer upstream.Close()

	svc := newTestProxyService(t, upstream.URL)
	resp, err := svc.Forward(&model.ProxyRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "x",
		Header: http.Header{"Accept-Encoding": {"gzip, deflate, br"}},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got, _ := seen.Load().(string); got != "gzip, deflate, br" {
		t.Errorf("upstream Accept-Encoding = %q, want client value", got)
	}
	if got := resp.Header.Get("Content-Encoding"); got != "gzip" {
		t.Errorf("Content-Encoding = %q, want gzip relayed with the compressed body", got)
	}
}

func TestCall_HostOverrideOnWire(t *testing.T) {
	var gotHost, gotOrigin, gotReferer atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
		gotOrigin.Store(r.Header.Get("Origin"))
		gotReferer.Store(r.Header.Get("Referer"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	svc := newTestProxyServiceFor(t, config.UpstreamConfig{
		BaseURL:         upstream.URL,
		Origin:          "https://portal.example.edu:6011",
		Referer:         "https://portal.example.edu:6011/",
		Host:            "portal.example.edu:6011",
		TimeoutSeconds:  10,
		IdleConnections: 10,
	})

	headers := model.HeaderSet{"host": "evil.example.com", "origin": "https://evil.example.com"}
	if _, err := svc.Call(context.Background(), "x", http.MethodGet, headers, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if got, _ := gotHost.Load().(string); got != "portal.example.edu:6011" {
		t.Errorf("upstream Host = %q, want %q", got, "portal.example.edu:6011")
	}
	if got, _ := gotOrigin.Load().(string); got != "https://portal.example.edu:6011" {
		t.Errorf("upstream Origin = %q", got)
	}
	if got, _ := gotReferer.Load().(string); got != "https://portal.example.edu:6011/" {
		t.Errorf("upstream Referer = %q", got)
	}
}
