package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"filterproxy/internal/config"
	"filterproxy/internal/metrics"
	"filterproxy/internal/model"
	"filterproxy/internal/origintest"
)

func newTestClient(t *testing.T, m *metrics.Metrics) *OriginClient {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			DialTimeoutSeconds: 5,
			TimeoutSeconds:     10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewOriginClient(cfg, logger, m)
}

func readBody(t *testing.T, r *Reply) string {
	t.Helper()
	defer func() { _ = r.Body.Close() }()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(b)
}

func TestOriginClient_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   strings.TrimPrefix(srv.URL, "http://"),
		Method: http.MethodGet,
		Target: "/test",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}

	if reply.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", reply.StatusCode, http.StatusOK)
	}
	if reply.Reason != "OK" {
		t.Errorf("Reason = %q, want %q", reply.Reason, "OK")
	}
	if got := reply.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if body := readBody(t, reply); body != `{"status":"ok"}` {
		t.Errorf("body = %q, want %q", body, `{"status":"ok"}`)
	}
}

func TestOriginClient_RoundTrip_WireFidelity(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 299 Quite Custom\r\n" +
		"x-lower: a\r\n" +
		"Set-Cookie: one=1\r\n" +
		"X-Mixed-CASE: b\r\n" +
		"Set-Cookie: two=2\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"))
	defer srv.Close()

	var h model.Header
	h.Add("Host", srv.Addr)
	h.Add("x-first", "1")
	h.Add("Accept", "*/*")
	h.Add("X-Dup", "a")
	h.Add("X-Dup", "b")

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodPost,
		Target: "/submit?x=1",
		Header: h,
		Body:   []byte("payload"),
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	body := readBody(t, reply)
	srv.Close()

	if reply.StatusCode != 299 || reply.Reason != "Quite Custom" {
		t.Errorf("status = %d %q, want 299 %q", reply.StatusCode, reply.Reason, "Quite Custom")
	}
	if body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}

	wantNames := []string{"x-lower", "Set-Cookie", "X-Mixed-CASE", "Set-Cookie", "Content-Length"}
	if len(reply.Header) != len(wantNames) {
		t.Fatalf("len(Header) = %d, want %d", len(reply.Header), len(wantNames))
	}
	for i, name := range wantNames {
		if reply.Header[i].Name != name {
			t.Errorf("Header[%d].Name = %q, want %q", i, reply.Header[i].Name, name)
		}
	}

	reqs := srv.Requests()
	if len(reqs) != 1 {
		t.Fatalf("origin saw %d requests, want 1", len(reqs))
	}
	wantRaw := "POST /submit?x=1 HTTP/1.1\r\n" +
		"Host: " + srv.Addr + "\r\n" +
		"x-first: 1\r\n" +
		"Accept: */*\r\n" +
		"X-Dup: a\r\n" +
		"X-Dup: b\r\n" +
		"Content-Length: 7\r\n" +
		"\r\n" +
		"payload"
	if reqs[0].Raw != wantRaw {
		t.Errorf("request on the wire =\n%q\nwant\n%q", reqs[0].Raw, wantRaw)
	}
}

func TestOriginClient_RoundTrip_AddsHost(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 204 No Content\r\n\r\n"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if body := readBody(t, reply); body != "" {
		t.Errorf("body = %q, want empty", body)
	}
	srv.Close()

	req := srv.Requests()[0]
	if got := req.Header.Get("Host"); got != srv.Addr {
		t.Errorf("Host = %q, want %q", got, srv.Addr)
	}
	if req.Header.Has("Content-Length") {
		t.Error("Content-Length sent for a request without body")
	}
}

func TestOriginClient_RoundTrip_OneConnectionPerExchange(t *testing.T) {
	// The origin offers keep-alive; the client still closes after one exchange.
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 200 OK\r\n" +
		"Connection: keep-alive\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		"ok"))
	defer srv.Close()

	d := &origintest.CountingDialer{}
	m := metrics.New()
	c := newTestClient(t, m).WithDialer(d)

	for i := 0; i < 2; i++ {
		reply, err := c.RoundTrip(context.Background(), &Exchange{
			Host:   srv.Addr,
			Method: http.MethodGet,
			Target: "/",
		})
		if err != nil {
			t.Fatalf("RoundTrip() error = %v", err)
		}
		if body := readBody(t, reply); body != "ok" {
			t.Errorf("body = %q, want %q", body, "ok")
		}
		// Closing twice is harmless.
		_ = reply.Body.Close()
	}
	srv.Close()

	if d.Opened() != 2 {
		t.Errorf("dialed %d connections, want 2", d.Opened())
	}
	if d.Closed() != 2 {
		t.Errorf("closed %d connections, want 2", d.Closed())
	}
	if srv.Accepted() != 2 {
		t.Errorf("origin accepted %d connections, want 2", srv.Accepted())
	}
	if srv.PeerClosed() != 2 {
		t.Errorf("origin saw %d client closes, want 2", srv.PeerClosed())
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() == "filterproxy_origin_connections_open" {
			if v := f.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("origin_connections_open = %v, want 0", v)
			}
		}
	}
}

func TestOriginClient_RoundTrip_Chunked(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"6\r\n world\r\n" +
		"0\r\n\r\n"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if body := readBody(t, reply); body != "hello world" {
		t.Errorf("body = %q, want %q", body, "hello world")
	}
	if reply.Header.Has("Transfer-Encoding") {
		t.Error("Transfer-Encoding kept after the body was de-chunked")
	}
}

func TestOriginClient_RoundTrip_ChunkedDropsContentLength(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 200 OK\r\n" +
		"Transfer-Encoding: chunked\r\n" +
		"Content-Length: 3\r\n" +
		"\r\n" +
		"5\r\nhello\r\n" +
		"0\r\n\r\n"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if body := readBody(t, reply); body != "hello" {
		t.Errorf("body = %q, want %q", body, "hello")
	}
	if reply.Header.Has("Content-Length") {
		t.Errorf("Content-Length kept after the body was de-chunked: %v", reply.Header)
	}
	if reply.Header.Has("Transfer-Encoding") {
		t.Error("Transfer-Encoding kept after the body was de-chunked")
	}
}

func TestOriginClient_RoundTrip_CloseDelimited(t *testing.T) {
	srv := origintest.NewServer(origintest.ReplyAndClose("HTTP/1.0 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"until the end"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if reply.Proto != "HTTP/1.0" {
		t.Errorf("Proto = %q, want %q", reply.Proto, "HTTP/1.0")
	}
	if body := readBody(t, reply); body != "until the end" {
		t.Errorf("body = %q, want %q", body, "until the end")
	}
}

func TestOriginClient_RoundTrip_SkipsInterim(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 100 Continue\r\n\r\n" +
		"HTTP/1.1 200 OK\r\n" +
		"Content-Length: 4\r\n" +
		"\r\n" +
		"done"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodPut,
		Target: "/x",
		Body:   []byte("data"),
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if reply.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", reply.StatusCode, http.StatusOK)
	}
	if body := readBody(t, reply); body != "done" {
		t.Errorf("body = %q, want %q", body, "done")
	}
}

func TestOriginClient_RoundTrip_HeadHasNoBody(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 200 OK\r\n" +
		"Content-Length: 1000\r\n" +
		"\r\n"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodHead,
		Target: "/",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	if body := readBody(t, reply); body != "" {
		t.Errorf("body = %q, want empty", body)
	}
	if got := reply.Header.Get("Content-Length"); got != "1000" {
		t.Errorf("Content-Length = %q, want %q", got, "1000")
	}
}

func TestOriginClient_RoundTrip_TruncatedBody(t *testing.T) {
	srv := origintest.NewServer(origintest.ReplyAndClose("HTTP/1.1 200 OK\r\n" +
		"Content-Length: 10\r\n" +
		"\r\n" +
		"short"))
	defer srv.Close()

	c := newTestClient(t, nil)
	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	defer func() { _ = reply.Body.Close() }()

	_, err = io.ReadAll(reply.Body)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadAll() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestOriginClient_RoundTrip_MalformedStatusLine(t *testing.T) {
	srv := origintest.NewServer(origintest.ReplyAndClose("SMTP ready\r\n\r\n"))
	defer srv.Close()

	d := &origintest.CountingDialer{}
	c := newTestClient(t, nil).WithDialer(d)
	_, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/",
	})
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("RoundTrip() error = %v, want ErrMalformedResponse", err)
	}
	if d.Opened() != d.Closed() {
		t.Errorf("connections opened = %d, closed = %d", d.Opened(), d.Closed())
	}
}

func TestOriginClient_RoundTrip_Error(t *testing.T) {
	m := metrics.New()
	c := newTestClient(t, m)

	_, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   "127.0.0.1:1",
		Method: http.MethodGet,
		Target: "/nonexistent",
	})
	if err == nil {
		t.Fatal("RoundTrip() expected error for unreachable host, got nil")
	}
	if !strings.Contains(err.Error(), "dial 127.0.0.1:1") {
		t.Errorf("error = %q, want it to name the dialed address", err)
	}

	families, gerr := m.Registry.Gather()
	if gerr != nil {
		t.Fatalf("Gather() error = %v", gerr)
	}
	var dialErrors float64
	for _, f := range families {
		if f.GetName() == "filterproxy_origin_dial_errors_total" {
			dialErrors = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if dialErrors != 1 {
		t.Errorf("origin_dial_errors_total = %v, want 1", dialErrors)
	}
}

func TestOriginClient_RoundTrip_InvalidExchange(t *testing.T) {
	tests := []struct {
		name string
		ex   *Exchange
	}{
		{"no host", &Exchange{Method: "GET", Target: "/"}},
		{"bad method", &Exchange{Host: "example.com", Method: "GE T", Target: "/"}},
		{"empty target", &Exchange{Host: "example.com", Method: "GET"}},
		{"space in target", &Exchange{Host: "example.com", Method: "GET", Target: "/a b"}},
		{"crlf in value", &Exchange{Host: "example.com", Method: "GET", Target: "/",
			Header: model.Header{{Name: "X-Evil", Value: "a\r\nInjected: 1"}}}},
		{"bad name", &Exchange{Host: "example.com", Method: "GET", Target: "/",
			Header: model.Header{{Name: "Bad Name", Value: "v"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &origintest.CountingDialer{}
			c := newTestClient(t, nil).WithDialer(d)

			_, err := c.RoundTrip(context.Background(), tt.ex)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("RoundTrip() error = %v, want ErrInvalidRequest", err)
			}
			if d.Opened() != 0 {
				t.Errorf("dialed %d connections for an invalid exchange", d.Opened())
			}
		})
	}
}

func TestOriginClient_RoundTrip_CanceledContext(t *testing.T) {
	release := make(chan struct{})
	srv := origintest.NewServer(func(*origintest.Request) (string, bool) {
		// Simulate a slow origin; the exchange should be canceled first.
		<-release
		return "", true
	})
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.RoundTrip(ctx, &Exchange{
		Host:   srv.Addr,
		Method: http.MethodGet,
		Target: "/slow",
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RoundTrip() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("RoundTrip() took %v after cancel", elapsed)
	}
}

func TestOriginClient_RoundTrip_ParentProxy(t *testing.T) {
	srv := origintest.NewServer(origintest.Reply("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"))
	defer srv.Close()

	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			ParentProxy:        srv.Addr,
			DialTimeoutSeconds: 5,
			TimeoutSeconds:     10,
		},
	}
	c := NewOriginClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	reply, err := c.RoundTrip(context.Background(), &Exchange{
		Host:   "origin.example:8080",
		Method: http.MethodGet,
		Target: "/page?q=1",
	})
	if err != nil {
		t.Fatalf("RoundTrip() error = %v", err)
	}
	_ = readBody(t, reply)
	srv.Close()

	req := srv.Requests()[0]
	want := "GET http://origin.example:8080/page?q=1 HTTP/1.1"
	if req.Line != want {
		t.Errorf("request line = %q, want %q", req.Line, want)
	}
	if got := req.Header.Get("Host"); got != "origin.example:8080" {
		t.Errorf("Host = %q, want %q", got, "origin.example:8080")
	}
}

func TestWithDefaultPort(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"example.com", "example.com:80"},
		{"example.com:8080", "example.com:8080"},
		{"127.0.0.1", "127.0.0.1:80"},
		{"[::1]", "[::1]:80"},
		{"[::1]:9000", "[::1]:9000"},
	}
	for _, tt := range tests {
		if got := withDefaultPort(tt.host); got != tt.want {
			t.Errorf("withDefaultPort(%q) = %q, want %q", tt.host, got, tt.want)
		}
	}
}

func TestParseStatusLine(t *testing.T) {
	tests := []struct {
		line    string
		code    int
		reason  string
		wantErr bool
	}{
		{"HTTP/1.1 200 OK", 200, "OK", false},
		{"HTTP/1.1 404 Not Found", 404, "Not Found", false},
		{"HTTP/1.1 204", 204, "", false},
		{"HTTP/1.0 403 Unauthorized by policy", 403, "Unauthorized by policy", false},
		{"HTTP/1.1 20 OK", 0, "", true},
		{"HTTP/1.1 abc OK", 0, "", true},
		{"HTTP/1.1 099 Low", 0, "", true},
		{"ICY 200 OK", 0, "", true},
		{"garbage", 0, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, code, reason, err := parseStatusLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseStatusLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if code != tt.code || reason != tt.reason {
				t.Errorf("parseStatusLine() = %d %q, want %d %q", code, reason, tt.code, tt.reason)
			}
		})
	}
}
