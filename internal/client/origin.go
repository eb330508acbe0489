// Package client provides the outbound HTTP/1.1 client used to reach origin servers.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"filterproxy/internal/config"
	"filterproxy/internal/metrics"
	"filterproxy/internal/model"
)

// ErrMalformedResponse is returned when the origin answers with something
// that cannot be parsed as an HTTP/1.x response head.
var ErrMalformedResponse = errors.New("malformed origin response")

// ErrInvalidRequest is returned when an exchange cannot be written safely,
// e.g. a header value containing CR or LF.
var ErrInvalidRequest = errors.New("invalid outbound request")

// Dialer opens connections to origin servers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Exchange is one request to send to an origin.
type Exchange struct {
	Host   string // host or host:port of the origin
	Method string
	Target string // origin-form request-target (path and query)
	Header model.Header
	Body   []byte // nil when the request has no body
}

// Reply is the origin's answer. Closing Body closes the connection.
type Reply struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     model.Header
	Body       io.ReadCloser
}

// OriginClient performs one request/response exchange per call over a fresh
// connection. Connections are never reused.
type OriginClient struct {
	dialer      Dialer
	parentProxy string
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewOriginClient creates an OriginClient from the [upstream] settings.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	return &OriginClient{
		dialer: &net.Dialer{
			Timeout: time.Duration(cfg.Upstream.DialTimeoutSeconds) * time.Second,
		},
		parentProxy: cfg.Upstream.ParentProxy,
		timeout:     time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
		logger:      logger.With("component", "origin_client"),
		metrics:     m,
	}
}

// WithDialer replaces the dialer used to reach origins and returns c.
func (c *OriginClient) WithDialer(d Dialer) *OriginClient {
	c.dialer = d
	return c
}

// RoundTrip connects to the origin named by ex, writes the request and reads
// the response head. The body is left on the wire; the caller must close
// Reply.Body, which also closes the connection. On error no connection is
// left open.
//
// The context bounds the whole exchange, including reads from Reply.Body.
func (c *OriginClient) RoundTrip(ctx context.Context, ex *Exchange) (*Reply, error) {
	if err := validateExchange(ex); err != nil {
		return nil, err
	}

	addr, target := c.route(ex)

	c.logger.Debug("origin request",
		"method", ex.Method,
		"addr", addr,
		"target", target,
	)

	start := time.Now()
	conn, err := c.dial(ctx, addr)
	if err != nil {
		return nil, err
	}

	if c.timeout > 0 {
		_ = conn.SetDeadline(start.Add(c.timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		// Unblock any pending read or write.
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	fail := func(err error) (*Reply, error) {
		stop()
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		return nil, err
	}

	bw := bufio.NewWriter(conn)
	if err := writeRequest(bw, ex, target); err != nil {
		return fail(fmt.Errorf("write request: %w", err))
	}

	br := bufio.NewReader(conn)
	reply, err := readResponseHead(br)
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}

	body, err := bodyReader(ex.Method, reply, br)
	if err != nil {
		return fail(err)
	}
	reply.Body = &replyBody{r: body, conn: conn, stop: stop, ctx: ctx}

	if c.metrics != nil {
		method := metrics.NormalizeMethod(ex.Method)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(reply.StatusCode)).Inc()
	}

	return reply, nil
}

// route returns the address to dial and the request-target to send.
func (c *OriginClient) route(ex *Exchange) (addr, target string) {
	if c.parentProxy != "" {
		return withDefaultPort(c.parentProxy), "http://" + ex.Host + ex.Target
	}
	return withDefaultPort(ex.Host), ex.Target
}

func (c *OriginClient) dial(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		if c.metrics != nil {
			c.metrics.OriginDialErrors.Inc()
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("dial %s: %w: %w", addr, ctxErr, err)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if c.metrics == nil {
		return conn, nil
	}
	c.metrics.OriginConnsOpen.Inc()
	return &countedConn{Conn: conn, gauge: c.metrics.OriginConnsOpen.Dec}, nil
}

// withDefaultPort appends :80 when host carries no port.
func withDefaultPort(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), "80")
}

func validateExchange(ex *Exchange) error {
	if ex.Host == "" {
		return fmt.Errorf("%w: no origin host", ErrInvalidRequest)
	}
	if !httpguts.ValidHeaderFieldName(ex.Method) {
		return fmt.Errorf("%w: method %q", ErrInvalidRequest, ex.Method)
	}
	if ex.Target == "" || strings.ContainsAny(ex.Target, " \r\n") {
		return fmt.Errorf("%w: request target %q", ErrInvalidRequest, ex.Target)
	}
	for _, f := range ex.Header {
		if !httpguts.ValidHeaderFieldName(f.Name) {
			return fmt.Errorf("%w: header name %q", ErrInvalidRequest, f.Name)
		}
		if !httpguts.ValidHeaderFieldValue(f.Value) {
			return fmt.Errorf("%w: value of header %q", ErrInvalidRequest, f.Name)
		}
	}
	return nil
}

// writeRequest writes the request line, the header fields in order and the
// body. Host and Content-Length are added only when missing.
func writeRequest(bw *bufio.Writer, ex *Exchange, target string) error {
	fmt.Fprintf(bw, "%s %s HTTP/1.1\r\n", ex.Method, target)
	if !ex.Header.Has("Host") {
		fmt.Fprintf(bw, "Host: %s\r\n", ex.Host)
	}
	for _, f := range ex.Header {
		fmt.Fprintf(bw, "%s: %s\r\n", f.Name, f.Value)
	}
	if ex.Body != nil && !ex.Header.Has("Content-Length") && !ex.Header.Has("Transfer-Encoding") {
		fmt.Fprintf(bw, "Content-Length: %d\r\n", len(ex.Body))
	}
	bw.WriteString("\r\n")
	if len(ex.Body) > 0 {
		bw.Write(ex.Body)
	}
	return bw.Flush()
}

// countedConn reports its first Close to gauge.
type countedConn struct {
	net.Conn
	once  sync.Once
	gauge func()
}

func (c *countedConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(c.gauge)
	return err
}

// replyBody ties the response body to the connection it is read from.
type replyBody struct {
	r    io.Reader
	conn net.Conn
	stop func() bool
	ctx  context.Context

	once sync.Once
	err  error
}

func (b *replyBody) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF {
		if ctxErr := b.ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
	}
	return n, err
}

// Close closes the underlying connection. It is safe to call more than once.
func (b *replyBody) Close() error {
	b.once.Do(func() {
		b.stop()
		b.err = b.conn.Close()
	})
	return b.err
}
