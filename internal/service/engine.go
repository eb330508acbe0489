// Package service implements the request pipeline: build the request, run the
// request filter, forward to the origin, run the response filter, respond.
package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"filterproxy/internal/client"
	"filterproxy/internal/config"
	"filterproxy/internal/filter"
	"filterproxy/internal/metrics"
	"filterproxy/internal/model"
	"filterproxy/internal/trace"
)

// Transport performs one exchange with an origin server. Closing the reply
// body releases the connection.
type Transport interface {
	RoundTrip(ctx context.Context, ex *client.Exchange) (*client.Reply, error)
}

// ResponseWriter sends the final response to the client.
type ResponseWriter interface {
	// WriteHead sends the status ("200 OK") and the header fields in order.
	WriteHead(status string, header model.Header) error
	WriteBody(body []byte) error
}

// Engine runs the pipeline for one request at a time per caller. It holds
// only read-only state and is safe for concurrent use.
type Engine struct {
	transport    Transport
	filters      filter.Set
	sink         trace.Sink
	allowedHosts map[string]bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewEngine creates an Engine. A nil sink discards trace records and a nil
// metrics disables pipeline error counting.
func NewEngine(t Transport, filters filter.Set, cfg *config.Config, sink trace.Sink, logger *slog.Logger, m *metrics.Metrics) *Engine {
	if sink == nil {
		sink = trace.Discard
	}

	var allowed map[string]bool
	if len(cfg.Upstream.AllowedHosts) > 0 {
		allowed = make(map[string]bool, len(cfg.Upstream.AllowedHosts))
		for _, h := range cfg.Upstream.AllowedHosts {
			allowed[hostname(h)] = true
		}
	}

	return &Engine{
		transport:    t,
		filters:      filters,
		sink:         sink,
		allowedHosts: allowed,
		logger:       logger.With("component", "engine"),
		metrics:      m,
	}
}

// Serve runs the whole pipeline for one request. Nothing is written to w
// unless every stage before the responder succeeded.
//
// Filter errors are returned unchanged; responder errors are wrapped.
func (e *Engine) Serve(ctx context.Context, env model.Environ, body io.Reader, w ResponseWriter) error {
	req, err := e.BuildRequest(env, body)
	if err != nil {
		e.countFailure(metrics.StageBuild)
		return err
	}

	if err := e.filters.RequestOrNop().FilterRequest(req); err != nil {
		e.countFailure(metrics.StageRequestFilter)
		return err
	}

	resp, err := e.Forward(ctx, req)
	if err != nil {
		e.countFailure(metrics.StageForward)
		return err
	}

	if err := e.filters.ResponseOrNop().FilterResponse(resp); err != nil {
		e.countFailure(metrics.StageResponseFilter)
		return err
	}

	if err := e.Respond(w, resp); err != nil {
		e.countFailure(metrics.StageRespond)
		return fmt.Errorf("respond: %w", err)
	}
	return nil
}

// BuildRequest turns inbound metadata and the request body source into a
// RequestContext. When CONTENT_LENGTH is present exactly that many bytes are
// read from body, whatever else it holds; otherwise the request is bodyless
// and body is not touched.
func (e *Engine) BuildRequest(env model.Environ, body io.Reader) (*model.RequestContext, error) {
	if e.sink.Enabled() {
		for _, v := range env {
			e.sink.Emit("environ", "key", v.Key, "value", v.Value)
		}
	}

	req := &model.RequestContext{
		Method: env.Get(model.EnvRequestMethod),
		Scheme: env.Get(model.EnvURLScheme),
		Host:   env.Get(model.EnvServerName),
		Path:   env.Get(model.EnvPathInfo),
		Query:  env.Get(model.EnvQueryString),
	}
	if req.Method == "" {
		return nil, &MalformedRequestError{Field: model.EnvRequestMethod}
	}
	if req.Host == "" {
		return nil, &MalformedRequestError{Field: model.EnvServerName}
	}
	if req.Path == "" {
		req.Path = "/"
	}

	for _, v := range env {
		if name, ok := headerName(v.Key); ok {
			req.Header.Add(name, v.Value)
		}
	}

	raw, ok := env.Lookup(model.EnvContentLength)
	if !ok {
		e.sink.Emit("no request body")
		return req, nil
	}

	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return nil, &MalformedRequestError{Field: model.EnvContentLength, Value: raw, Cause: err}
	}
	if n < 0 {
		return nil, &MalformedRequestError{Field: model.EnvContentLength, Value: raw}
	}

	// Memory grows with the bytes received, not with the declared length.
	var buf bytes.Buffer
	if copied, err := io.CopyN(&buf, body, n); err != nil || copied < n {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, &MalformedRequestError{Field: "body", Value: raw, Cause: err}
	}
	req.ContentLength = n
	req.Body = buf.Bytes()
	if req.Body == nil {
		// A declared zero length still marks the request as having a body.
		req.Body = []byte{}
	}

	e.sink.Emit("request body", "bytes", n, "body", buf.String())
	return req, nil
}

// headerName reconstructs a header name from an HTTP_<NAME> environ key.
// Underscores become dashes, so a name that really contained an underscore
// comes back with a dash.
func headerName(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, model.EnvHeaderPrefix)
	if !ok || rest == "" {
		return "", false
	}
	return http.CanonicalHeaderKey(strings.ReplaceAll(rest, "_", "-")), true
}

// Forward sends req to its origin over a fresh connection and returns the
// fully read response. The connection is closed before Forward returns,
// whatever the outcome.
func (e *Engine) Forward(ctx context.Context, req *model.RequestContext) (*model.ResponseContext, error) {
	if e.allowedHosts != nil && !e.allowedHosts[hostname(req.Host)] {
		return nil, &ForwardingError{Op: "allow", Host: req.Host, Cause: ErrHostNotAllowed}
	}

	e.logger.Debug("forwarding request",
		"method", req.Method,
		"host", req.Host,
		"path", req.Path,
	)

	reply, err := e.transport.RoundTrip(ctx, &client.Exchange{
		Host:   req.Host,
		Method: req.Method,
		Target: req.Target(),
		Header: req.Header,
		Body:   req.Body,
	})
	if err != nil {
		return nil, &ForwardingError{Op: "round trip", Host: req.Host, Cause: err}
	}
	defer func() { _ = reply.Body.Close() }()

	if e.sink.Enabled() {
		e.sink.Emit("origin response", "status", strconv.Itoa(reply.StatusCode)+" "+reply.Reason)
		for _, f := range reply.Header {
			e.sink.Emit("origin header", "name", f.Name, "value", f.Value)
		}
	}

	body, err := io.ReadAll(reply.Body)
	if err != nil {
		return nil, &ForwardingError{Op: "read body", Host: req.Host, Cause: err}
	}
	e.sink.Emit("origin body", "bytes", len(body))

	return &model.ResponseContext{
		StatusCode: reply.StatusCode,
		Reason:     reply.Reason,
		Header:     reply.Header,
		Body:       body,
	}, nil
}

// Respond writes resp to w exactly as it is: status, header fields in order
// and body. No header is added or recomputed.
func (e *Engine) Respond(w ResponseWriter, resp *model.ResponseContext) error {
	status := resp.Status()
	if e.sink.Enabled() {
		e.sink.Emit("response", "status", status)
		for _, f := range resp.Header {
			e.sink.Emit("response header", "name", f.Name, "value", f.Value)
		}
	}

	if err := w.WriteHead(status, resp.Header); err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	if err := w.WriteBody(resp.Body); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

func (e *Engine) countFailure(stage string) {
	if e.metrics != nil {
		e.metrics.PipelineErrors.WithLabelValues(stage).Inc()
	}
}

// hostname returns the lower-cased host part of host or host:port.
func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
