package handler

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"filterproxy/internal/model"
)

// responder writes the engine's response to the client. It takes over the
// client connection and writes the status line and header fields exactly as
// given, so reason phrases and header casing survive. When the connection
// cannot be taken over (HTTP/2, recorders) it falls back to the header map and
// net/http chooses the reason phrase.
//
// A hijacked connection carries a single response and is closed afterwards.
type responder struct {
	c echo.Context

	conn net.Conn
	brw  *bufio.ReadWriter

	started bool
}

// WriteHead implements service.ResponseWriter.
func (r *responder) WriteHead(status string, header model.Header) error {
	code, err := statusCode(status)
	if err != nil {
		return err
	}

	res := r.c.Response()
	conn, brw, err := res.Hijack()
	switch {
	case err == nil:
		r.conn, r.brw = conn, brw
	case errors.Is(err, http.ErrNotSupported):
		return r.writeHeaderMap(code, header)
	default:
		return fmt.Errorf("hijack: %w", err)
	}

	r.started = true
	res.Status = code
	res.Committed = true

	fmt.Fprintf(brw, "HTTP/1.1 %s\r\n", status)
	for _, f := range header {
		fmt.Fprintf(brw, "%s: %s\r\n", f.Name, f.Value)
	}
	if _, err := brw.WriteString("\r\n"); err != nil {
		return err
	}
	return nil
}

func (r *responder) writeHeaderMap(code int, header model.Header) error {
	res := r.c.Response()
	h := res.Header()
	for _, f := range header {
		h[f.Name] = append(h[f.Name], f.Value)
	}
	r.started = true
	res.WriteHeader(code)
	return nil
}

// WriteBody implements service.ResponseWriter.
func (r *responder) WriteBody(body []byte) error {
	res := r.c.Response()
	if r.brw == nil {
		_, err := res.Write(body)
		return err
	}
	n, err := r.brw.Write(body)
	res.Size += int64(n)
	if err != nil {
		return err
	}
	return r.brw.Flush()
}

// close releases a hijacked connection.
func (r *responder) close() {
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

// statusCode extracts the numeric code from "200 OK".
func statusCode(status string) (int, error) {
	text, _, _ := strings.Cut(status, " ")
	code, err := strconv.Atoi(text)
	if err != nil || len(text) != 3 || code < 100 {
		return 0, fmt.Errorf("invalid status %q", status)
	}
	return code, nil
}
