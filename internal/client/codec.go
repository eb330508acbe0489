package client

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"

	"filterproxy/internal/model"
)

// readResponseHead reads a status line and its header block, skipping interim
// 1xx responses other than 101. Header fields keep their order and casing.
func readResponseHead(br *bufio.Reader) (*Reply, error) {
	tp := textproto.NewReader(br)
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		proto, code, reason, err := parseStatusLine(line)
		if err != nil {
			return nil, err
		}
		header, err := readHeader(tp)
		if err != nil {
			return nil, err
		}
		if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
			continue
		}
		return &Reply{
			Proto:      proto,
			StatusCode: code,
			Reason:     reason,
			Header:     header,
		}, nil
	}
}

// parseStatusLine splits "HTTP/1.1 200 OK". The reason phrase may be empty.
func parseStatusLine(line string) (proto string, code int, reason string, err error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return "", 0, "", fmt.Errorf("%w: status line %q", ErrMalformedResponse, line)
	}
	codeText, reason, _ := strings.Cut(rest, " ")
	if len(codeText) != 3 {
		return "", 0, "", fmt.Errorf("%w: status code in %q", ErrMalformedResponse, line)
	}
	code, err = strconv.Atoi(codeText)
	if err != nil || code < 100 {
		return "", 0, "", fmt.Errorf("%w: status code in %q", ErrMalformedResponse, line)
	}
	return proto, code, reason, nil
}

// readHeader reads header lines up to the blank line. Folded continuation
// lines are joined onto the field they continue.
func readHeader(tp *textproto.Reader) (model.Header, error) {
	var h model.Header
	for {
		line, err := tp.ReadContinuedLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			return h, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" || strings.TrimSpace(name) != name {
			return nil, fmt.Errorf("%w: header line %q", ErrMalformedResponse, line)
		}
		h.Add(name, strings.TrimSpace(value))
	}
}

// bodyReader frames the response body according to RFC 9112 section 6.3.
func bodyReader(method string, reply *Reply, br *bufio.Reader) (io.Reader, error) {
	code := reply.StatusCode
	if method == http.MethodHead || code < 200 || code == http.StatusNoContent || code == http.StatusNotModified {
		return strings.NewReader(""), nil
	}

	if te := reply.Header.Values("Transfer-Encoding"); len(te) > 0 {
		codings := strings.Split(te[len(te)-1], ",")
		if strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			// The body is handed on de-chunked, so neither framing header
			// describes it. Transfer-Encoding overrides Content-Length.
			reply.Header.Del("Transfer-Encoding")
			reply.Header.Del("Content-Length")
			return httputil.NewChunkedReader(br), nil
		}
		return br, nil
	}

	if cl := reply.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: content-length %q", ErrMalformedResponse, cl)
		}
		return &exactReader{r: br, left: n}, nil
	}

	return br, nil
}

// exactReader yields exactly left bytes and reports io.ErrUnexpectedEOF when
// the source ends early.
type exactReader struct {
	r    io.Reader
	left int64
}

func (e *exactReader) Read(p []byte) (int, error) {
	if e.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > e.left {
		p = p[:e.left]
	}
	n, err := e.r.Read(p)
	e.left -= int64(n)
	if err == io.EOF && e.left > 0 {
		err = io.ErrUnexpectedEOF
	}
	if err == io.EOF {
		err = nil
	}
	if e.left == 0 && err == nil {
		return n, io.EOF
	}
	return n, err
}
