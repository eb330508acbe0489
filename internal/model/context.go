// Package model defines the per-request records passed through the proxy pipeline.
package model

import (
	"mime"
	"strconv"
	"strings"
)

// RequestContext describes one inbound request after its body has been read.
// It is owned by the goroutine serving the request.
type RequestContext struct {
	Method string
	Scheme string
	Host   string
	Path   string
	Query  string
	Header Header

	// ContentLength is the declared body length; 0 when none was declared.
	ContentLength int64
	// Body is nil when the request declared no length.
	Body []byte
}

// Target returns the request-target sent on the request line.
func (r *RequestContext) Target() string {
	if r.Query == "" {
		return r.Path
	}
	return r.Path + "?" + r.Query
}

// HasBody reports whether the request declared a body length.
func (r *RequestContext) HasBody() bool {
	return r.Body != nil
}

// Clone returns a deep copy of r.
func (r *RequestContext) Clone() *RequestContext {
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte{}, r.Body...)
	}
	return &c
}

// ResponseContext holds the response received from the origin, or whatever a
// response filter replaced it with.
type ResponseContext struct {
	StatusCode int
	Reason     string
	Header     Header
	Body       []byte
}

// Status returns the status line text, e.g. "200 OK".
func (r *ResponseContext) Status() string {
	return strconv.Itoa(r.StatusCode) + " " + r.Reason
}

// ContentType returns the lower-cased media type of the Content-Type header
// without parameters, or "" when the header is missing.
func (r *ResponseContext) ContentType() string {
	raw := strings.TrimSpace(r.Header.Get("Content-Type"))
	if raw == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return strings.ToLower(raw)
	}
	return mt
}

// Replace discards the current response and installs a new one whose
// headers describe exactly the given body.
func (r *ResponseContext) Replace(status int, reason, contentType string, body []byte) {
	r.StatusCode = status
	r.Reason = reason
	r.Body = body
	r.Header = Header{
		{Name: "Content-Type", Value: contentType},
		{Name: "Content-Length", Value: strconv.Itoa(len(body))},
	}
}

// Deny replaces the response with a plain-text "<status> <reason>" page.
func (r *ResponseContext) Deny(status int, reason string) {
	r.Replace(status, reason, "text/plain", []byte(strconv.Itoa(status)+" "+reason))
}

// Clone returns a deep copy of r.
func (r *ResponseContext) Clone() *ResponseContext {
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte{}, r.Body...)
	}
	return &c
}
