// Package origintest provides a loopback origin server that speaks raw
// HTTP/1.x bytes, for tests that must control or observe exact wire content.
package origintest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"filterproxy/internal/model"
)

// Request is what the origin received on one connection.
type Request struct {
	Line   string // request line
	Header model.Header
	Body   []byte
	Raw    string // request line, header block and body exactly as read
}

// Handler returns the raw bytes to answer req with, and whether the server
// should close the connection right after writing them.
type Handler func(req *Request) (raw string, closeAfter bool)

// Reply answers every request with raw and waits for the client to close.
func Reply(raw string) Handler {
	return func(*Request) (string, bool) { return raw, false }
}

// ReplyAndClose answers every request with raw and closes the connection,
// delimiting a body that has no length.
func ReplyAndClose(raw string) Handler {
	return func(*Request) (string, bool) { return raw, true }
}

// Server is a loopback origin. Each connection carries one exchange.
type Server struct {
	Addr string

	ln      net.Listener
	handler Handler
	wg      sync.WaitGroup

	mu         sync.Mutex
	requests   []*Request
	accepted   int
	peerClosed int
}

// NewServer starts a Server on an ephemeral loopback port.
func NewServer(h Handler) *Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(fmt.Sprintf("origintest: listen: %v", err))
	}
	s := &Server{Addr: ln.Addr().String(), ln: ln, handler: h}
	s.wg.Add(1)
	go s.serve()
	return s
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	br := bufio.NewReader(conn)
	req, err := ReadRequest(br)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	raw, closeAfter := s.handler(req)
	if _, err := io.WriteString(conn, raw); err != nil || closeAfter {
		return
	}

	// Wait for the client to hang up.
	if _, err := io.Copy(io.Discard, br); err == nil {
		s.mu.Lock()
		s.peerClosed++
		s.mu.Unlock()
	}
}

// Close stops the listener and waits for open connections to finish.
func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

// Requests returns the requests received so far.
func (s *Server) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.requests...)
}

// Accepted returns the number of connections accepted.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// PeerClosed returns the number of connections the client closed after the
// reply was written. Only meaningful once Close has returned.
func (s *Server) PeerClosed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerClosed
}

// ReadRequest reads one request head and a Content-Length delimited body.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	var raw strings.Builder
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	raw.WriteString(line + "\r\n")

	req := &Request{Line: line}
	for {
		l, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		raw.WriteString(l + "\r\n")
		if l == "" {
			break
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			return nil, errors.New("origintest: bad header line " + strconv.Quote(l))
		}
		req.Header.Add(name, strings.TrimSpace(value))
	}

	if cl := req.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, err
		}
		req.Body = make([]byte, n)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			return nil, err
		}
		raw.Write(req.Body)
	}
	req.Raw = raw.String()
	return req, nil
}

// Exchange dials addr, writes raw and returns everything read until the peer
// closes the connection.
func Exchange(addr, raw string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	if _, err := io.WriteString(conn, raw); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	return string(out), err
}

// CountingDialer dials TCP and counts connections opened and closed.
type CountingDialer struct {
	net.Dialer

	mu     sync.Mutex
	opened int
	closed int
}

// DialContext implements client.Dialer.
func (d *CountingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &countingConn{Conn: conn, d: d}, nil
}

// Opened returns the number of successful dials.
func (d *CountingDialer) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Closed returns the number of Close calls on dialed connections.
func (d *CountingDialer) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type countingConn struct {
	net.Conn
	d *CountingDialer
}

func (c *countingConn) Close() error {
	c.d.mu.Lock()
	c.d.closed++
	c.d.mu.Unlock()
	return c.Conn.Close()
}
