// Package filter defines the inspection hooks run around the origin round trip
// and a few ready-made policies.
package filter

import (
	"filterproxy/internal/model"
)

// RequestFilter inspects or rewrites a request after its body has been read
// and before the origin is contacted.
type RequestFilter interface {
	FilterRequest(req *model.RequestContext) error
}

// ResponseFilter inspects or rewrites a response after its body has been read
// and the origin connection closed.
type ResponseFilter interface {
	FilterResponse(resp *model.ResponseContext) error
}

// RequestFilterFunc adapts a function to RequestFilter.
type RequestFilterFunc func(req *model.RequestContext) error

// FilterRequest calls f(req).
func (f RequestFilterFunc) FilterRequest(req *model.RequestContext) error { return f(req) }

// ResponseFilterFunc adapts a function to ResponseFilter.
type ResponseFilterFunc func(resp *model.ResponseContext) error

// FilterResponse calls f(resp).
func (f ResponseFilterFunc) FilterResponse(resp *model.ResponseContext) error { return f(resp) }

// Nop leaves both sides untouched.
var Nop nop

type nop struct{}

func (nop) FilterRequest(*model.RequestContext) error   { return nil }
func (nop) FilterResponse(*model.ResponseContext) error { return nil }

// RequestChain runs filters in order and stops at the first error.
type RequestChain []RequestFilter

// FilterRequest implements RequestFilter.
func (c RequestChain) FilterRequest(req *model.RequestContext) error {
	for _, f := range c {
		if err := f.FilterRequest(req); err != nil {
			return err
		}
	}
	return nil
}

// ResponseChain runs filters in order and stops at the first error.
type ResponseChain []ResponseFilter

// FilterResponse implements ResponseFilter.
func (c ResponseChain) FilterResponse(resp *model.ResponseContext) error {
	for _, f := range c {
		if err := f.FilterResponse(resp); err != nil {
			return err
		}
	}
	return nil
}

// Set is the pair of hooks installed on an engine. Nil members mean Nop.
type Set struct {
	Request  RequestFilter
	Response ResponseFilter
}

// RequestOrNop returns s.Request, or Nop when unset.
func (s Set) RequestOrNop() RequestFilter {
	if s.Request == nil {
		return Nop
	}
	return s.Request
}

// ResponseOrNop returns s.Response, or Nop when unset.
func (s Set) ResponseOrNop() ResponseFilter {
	if s.Response == nil {
		return Nop
	}
	return s.Response
}
