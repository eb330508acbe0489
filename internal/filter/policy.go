package filter

import (
	"bytes"
	"net/http"
	"strings"

	"filterproxy/internal/config"
	"filterproxy/internal/model"
)

// DefaultDenyReason is the reason phrase used when a policy blocks a response.
const DefaultDenyReason = "Unauthorized by policy"

// ContentTypeBlocker replaces responses whose media type is listed with a
// plain-text denial.
type ContentTypeBlocker struct {
	types  map[string]bool
	status int
	reason string
}

// BlockContentTypes returns a ContentTypeBlocker answering 403 for the given
// media types.
func BlockContentTypes(types ...string) *ContentTypeBlocker {
	b := &ContentTypeBlocker{
		types:  make(map[string]bool, len(types)),
		status: http.StatusForbidden,
		reason: DefaultDenyReason,
	}
	for _, t := range types {
		b.types[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return b
}

// WithDenial overrides the status and reason of the denial page.
func (b *ContentTypeBlocker) WithDenial(status int, reason string) *ContentTypeBlocker {
	b.status = status
	b.reason = reason
	return b
}

// FilterResponse implements ResponseFilter.
func (b *ContentTypeBlocker) FilterResponse(resp *model.ResponseContext) error {
	if b.types[resp.ContentType()] {
		resp.Deny(b.status, b.reason)
	}
	return nil
}

// peMagic starts every DOS/Windows executable.
var peMagic = []byte("MZ")

// ExecutableBlocker denies responses carrying a Windows executable, whatever
// their declared type.
type ExecutableBlocker struct {
	status int
	reason string
}

// BlockExecutables returns an ExecutableBlocker answering 403.
func BlockExecutables() *ExecutableBlocker {
	return &ExecutableBlocker{status: http.StatusForbidden, reason: DefaultDenyReason}
}

// WithDenial overrides the status and reason of the denial page.
func (b *ExecutableBlocker) WithDenial(status int, reason string) *ExecutableBlocker {
	b.status = status
	b.reason = reason
	return b
}

// FilterResponse implements ResponseFilter.
func (b *ExecutableBlocker) FilterResponse(resp *model.ResponseContext) error {
	if bytes.HasPrefix(resp.Body, peMagic) {
		resp.Deny(b.status, b.reason)
	}
	return nil
}

// FromConfig builds the filters enabled in the [filter] section. Both sides
// are Nop when nothing is configured.
func FromConfig(cfg config.FilterConfig) Set {
	if cfg.DenyStatus == 0 {
		cfg.DenyStatus = http.StatusForbidden
	}
	if cfg.DenyReason == "" {
		cfg.DenyReason = DefaultDenyReason
	}

	var chain ResponseChain
	if len(cfg.BlockContentTypes) > 0 {
		chain = append(chain, BlockContentTypes(cfg.BlockContentTypes...).WithDenial(cfg.DenyStatus, cfg.DenyReason))
	}
	if cfg.BlockExecutables {
		chain = append(chain, BlockExecutables().WithDenial(cfg.DenyStatus, cfg.DenyReason))
	}

	set := Set{Request: Nop, Response: Nop}
	if len(chain) > 0 {
		set.Response = chain
	}
	return set
}
