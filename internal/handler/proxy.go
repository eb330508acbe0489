package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"

	"filterproxy/internal/config"
	"filterproxy/internal/model"
	"filterproxy/internal/service"
)

// credentialPattern matches credential-looking query parameters in request
// targets embedded in error messages.
var credentialPattern = regexp.MustCompile(`(?i)((?:api_?key|access_token|token|password|secret)=)[^&\s"]+`)

// ProxyHandler hands every inbound request to the engine.
type ProxyHandler struct {
	engine      *service.Engine
	defaultHost string
	logger      *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(engine *service.Engine, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		engine:      engine,
		defaultHost: cfg.Upstream.DefaultHost,
		logger:      logger.With("component", "proxy_handler"),
	}
}

// Handle runs the pipeline for one request on the calling goroutine.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	if req.Method == http.MethodConnect {
		return c.JSON(http.StatusMethodNotAllowed, map[string]string{
			"error": "tunneling is not supported",
		})
	}

	env := Environ(req, h.defaultHost, c.Response().Header().Get(echo.HeaderXRequestID))

	w := &responder{c: c}
	defer w.close()

	err := h.engine.Serve(req.Context(), env, req.Body, w)
	if err == nil {
		return nil
	}
	if w.started {
		// The client already has part of the response.
		h.logger.Error("response aborted",
			"err", sanitizeError(err),
			"host", req.Host,
			"path", req.URL.Path,
		)
		return nil
	}
	return h.mapError(c, err)
}

// Environ encodes an inbound request as the metadata the engine builds its
// RequestContext from. The target host is the absolute-form host when the
// client sent one, else defaultHost, else the Host header.
func Environ(r *http.Request, defaultHost, requestID string) model.Environ {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	host := r.URL.Host
	if host == "" {
		host = defaultHost
	}
	if host == "" {
		host = r.Host
	}

	env := model.Environ{
		{Key: model.EnvRequestMethod, Value: r.Method},
		{Key: model.EnvURLScheme, Value: scheme},
		{Key: model.EnvServerName, Value: host},
		{Key: model.EnvPathInfo, Value: r.URL.EscapedPath()},
		{Key: model.EnvQueryString, Value: r.URL.RawQuery},
	}
	if cl, ok := r.Header["Content-Length"]; ok && len(cl) > 0 {
		env.Add(model.EnvContentLength, cl[0])
	}
	if requestID != "" {
		env.Add(model.EnvRequestID, requestID)
	}

	// net/http moves Host out of the header map; put it back first.
	if r.Host != "" {
		env.Add(envHeaderKey("Host"), r.Host)
	}
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range r.Header[name] {
			env.Add(envHeaderKey(name), v)
		}
	}
	return env
}

func envHeaderKey(name string) string {
	return model.EnvHeaderPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"host", c.Request().Host,
		"path", c.Request().URL.Path,
	)

	// Errors raised by echo middleware, e.g. the body limit.
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}

	if errors.Is(err, service.ErrMalformedRequest) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "malformed request",
		})
	}

	if errors.Is(err, service.ErrHostNotAllowed) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": "origin host not allowed",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	if errors.Is(err, service.ErrForwarding) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request failed",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "filter failed",
	})
}

// sanitizeError redacts credentials from error messages that may contain
// request targets.
func sanitizeError(err error) string {
	return credentialPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
