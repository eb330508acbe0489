package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"filterproxy/internal/config"
	"filterproxy/internal/metrics"
)

// RegisterProxyRoutes sends every path and method to the proxy handler.
func RegisterProxyRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires health, status and, when enabled, metrics onto the
// admin listener.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
