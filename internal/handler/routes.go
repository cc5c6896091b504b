package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"opsdesk-proxy/internal/config"
	"opsdesk-proxy/internal/metrics"
)

// proxyMethods are the inbound methods relayed to the upstream API.
var proxyMethods = []string{
	http.MethodGet,
	http.MethodPost,
	http.MethodPut,
	http.MethodPatch,
	http.MethodDelete,
	http.MethodOptions,
}

// RegisterRoutes wires all route handlers onto the Echo instance.
// The metrics endpoint is only registered when m is non-nil.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	if m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Match(proxyMethods, cfg.Server.RoutePrefix+"/*", proxy.Handle)
}
