package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"opsdesk-proxy/internal/config"
	"opsdesk-proxy/internal/model"
	"opsdesk-proxy/internal/service"
)

// bearerPattern matches bearer credentials embedded in error messages.
var bearerPattern = regexp.MustCompile(`(?i)(bearer\s+)[^\s"',]+`)

// ProxyHandler forwards requests under the route prefix to the upstream API.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	prefix  string
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		prefix:  cfg.Server.RoutePrefix,
	}
}

// Handle relays the request to the upstream API and writes the buffered
// upstream response back with its status, headers and body.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Path:     strings.TrimPrefix(req.URL.EscapedPath(), h.prefix),
		RawQuery: req.URL.RawQuery,
		Header:   req.Header,
	}

	if req.Method != http.MethodGet && req.Method != http.MethodHead && req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			var he *echo.HTTPError
			if errors.As(err, &he) {
				return he
			}
			h.logger.Warn("reading request body", "err", err, "path", req.URL.Path)
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
		}
		pr.Body = body
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}

	// Upstream values replace anything set earlier by middleware.
	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	if req.Method == http.MethodHead || len(resp.Body) == 0 {
		return nil
	}
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrMissingAPIKey) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": service.ErrMissingAPIKey.Error(),
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts bearer tokens from error messages.
func sanitizeError(err error) string {
	return bearerPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
