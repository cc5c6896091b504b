// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"opsdesk-proxy/internal/config"
	"opsdesk-proxy/internal/metrics"
	"opsdesk-proxy/internal/model"
)

// Upstream performs a single logical upstream call.
type Upstream interface {
	Do(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResponse, error)
}

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	client       Upstream
	logger       *slog.Logger
	metrics      *metrics.Metrics
	baseURL      string
	apiKey       string
	noCachePaths []string
}

// NewProxyService creates a ProxyService. The metrics parameter is optional.
func NewProxyService(c Upstream, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	paths := make([]string, 0, len(cfg.Proxy.NoCachePaths))
	for _, p := range cfg.Proxy.NoCachePaths {
		paths = append(paths, strings.Trim(p, "/"))
	}

	return &ProxyService{
		client:       c,
		logger:       logger.With("component", "proxy_service"),
		metrics:      m,
		baseURL:      cfg.Upstream.BaseURL,
		apiKey:       cfg.Upstream.APIKey,
		noCachePaths: paths,
	}
}

// Forward sends a ProxyRequest to the upstream API and returns the buffered response.
//
// If the request carries no Authorization header and no API key is configured,
// ErrMissingAPIKey is returned and nothing is sent upstream. Upstream error
// statuses are not errors: they are returned as responses and relayed verbatim.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	header, err := FilterRequestHeaders(pr.Header, s.apiKey)
	if err != nil {
		return nil, err
	}

	noStore := s.isNoCachePath(pr.Path)
	ur := &model.UpstreamRequest{
		Method: pr.Method,
		URL:    BuildTargetURL(s.baseURL, pr.Path, pr.RawQuery),
		Header: header,
		Body:   requestBody(pr.Method, pr.Body),
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"no_store", noStore,
	)

	resp, err := s.client.Do(pr.Ctx, ur)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = relayResponseHeaders(resp.Header, pr.Method, len(resp.Body))
	if noStore {
		applyNoCache(resp.Header)
		if s.metrics != nil {
			s.metrics.NoCacheOverrides.Inc()
		}
	}
	return resp, nil
}

// BuildTargetURL joins the upstream base URL and the inbound path with exactly
// one slash and appends the raw query unchanged.
func BuildTargetURL(baseURL, path, rawQuery string) string {
	target := strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// isNoCachePath reports whether path names a polling endpoint.
func (s *ProxyService) isNoCachePath(path string) bool {
	p := strings.Trim(path, "/")
	for _, suffix := range s.noCachePaths {
		if p == suffix || strings.HasSuffix(p, "/"+suffix) {
			return true
		}
	}
	return false
}

// requestBody applies the body policy: GET and HEAD never carry a body and an
// empty body is sent as no body at all.
func requestBody(method string, body []byte) []byte {
	if method == http.MethodGet || method == http.MethodHead || len(body) == 0 {
		return nil
	}
	return body
}
