package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"opsdesk-proxy/internal/client"
	"opsdesk-proxy/internal/metrics"
	"opsdesk-proxy/internal/middleware"
	"opsdesk-proxy/internal/service"
)

func TestRegisterRoutes_Wiring(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL, "test-key")
	logger := discardLogger()
	m := metrics.New(cfg.Server.RoutePrefix, cfg.Metrics.Path)
	uc := client.NewUpstreamClient(cfg, logger, m, nil)
	svc := service.NewProxyService(uc, cfg, logger, m)

	proxy := NewProxyHandler(svc, cfg, logger)
	health := NewHealthHandler(cfg, "test")

	e := echo.New()
	e.Use(middleware.Metrics(m))
	RegisterRoutes(e, cfg, proxy, health, m)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", http.StatusOK},
		{"GET proxied", http.MethodGet, "/api/proxy/api/v1/tickets?status=ABERTO", http.StatusOK},
		{"POST proxied", http.MethodPost, "/api/proxy/api/v1/tickets", http.StatusOK},
		{"PUT proxied", http.MethodPut, "/api/proxy/api/v1/tickets/1", http.StatusOK},
		{"PATCH proxied", http.MethodPatch, "/api/proxy/api/v1/tickets/1", http.StatusOK},
		{"DELETE proxied", http.MethodDelete, "/api/proxy/api/v1/tickets/1", http.StatusOK},
		{"OPTIONS proxied", http.MethodOptions, "/api/proxy/api/v1/tickets", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"outside prefix", http.MethodGet, "/api/v1/tickets", http.StatusNotFound},
		{"unknown", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), "opsdesk_proxy_http_requests_total") {
		t.Error("metrics endpoint should expose opsdesk_proxy_http_requests_total")
	}
	if !strings.Contains(rec.Body.String(), "opsdesk_proxy_upstream_responses_total") {
		t.Error("metrics endpoint should expose opsdesk_proxy_upstream_responses_total")
	}
}

func TestRegisterRoutes_MetricsDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "k")
	logger := discardLogger()
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil, nil), cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, cfg, NewProxyHandler(svc, cfg, logger), NewHealthHandler(cfg, "test"), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterRoutes_UnsupportedMethod(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1", "k")
	logger := discardLogger()
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil, nil), cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, cfg, NewProxyHandler(svc, cfg, logger), NewHealthHandler(cfg, "test"), nil)

	req := httptest.NewRequest(http.MethodTrace, "/api/proxy/api/v1/tickets", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestRegisterRoutes_BodyLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Error("oversized body must not reach the upstream")
	}))
	defer upstream.Close()

	cfg := testConfig(upstream.URL, "k")
	logger := discardLogger()
	svc := service.NewProxyService(client.NewUpstreamClient(cfg, logger, nil, nil), cfg, logger, nil)

	e := echo.New()
	e.Use(echomw.BodyLimit("16B"))
	RegisterRoutes(e, cfg, NewProxyHandler(svc, cfg, logger), NewHealthHandler(cfg, "test"), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/proxy/api/v1/anexos", strings.NewReader(strings.Repeat("x", 64)))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusRequestEntityTooLarge)
	}
}
