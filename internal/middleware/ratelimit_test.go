package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"opsdesk-proxy/internal/config"
	"opsdesk-proxy/internal/middleware"
)

func TestRateLimit_Enabled(t *testing.T) {
	e := echo.New()
	// 1 request per second, burst of 1: later requests should be rejected.
	e.Use(middleware.RateLimit(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	var limited *httptest.ResponseRecorder
	for range 10 {
		req = httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			limited = rec
			break
		}
	}
	if limited == nil {
		t.Fatal("expected at least one 429 response after burst, got none")
	}

	var body map[string]string
	if err := json.Unmarshal(limited.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "rate limit exceeded" {
		t.Errorf("error = %q, want %q", body["error"], "rate limit exceeded")
	}
}

func TestRateLimit_PerClient(t *testing.T) {
	e := echo.New()
	e.Use(middleware.RateLimit(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}))
	e.GET("/test", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for _, ip := range []string{"10.0.0.1:1234", "10.0.0.2:1234", "10.0.0.3:1234"} {
		req := httptest.NewRequest(http.MethodGet, "/test", http.NoBody)
		req.RemoteAddr = ip
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("first request from %s: status = %d, want %d", ip, rec.Code, http.StatusOK)
		}
	}
}
