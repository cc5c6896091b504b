package metrics

import (
	"testing"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New("/api/proxy", "/metrics")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	// Should include at least Go runtime and process collectors.
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.RequestsTotal.WithLabelValues("GET", "200", "/api/proxy").Inc()
	m.NoCacheOverrides.Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"opsdesk_proxy_http_requests_total":      false,
		"opsdesk_proxy_no_cache_overrides_total": false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNormalizeMethod(t *testing.T) {
	tests := []struct {
		method string
		want   string
	}{
		{"GET", "GET"},
		{"POST", "POST"},
		{"PUT", "PUT"},
		{"DELETE", "DELETE"},
		{"PATCH", "PATCH"},
		{"HEAD", "HEAD"},
		{"OPTIONS", "OPTIONS"},
		{"FOOBAR", "other"},
		{"get", "other"},
		{"X-CUSTOM", "other"},
		{"", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			got := NormalizeMethod(tt.method)
			if got != tt.want {
				t.Errorf("NormalizeMethod(%q) = %q, want %q", tt.method, got, tt.want)
			}
		})
	}
}

func TestNormalizePath(t *testing.T) {
	m := New("/api/proxy", "/metrics")

	tests := []struct {
		path string
		want string
	}{
		{"/api/proxy/api/v1/tickets", "/api/proxy"},
		{"/api/proxy/whatsapp/qr", "/api/proxy"},
		{"/api/proxy", "/api/proxy"},
		{"/api/proxyx", "other"},
		{"/healthz", "/healthz"},
		{"/status", "/status"},
		{"/metrics", "/metrics"},
		{"/unknown", "other"},
		{"/", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := m.NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestNormalizePath_ConfiguredMetricsPath(t *testing.T) {
	m := New("/api/proxy", "/internal/metrics")

	tests := []struct {
		path string
		want string
	}{
		{"/internal/metrics", "/internal/metrics"},
		{"/metrics", "other"},
		{"/internal/metricsx", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := m.NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
