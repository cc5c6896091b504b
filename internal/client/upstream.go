// Package client provides the upstream HTTP client for the operations API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"opsdesk-proxy/internal/config"
	"opsdesk-proxy/internal/metrics"
	"opsdesk-proxy/internal/model"
	"opsdesk-proxy/internal/tracing"
)

// idempotentMethods may be re-sent after a transport failure.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
}

// UpstreamClient sends requests to the upstream API.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics

	maxAttempts int
	maxElapsed  time.Duration
	// initialInterval is the first retry delay; tests shorten it.
	initialInterval time.Duration
}

// NewUpstreamClient creates an UpstreamClient with connection pooling and timeouts.
// Redirects are never followed: the 3xx response itself is returned to the caller.
// The metrics and tracing parameters are optional; pass nil to disable them.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracing) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	maxAttempts := cfg.Upstream.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: tr.Transport(transport),
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:          logger.With("component", "upstream_client"),
		metrics:         m,
		maxAttempts:     maxAttempts,
		maxElapsed:      time.Duration(cfg.Upstream.Retry.MaxElapsedSeconds) * time.Second,
		initialInterval: 200 * time.Millisecond,
	}
}

// Do executes ur against the upstream and returns the fully buffered, decoded
// response. The context controls the lifetime of every attempt: when it is
// canceled (e.g. the client disconnects), the upstream call is canceled too.
//
// Idempotent requests that fail before any response arrives are retried with
// exponential backoff. An HTTP response of any status is final.
func (c *UpstreamClient) Do(ctx context.Context, ur *model.UpstreamRequest) (*model.ProxyResponse, error) {
	method := metrics.NormalizeMethod(ur.Method)
	attempt := 0

	operation := func() (*model.ProxyResponse, error) {
		attempt++
		if attempt > 1 && c.metrics != nil {
			c.metrics.UpstreamRetries.WithLabelValues(method).Inc()
		}

		resp, retryable, err := c.roundTrip(ctx, ur)
		switch {
		case err == nil:
			return resp, nil
		case !retryable, ctx.Err() != nil, !idempotentMethods[ur.Method]:
			return nil, backoff.Permanent(err)
		}
		c.logger.Warn("upstream attempt failed",
			"method", ur.Method,
			"attempt", attempt,
			"err", err,
		)
		return nil, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.initialInterval

	opts := []backoff.RetryOption{
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(c.maxAttempts)),
	}
	if c.maxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(c.maxElapsed))
	}

	return backoff.Retry(ctx, operation, opts...)
}

// roundTrip performs a single attempt. retryable is true only when the
// attempt failed before any HTTP response was received.
func (c *UpstreamClient) roundTrip(ctx context.Context, ur *model.UpstreamRequest) (resp *model.ProxyResponse, retryable bool, err error) {
	var body io.Reader
	if ur.Body != nil {
		body = bytes.NewReader(ur.Body)
	}

	req, err := http.NewRequestWithContext(ctx, ur.Method, ur.URL, body)
	if err != nil {
		return nil, false, fmt.Errorf("build upstream request: %w", err)
	}
	if ur.Header != nil {
		req.Header = ur.Header.Clone()
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	httpResp, err := c.httpClient.Do(req)
	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
		return nil, isTransportError(err), fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(httpResp.StatusCode)).Inc()
	}
	if err != nil {
		return nil, false, fmt.Errorf("read upstream body: %w", err)
	}

	decoded, err := decodeBody(httpResp.Header.Get("Content-Encoding"), raw)
	if err != nil {
		return nil, false, err
	}

	return &model.ProxyResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       decoded,
	}, false, nil
}

// isTransportError reports whether err is a connection-level failure worth
// retrying. Timeouts are excluded: the client timeout already bounds the call.
func isTransportError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
