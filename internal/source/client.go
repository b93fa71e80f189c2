package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kjstillabower/relieflink-refdata/internal/observability"
)

// DefaultMaxBody caps how much of an upstream response is read.
const DefaultMaxBody = 8 << 20

// Client performs single-attempt GETs against upstream geodata services.
// Adapters share one Client; it holds no per-call state.
type Client struct {
	http    *http.Client
	timeout time.Duration
	maxBody int64
}

// NewClient returns a Client whose requests are bounded by timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		maxBody: DefaultMaxBody,
	}
}

// Timeout returns the per-request upstream timeout.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

type response struct {
	body        []byte
	contentType string
}

// get issues one GET. Non-2xx responses return *StatusError; transport failures wrap ErrUpstream.
func (c *Client) get(ctx context.Context, sourceName, rawURL, accept string) (response, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(sourceName, "error").Inc()
		return response{}, fmt.Errorf("%w: build request: %w", ErrConfig, err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(sourceName, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(sourceName, "error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return response{}, fmt.Errorf("%w: request timeout: %w", ErrUpstream, err)
		}
		return response{}, fmt.Errorf("%w: http request failed: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(sourceName, status).Inc()
	observability.UpstreamDuration.WithLabelValues(sourceName, status).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return response{}, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return response{}, fmt.Errorf("%w: read response body: %w", ErrUpstream, err)
	}
	if int64(len(body)) > c.maxBody {
		return response{}, fmt.Errorf("%w: response exceeds %d bytes", ErrUpstream, c.maxBody)
	}
	return response{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
