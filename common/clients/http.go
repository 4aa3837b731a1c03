// Package clients holds outbound HTTP clients shared by the worker.
package clients

import (
	"context"
	"io"
	"net/http"

	"github.com/lyzr/mediacache/common/logger"
)

// HTTPClient wraps http.Client with context-aware helpers.
// It copies request metadata from the context onto outgoing headers.
type HTTPClient struct {
	client *http.Client
	logger *logger.Logger
}

// NewHTTPClient creates a new HTTP client wrapper
func NewHTTPClient(client *http.Client, log *logger.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		client: client,
		logger: log,
	}
}

// DoRequest creates and executes an HTTP request with the given headers
func (c *HTTPClient) DoRequest(ctx context.Context, method, url string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}

	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	if requestID, ok := GetRequestID(ctx); ok && req.Header.Get("X-Request-ID") == "" {
		req.Header.Set("X-Request-ID", requestID)
	}

	c.logger.Debug("outbound request", "method", method, "url", url)
	return c.client.Do(req)
}
