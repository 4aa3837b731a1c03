package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/logger"
)

// OCRRequest is the body sent to the external OCR service
type OCRRequest struct {
	PostID    string   `json:"postId"`
	ImageURLs []string `json:"imageUrls"`
}

// OCRResponse is what the OCR service reports back
type OCRResponse struct {
	PostID  string `json:"postId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// OCRClient forwards OCR jobs to the text-extraction service. The extraction itself lives there.
type OCRClient struct {
	http    *HTTPClient
	baseURL string
	logger  *logger.Logger
}

// NewOCRClient creates a client for the service at baseURL
func NewOCRClient(baseURL string, timeout time.Duration, log *logger.Logger) (*OCRClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("OCR service URL is required")
	}
	return &OCRClient{
		http:    NewHTTPClient(&http.Client{Timeout: timeout}, log),
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log,
	}, nil
}

// Process runs OCR for one post. Transport failures and 5xx responses are DownloadErrors so the
// queue retries them; 4xx responses are treated as invalid input.
func (c *OCRClient) Process(ctx context.Context, req OCRRequest) (*OCRResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode OCR request: %w", err)
	}

	endpoint := c.baseURL + "/ocr/process"
	header := http.Header{"Content-Type": []string{"application/json"}}

	resp, err := c.http.DoRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), header)
	if err != nil {
		return nil, &apperr.DownloadError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &apperr.DownloadError{URL: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &apperr.DownloadError{URL: endpoint, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return nil, apperr.Validation("postId", "OCR service rejected post %s with status %d: %s",
			req.PostID, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out OCRResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode OCR response: %w", err)
	}
	if out.PostID == "" {
		out.PostID = req.PostID
	}
	return &out, nil
}
