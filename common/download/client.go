// Package download fetches external media with browser-like headers under the shared retry policy.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lyzr/mediacache/common/apperr"
	"github.com/lyzr/mediacache/common/clients"
	"github.com/lyzr/mediacache/common/logger"
	"github.com/lyzr/mediacache/common/retry"
)

const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Validator vets a URL before it is fetched
type Validator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Options configures a Client
type Options struct {
	Timeout    time.Duration // per attempt
	MaxBytes   int64
	UserAgent  string
	Validator  Validator // nil disables host checks
	HTTPClient *http.Client
}

// Result is one successfully downloaded resource
type Result struct {
	Data        []byte
	ContentType string
	Size        int64
	URL         string
	Attempts    int
}

// Client downloads media. It is stateless per call and safe for concurrent use.
type Client struct {
	http      *clients.HTTPClient
	policy    retry.Policy
	timeout   time.Duration
	maxBytes  int64
	userAgent string
	validator Validator
	log       *logger.Logger
}

// New creates a download client. Fetch attempts and backoff come from policy.
func New(policy retry.Policy, opts Options, log *logger.Logger) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	if opts.Validator != nil {
		v := opts.Validator
		hc.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("stopped after 5 redirects")
			}
			return v.Validate(req.Context(), req.URL.String())
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if policy.FetchAttempts < 1 {
		policy.FetchAttempts = 1
	}

	return &Client{
		http:      clients.NewHTTPClient(hc, log),
		policy:    policy,
		timeout:   opts.Timeout,
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		validator: opts.Validator,
		log:       log,
	}
}

// Fetch downloads rawURL, retrying transient failures up to the policy's fetch budget.
// Failures are DownloadErrors; a URL the validator rejects is a ValidationError.
func (c *Client) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apperr.Validation("url", "%q is not an absolute http(s) URL", rawURL)
	}
	if c.validator != nil {
		if err := c.validator.Validate(ctx, rawURL); err != nil {
			return nil, apperr.Validation("url", "%v", err)
		}
	}

	header := c.headers(u)

	var lastErr error
	for attempt := 1; attempt <= c.policy.FetchAttempts; attempt++ {
		res, err := c.fetchOnce(ctx, rawURL, header)
		if err == nil {
			res.Attempts = attempt
			return res, nil
		}
		lastErr = err

		if !transient(err) || attempt == c.policy.FetchAttempts {
			break
		}

		delay := c.policy.FetchBackoff(attempt)
		c.log.Warn("download attempt failed, retrying",
			"url", rawURL, "attempt", attempt, "max_attempts", c.policy.FetchAttempts, "delay", delay, "error", err)
		if err := retry.Sleep(ctx, delay); err != nil {
			return nil, &apperr.DownloadError{URL: rawURL, Err: err}
		}
	}

	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, rawURL string, header http.Header) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.http.DoRequest(ctx, http.MethodGet, rawURL, nil, header)
	if err != nil {
		return nil, &apperr.DownloadError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &apperr.DownloadError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	body := io.Reader(resp.Body)
	if c.maxBytes > 0 {
		body = io.LimitReader(resp.Body, c.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, &apperr.DownloadError{URL: rawURL, Err: err}
	}
	if c.maxBytes > 0 && int64(len(data)) > c.maxBytes {
		return nil, &apperr.DownloadError{URL: rawURL, Err: fmt.Errorf("body exceeds %d bytes", c.maxBytes)}
	}
	if len(data) == 0 {
		return nil, &apperr.DownloadError{URL: rawURL, Err: errors.New("empty body")}
	}

	return &Result{
		Data:        data,
		ContentType: contentType(resp.Header.Get("Content-Type"), data),
		Size:        int64(len(data)),
		URL:         rawURL,
	}, nil
}

func (c *Client) headers(u *url.URL) http.Header {
	h := http.Header{}
	h.Set("User-Agent", c.userAgent)
	h.Set("Accept", "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", u.Scheme+"://"+u.Host+"/")
	return h
}

// transient reports whether another attempt inside the same job can help
func transient(err error) bool {
	var de *apperr.DownloadError
	if !errors.As(err, &de) {
		return false
	}
	switch {
	case de.StatusCode == 0:
		return true
	case de.StatusCode == http.StatusRequestTimeout, de.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return de.StatusCode >= 500
	}
}

func contentType(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return strings.ToLower(mt)
		}
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(data))
	return mt
}
