package synth

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

// Response is a synthesis response whose body has not been read yet. The
// caller must close Body.
type Response struct {
	StatusCode  int
	ContentType string
	Body        io.ReadCloser
}

// OK reports whether the status code is a 2xx success.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Fetcher retrieves synthesized audio from a request URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Response, error)
}

// ClientConfig configures the HTTP fetcher.
type ClientConfig struct {
	// Timeout bounds a whole request including the body. Defaults to 30s.
	Timeout time.Duration

	// RequestsPerMinute paces outbound synthesis calls. Zero disables pacing.
	RequestsPerMinute int

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client

	Logger *log.Logger
}

// Client fetches audio from the synthesis endpoint over HTTP.
type Client struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  *log.Logger
}

// NewClient creates a synthesis client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		http:    hc,
		limiter: limiter,
		logger:  logger,
	}
}

// Fetch issues a GET for url. Transport failures are returned as errors; HTTP
// status and content type are left for the caller to judge.
func (c *Client) Fetch(ctx context.Context, url string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait cancelled: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to build synthesis request: %w", err)
	}

	c.logger.Debug("Synthesis request", "url", RedactURL(url))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}

	return &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        resp.Body,
	}, nil
}
