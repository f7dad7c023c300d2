// Package source reads change sets from the CRM REST API: a change window
// estimate, the paginated listing of changed record IDs and the per-record
// detail documents.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/hyperengineering/crmsync/internal/config"
)

// Options configures a Client. Zero values fall back to the defaults of
// the config package.
type Options struct {
	BaseURL         string
	Token           string
	AuthScheme      string
	RequestTimeout  time.Duration
	DetailTimeout   time.Duration
	MaxRetries      int
	Backoff         time.Duration
	PageDelay       time.Duration
	DefaultPageSize int

	// Detail pool bounds
	Concurrency  int
	TaskTimeout  time.Duration
	PoolDeadline time.Duration

	// HTTPClient is optional; a pooled client sized for Concurrency is
	// built when nil.
	HTTPClient *http.Client
}

// Client talks to the CRM API. It is safe for concurrent use.
type Client struct {
	base *url.URL
	opts Options
	http *http.Client
}

// NewClient creates a Client. BaseURL must parse as an absolute URL.
func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	if opts.AuthScheme == "" {
		opts.AuthScheme = "Token"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DetailTimeout <= 0 {
		opts.DetailTimeout = opts.RequestTimeout
	}
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 50
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	// go-retry rejects non-positive intervals.
	if opts.Backoff <= 0 {
		opts.Backoff = time.Millisecond
	}

	hc := opts.HTTPClient
	if hc == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.MaxIdleConns = opts.Concurrency * 2
		transport.MaxIdleConnsPerHost = opts.Concurrency
		hc = &http.Client{Transport: transport}
	}

	return &Client{base: base, opts: opts, http: hc}, nil
}

// FromConfig creates a Client from loaded configuration.
func FromConfig(cfg *config.Config) (*Client, error) {
	maxIdle := cfg.Source.MaxIdleConns
	if maxIdle < cfg.Sync.Concurrency {
		maxIdle = cfg.Sync.Concurrency
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = maxIdle
	transport.MaxIdleConnsPerHost = maxIdle

	return NewClient(Options{
		BaseURL:         cfg.Source.BaseURL,
		Token:           cfg.Source.Token,
		AuthScheme:      cfg.Source.AuthScheme,
		RequestTimeout:  time.Duration(cfg.Source.RequestTimeout),
		DetailTimeout:   time.Duration(cfg.Source.DetailTimeout),
		MaxRetries:      cfg.Source.MaxRetries,
		Backoff:         time.Duration(cfg.Source.Backoff),
		PageDelay:       time.Duration(cfg.Source.PageDelay),
		DefaultPageSize: cfg.Source.DefaultPageSize,
		Concurrency:     cfg.Sync.Concurrency,
		TaskTimeout:     time.Duration(cfg.Sync.TaskTimeout),
		PoolDeadline:    time.Duration(cfg.Sync.PoolDeadline),
		HTTPClient:      &http.Client{Transport: transport},
	})
}

// resolve joins a relative API path onto the base URL.
func (c *Client) resolve(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + strings.TrimPrefix(path, "/")
	u.RawQuery = query.Encode()
	return u.String()
}

// guardedGet performs a GET with retries and decodes the JSON body into out.
// Transport errors, 429 and 5xx are retried after a constant backoff up to
// MaxRetries times. The returned error is a *FetchError, or the context error
// when ctx ended while waiting.
func (c *Client) guardedGet(ctx context.Context, rawURL string, timeout time.Duration, out any) error {
	backoff := retry.WithMaxRetries(uint64(c.opts.MaxRetries), retry.NewConstant(c.opts.Backoff))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		ferr := c.do(ctx, rawURL, timeout, out)
		if ferr == nil {
			return nil
		}
		if ferr.Recoverable && ctx.Err() == nil {
			slog.Warn("request failed, will retry",
				"component", "source",
				"action", "request_retry",
				"url", rawURL,
				"attempt", attempt,
				"status", ferr.Status,
				"error", ferr.Err,
			)
			return retry.RetryableError(ferr)
		}
		return ferr
	})
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// do runs a single attempt.
func (c *Client) do(ctx context.Context, rawURL string, timeout time.Duration, out any) *FetchError {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err}
	}
	req.Header.Set("Authorization", c.opts.AuthScheme+" "+c.opts.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &FetchError{URL: rawURL, Err: err, Recoverable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return &FetchError{URL: rawURL, Status: resp.StatusCode, Recoverable: recoverableStatus(resp.StatusCode)}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		// A body cut short by the request timeout is a transport failure.
		if reqCtx.Err() != nil {
			return &FetchError{URL: rawURL, Status: resp.StatusCode, Err: err, Recoverable: true}
		}
		return &FetchError{URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("decode body: %w", err)}
	}
	return nil
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
