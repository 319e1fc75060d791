// Package httpclient configures the HTTP client used to call upstream services.
package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/veda-ui/veda-analysis/internal/cache/keys"
	"github.com/veda-ui/veda-analysis/internal/core/observability"
)

// ErrTimeout reports that a single upstream call exceeded its own deadline.
var ErrTimeout = errors.New("upstream timeout")

// NewOutbound creates a new outbound http client
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	// per-call deadlines come from the request context
	return &http.Client{Transport: transport}
}

// Request describes one upstream call. Upstream is a metrics label only and
// is not part of the cache key.
type Request struct {
	Upstream string
	Method   string
	URL      string
	Body     []byte
}

func (r Request) Key() string {
	return keys.Request(r.Method, r.URL, r.Body)
}

type Doer interface {
	Do(ctx context.Context, r Request) ([]byte, error)
}

type DoerFunc func(ctx context.Context, r Request) ([]byte, error)

func (f DoerFunc) Do(ctx context.Context, r Request) ([]byte, error) { return f(ctx, r) }

type StatusError struct {
	Upstream   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: upstream status %d", e.Upstream, e.StatusCode)
	}
	return fmt.Sprintf("%s: upstream status %d: %s", e.Upstream, e.StatusCode, e.Body)
}

type Options struct {
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

// Client performs JSON calls against STAC and raster services.
type Client struct {
	http    *http.Client
	log     *slog.Logger
	timeout time.Duration
	limiter *rate.Limiter
}

var _ Doer = (*Client)(nil)

func New(hc *http.Client, opts Options) *Client {
	if hc == nil {
		hc = NewOutbound()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{http: hc, log: opts.Logger, timeout: opts.Timeout}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return c
}

func (c *Client) Do(ctx context.Context, r Request) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%s: rate limit wait: %w", r.Upstream, err)
		}
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", r.Upstream, err)
	}
	req.Header.Set("Accept", "application/json")
	if r.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	b, err := c.roundTrip(ctx, callCtx, req, r.Upstream)
	dur := time.Since(start)
	observability.ObserveUpstreamLatency(r.Upstream, err, dur.Seconds())
	if err != nil {
		c.log.DebugContext(ctx, "upstream call failed",
			"upstream", r.Upstream, "method", r.Method, "duration", dur, "err", err)
		return nil, err
	}
	c.log.DebugContext(ctx, "upstream call done",
		"upstream", r.Upstream, "method", r.Method, "bytes", len(b), "duration", dur)
	return b, nil
}

func (c *Client) roundTrip(parent, callCtx context.Context, req *http.Request, upstream string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(parent, callCtx, upstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Upstream: upstream, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(parent, callCtx, upstream, err)
	}
	return b, nil
}

// a deadline hit on the call context while the parent is still live is a
// timeout; anything caused by the parent keeps its context error
func classify(parent, callCtx context.Context, upstream string, err error) error {
	if parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", upstream, ErrTimeout, err)
	}
	return fmt.Errorf("%s: do request: %w", upstream, err)
}
