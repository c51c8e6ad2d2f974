package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"listing-aggregator/proxy"
	"listing-aggregator/utils"
)

// StatusError reports a response whose status counts as a failure.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: unexpected status %d", e.StatusCode)
}

// Client sends fingerprinted requests through the proxy pool. Each call
// sticks to one random unblocked proxy, retries on it with a fixed backoff
// and burns it once the attempts are used up.
type Client struct {
	doer    Doer
	proxies *proxy.Manager
	logger  *utils.Logger

	Attempts   int
	RetryDelay time.Duration
}

// NewClient wires a Doer to a proxy pool with the default retry policy of
// three attempts, 500ms apart.
func NewClient(doer Doer, proxies *proxy.Manager, logger *utils.Logger) *Client {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	if proxies == nil {
		proxies = proxy.NewManager(nil, logger)
	}
	return &Client{doer: doer, proxies: proxies, logger: logger, Attempts: 3, RetryDelay: 500 * time.Millisecond}
}

// Proxies returns the pool the client draws from.
func (c *Client) Proxies() *proxy.Manager { return c.proxies }

// CallOptions adjusts a single call.
type CallOptions struct {
	// Attempts overrides Client.Attempts when positive.
	Attempts int
	// KeepProxy skips blocking the proxy after the final failure.
	KeepProxy bool
}

// Do sends req with retries. Transport errors and 403, 429 or 5xx statuses
// count as failures; any other response is returned as is.
func (c *Client) Do(ctx context.Context, req Request, opts CallOptions) (*Response, string, error) {
	proxyURL, err := c.proxies.Acquire()
	if err != nil {
		return nil, "", err
	}
	req.Proxy = proxyURL

	attempts := c.Attempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}
	retry := &utils.RetryConfig{MaxAttempts: attempts, BaseDelay: c.RetryDelay, Fixed: true, Logger: c.logger}

	var resp *Response
	err = retry.Do(ctx, "tls fetch "+req.URL, func() error {
		r, err := c.doer.Do(ctx, req)
		if err != nil {
			return err
		}
		if failureStatus(r.StatusCode) {
			return &StatusError{StatusCode: r.StatusCode}
		}
		resp = r
		return nil
	})
	if err == nil {
		return resp, proxyURL, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || opts.KeepProxy || proxyURL == "" {
		return nil, proxyURL, err
	}
	if !c.proxies.Block(proxyURL) {
		return nil, proxyURL, fmt.Errorf("%w: %v", proxy.ErrAllProxiesBlocked, err)
	}
	return nil, proxyURL, err
}

// Get fetches url and treats every status of 400 or above as an error.
func (c *Client) Get(ctx context.Context, url string, headers http.Header, opts CallOptions) (*Response, string, error) {
	resp, proxyURL, err := c.Do(ctx, Request{Method: http.MethodGet, URL: url, Headers: headers}, opts)
	if err != nil {
		return nil, proxyURL, err
	}
	if resp.StatusCode >= 400 {
		return nil, proxyURL, &StatusError{StatusCode: resp.StatusCode}
	}
	return resp, proxyURL, nil
}

func failureStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests || code >= 500
}

// Transport adapts a Client to http.RoundTripper so net/http based
// collectors send fingerprinted requests through the proxy pool.
type Transport struct {
	Client *Client
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("fetch: read request body: %w", err)
		}
	}

	resp, _, err := t.Client.Do(req.Context(), Request{
		Method:    req.Method,
		URL:       req.URL.String(),
		Headers:   req.Header.Clone(),
		Body:      body,
		UserAgent: req.UserAgent(),
	}, CallOptions{})
	if err != nil {
		return nil, err
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		StatusCode:    resp.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}, nil
}
