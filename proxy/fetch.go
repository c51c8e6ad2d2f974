package proxy

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"

	"listing-aggregator/utils"
)

const maxBodyBytes = 10 * 1024 * 1024

// FetchOptions controls Manager.Fetch.
type FetchOptions struct {
	Headers map[string]string
	// BlockProxyOnError burns the proxy once every attempt has failed.
	BlockProxyOnError bool
	MaxAttempts       int
	Timeout           time.Duration
	RetryDelay        time.Duration
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// StatusError is returned for responses with a 4xx or 5xx status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Fetch performs a plain GET through one randomly chosen proxy, retrying on
// the same proxy up to opts.MaxAttempts times.
func (m *Manager) Fetch(ctx context.Context, rawURL string, opts FetchOptions) (*Response, error) {
	proxyURL, err := m.Acquire()
	if err != nil {
		return nil, err
	}
	client, err := m.transports.client(proxyURL, opts.Timeout)
	if err != nil {
		return nil, err
	}

	delay := opts.RetryDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	retry := &utils.RetryConfig{MaxAttempts: opts.MaxAttempts, BaseDelay: delay, Fixed: true}

	var resp *Response
	err = retry.Do(ctx, "proxy fetch", func() error {
		r, err := doGet(ctx, client, rawURL, opts.Headers)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		if opts.BlockProxyOnError && proxyURL != "" {
			m.Block(proxyURL)
		}
		return nil, fmt.Errorf("proxy: fetch %s via %s: %w", rawURL, Redact(proxyURL), err)
	}
	return resp, nil
}

func doGet(ctx context.Context, client *http.Client, rawURL string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp == nil || resp.Body == nil {
		return nil, errors.New("empty response body")
	}

	reader := io.Reader(resp.Body)
	closers := []io.Closer{resp.Body}

	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		reader = gz
		closers = append(closers, gz)
	case "br":
		reader = brotli.NewReader(resp.Body)
	case "deflate":
		fl := flate.NewReader(resp.Body)
		reader = fl
		closers = append(closers, fl)
	}

	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	body, err := io.ReadAll(io.LimitReader(reader, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("response body exceeds limit of %d bytes", maxBodyBytes)
	}
	return body, nil
}

// transportCache keeps one http.Client per proxy so connections are reused.
type transportCache struct {
	mu      sync.Mutex
	clients map[string]*http.Client
}

func newTransportCache() *transportCache {
	return &transportCache{clients: make(map[string]*http.Client)}
}

func (c *transportCache) client(proxyURL string, timeout time.Duration) (*http.Client, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	key := proxyURL + "|" + timeout.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.clients[key]; ok {
		return cl, nil
	}

	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	cl := &http.Client{Timeout: timeout, Transport: transport}
	c.clients[key] = cl
	return cl, nil
}

// Redact hides the password of a proxy URL for logging.
func Redact(proxyURL string) string {
	if proxyURL == "" {
		return "direct"
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "invalid-proxy"
	}
	return u.Redacted()
}
