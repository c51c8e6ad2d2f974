package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	fhttp "github.com/bogdanfinn/fhttp"
	tls_client "github.com/bogdanfinn/tls-client"
	"github.com/bogdanfinn/tls-client/profiles"

	"listing-aggregator/utils"
)

// DefaultUserAgent matches the Chrome TLS profile the service presents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("fetch: service closed")

// Request is one fingerprinted HTTP request.
type Request struct {
	Method    string
	URL       string
	Headers   http.Header
	Body      []byte
	Proxy     string
	UserAgent string
}

// Response is a fully read response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Doer executes fingerprinted requests. Service is the production Doer;
// tests substitute fakes.
type Doer interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

type tlsDoer interface {
	Do(req *fhttp.Request) (*fhttp.Response, error)
}

// Options configures a Service.
type Options struct {
	Workers int
	Timeout time.Duration
	Logger  *utils.Logger
}

// Service is the shared TLS-fingerprinting client. It is started lazily on
// the first request, keeps one client per proxy and dispatches requests on
// a bounded worker pool that survives panicking requests.
type Service struct {
	opts Options

	startOnce sync.Once
	pool      *utils.WorkerPool

	mu      sync.Mutex
	clients map[string]tlsDoer
	closed  bool

	newClient func(proxy string) (tlsDoer, error)
}

var _ Doer = (*Service)(nil)

// NewService creates an unstarted Service.
func NewService(opts Options) *Service {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = utils.NewDiscardLogger()
	}
	s := &Service{opts: opts, clients: make(map[string]tlsDoer)}
	s.newClient = s.buildClient
	return s
}

func (s *Service) buildClient(proxy string) (tlsDoer, error) {
	options := []tls_client.HttpClientOption{
		tls_client.WithTimeoutSeconds(int(s.opts.Timeout / time.Second)),
		tls_client.WithClientProfile(profiles.Chrome_120),
		tls_client.WithNotFollowRedirects(),
		tls_client.WithCookieJar(tls_client.NewCookieJar()),
	}
	if proxy != "" {
		options = append(options, tls_client.WithProxyUrl(proxy))
	}
	client, err := tls_client.NewHttpClient(tls_client.NewNoopLogger(), options...)
	if err != nil {
		return nil, fmt.Errorf("fetch: new tls client: %w", err)
	}
	return client, nil
}

func (s *Service) start() {
	s.startOnce.Do(func() {
		s.opts.Logger.Info("[fetch] starting TLS client service with %d workers", s.opts.Workers)
		s.pool = utils.NewWorkerPool(s.opts.Workers, 0, s.opts.Logger)
	})
}

func (s *Service) client(proxy string) (tlsDoer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if c, ok := s.clients[proxy]; ok {
		return c, nil
	}
	c, err := s.newClient(proxy)
	if err != nil {
		return nil, err
	}
	s.clients[proxy] = c
	return c, nil
}

type result struct {
	resp *Response
	err  error
}

// Do queues req on the worker pool and waits for its response.
func (s *Service) Do(ctx context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	s.start()

	out := make(chan result, 1)
	err := s.pool.Submit(ctx, func() {
		defer func() {
			if r := recover(); r != nil {
				out <- result{err: fmt.Errorf("fetch: worker crashed: %v", r)}
				panic(r)
			}
		}()
		resp, err := s.execute(ctx, req)
		out <- result{resp: resp, err: err}
	})
	if err != nil {
		return nil, err
	}

	select {
	case r := <-out:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Service) execute(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := s.client(req.Proxy)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := fhttp.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("fetch: build request: %w", err)
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	ua := req.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	hreq.Header.Set("User-Agent", ua)

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s %s: %w", method, req.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: http.Header(resp.Header), Body: data}, nil
}

// Close stops accepting requests and waits for queued ones to finish.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.startOnce.Do(func() {})
	if s.pool != nil {
		s.pool.Wait()
	}
	s.opts.Logger.Info("[fetch] TLS client service stopped")
}
