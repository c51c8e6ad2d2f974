package marketplace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"listing-aggregator/proxy"
	"listing-aggregator/utils"
)

// UserAgent is what the automated browser reports.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/129.0.0.0 Safari/537.36"

// paginationQuery is the form field that identifies the search pagination
// GraphQL operation.
const paginationQuery = "fb_api_req_friendly_name=CometMarketplaceSearchContentPaginationQuery"

const cookieButton = `div[aria-label="Allow all cookies"][role="button"]:not([aria-disabled="true"])`

// CapturedRequest is a pagination query the page sent, with its response.
type CapturedRequest struct {
	URL      string
	Headers  map[string]string
	PostData string
	Body     []byte
}

// Page is a loaded search results page.
type Page interface {
	LoginWalled(ctx context.Context) (bool, error)
	AcceptCookies(ctx context.Context) error
	// CloseSeeMore closes the "See more on Facebook" interstitial. It
	// returns false if the interstitial is shown but cannot be closed.
	CloseSeeMore(ctx context.Context) (bool, error)
	HideLoginPopup(ctx context.Context) (bool, error)
	// ScrollResults scrolls the results container by two viewports. It
	// returns false when the page has no scrollable results.
	ScrollResults(ctx context.Context) (bool, error)
	// NextPaginationRequest waits for the page to send a pagination query.
	// It returns nil when none arrives within timeout.
	NextPaginationRequest(ctx context.Context, timeout time.Duration) (*CapturedRequest, error)
	// Replay resends req from inside the page with a new cursor and returns
	// the response body.
	Replay(ctx context.Context, req *CapturedRequest, cursor string) ([]byte, error)
	Close()
}

// PageOpener loads target in a fresh browser routed through proxyURL, or
// directly when proxyURL is empty.
type PageOpener interface {
	Open(ctx context.Context, proxyURL, target string) (Page, error)
}

// BrowserOptions configure the headless browser.
type BrowserOptions struct {
	ChromeBin         string
	Headless          bool
	NavigationTimeout time.Duration
}

// Browser launches one Chrome instance per opened page.
type Browser struct {
	opts   BrowserOptions
	logger *utils.Logger
}

// NewBrowser creates a Browser. An empty ChromeBin is resolved from the
// environment and well-known install paths.
func NewBrowser(opts BrowserOptions, logger *utils.Logger) *Browser {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	if opts.ChromeBin == "" {
		opts.ChromeBin = findChromeBinary()
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 20 * time.Second
	}
	return &Browser{opts: opts, logger: logger}
}

func (b *Browser) Open(ctx context.Context, proxyURL, target string) (Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", b.opts.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-accelerated-2d-canvas", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-zygote", true),
		chromedp.WindowSize(1920, 1080),
		chromedp.UserAgent(UserAgent),
	)
	if b.opts.ChromeBin != "" {
		opts = append(opts, chromedp.ExecPath(b.opts.ChromeBin))
	}

	var creds *url.Userinfo
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("marketplace: parse proxy: %w", err)
		}
		creds = u.User
		opts = append(opts, chromedp.ProxyServer(u.Scheme+"://"+u.Host))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))

	p := &chromePage{
		ctx:      tabCtx,
		cancel:   func() { cancelTab(); cancelAlloc() },
		creds:    creds,
		logger:   b.logger,
		pending:  make(map[network.RequestID]*CapturedRequest),
		captured: make(chan *CapturedRequest, 1),
	}
	chromedp.ListenTarget(tabCtx, p.onEvent)

	err := chromedp.Run(tabCtx,
		network.Enable(),
		fetch.Enable().
			WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}).
			WithHandleAuthRequests(creds != nil),
	)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("marketplace: start browser: %w", err)
	}

	b.logger.Info("[marketplace] opening %s via %s", target, proxy.Redact(proxyURL))
	navCtx, cancelNav := context.WithTimeout(tabCtx, b.opts.NavigationTimeout)
	defer cancelNav()
	if err := chromedp.Run(navCtx,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		p.Close()
		return nil, fmt.Errorf("marketplace: navigate: %w", err)
	}
	return p, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	creds  *url.Userinfo
	logger *utils.Logger

	mu       sync.Mutex
	pending  map[network.RequestID]*CapturedRequest
	captured chan *CapturedRequest
}

func (p *chromePage) executor() context.Context {
	c := chromedp.FromContext(p.ctx)
	return cdp.WithExecutor(p.ctx, c.Target)
}

// onEvent runs on the event loop, so anything that talks back to the
// browser is moved to a goroutine.
func (p *chromePage) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		go p.filterRequest(ev)
	case *fetch.EventAuthRequired:
		go p.authenticate(ev)
	case *network.EventRequestWillBeSent:
		if ev.Request == nil || ev.Request.Method != "POST" || !strings.Contains(ev.Request.URL, "graphql/") {
			return
		}
		headers := make(map[string]string, len(ev.Request.Headers))
		for k, v := range ev.Request.Headers {
			headers[k] = fmt.Sprint(v)
		}
		p.mu.Lock()
		p.pending[ev.RequestID] = &CapturedRequest{URL: ev.Request.URL, Headers: headers}
		p.mu.Unlock()
	case *network.EventLoadingFinished:
		p.mu.Lock()
		req, ok := p.pending[ev.RequestID]
		delete(p.pending, ev.RequestID)
		p.mu.Unlock()
		if ok {
			go p.inspect(ev.RequestID, req)
		}
	case *network.EventLoadingFailed:
		p.mu.Lock()
		delete(p.pending, ev.RequestID)
		p.mu.Unlock()
	}
}

// filterRequest drops images and fonts.
func (p *chromePage) filterRequest(ev *fetch.EventRequestPaused) {
	ctx := p.executor()
	var err error
	if ev.ResourceType == network.ResourceTypeImage || ev.ResourceType == network.ResourceTypeFont {
		err = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient).Do(ctx)
	} else {
		err = fetch.ContinueRequest(ev.RequestID).Do(ctx)
	}
	if err != nil && p.ctx.Err() == nil {
		p.logger.Debug("[marketplace] request interception: %v", err)
	}
}

func (p *chromePage) authenticate(ev *fetch.EventAuthRequired) {
	resp := &fetch.AuthChallengeResponse{Response: fetch.AuthChallengeResponseResponseDefault}
	if p.creds != nil {
		password, _ := p.creds.Password()
		resp = &fetch.AuthChallengeResponse{
			Response: fetch.AuthChallengeResponseResponseProvideCredentials,
			Username: p.creds.Username(),
			Password: password,
		}
	}
	if err := fetch.ContinueWithAuth(ev.RequestID, resp).Do(p.executor()); err != nil && p.ctx.Err() == nil {
		p.logger.Debug("[marketplace] proxy auth: %v", err)
	}
}

// inspect keeps a finished GraphQL request if it is the pagination query.
func (p *chromePage) inspect(id network.RequestID, req *CapturedRequest) {
	ctx := p.executor()
	postData, err := network.GetRequestPostData(id).Do(ctx)
	if err != nil || !strings.Contains(postData, paginationQuery) {
		return
	}
	body, err := network.GetResponseBody(id).Do(ctx)
	if err != nil {
		p.logger.Debug("[marketplace] read pagination response: %v", err)
		return
	}
	req.PostData = postData
	req.Body = body
	select {
	case p.captured <- req:
	default:
	}
}

func (p *chromePage) NextPaginationRequest(ctx context.Context, timeout time.Duration) (*CapturedRequest, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case req := <-p.captured:
		return req, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	}
}

const replayScript = `(async () => {
	const response = await fetch(%s, {method: 'POST', headers: %s, body: %s, credentials: 'include'});
	return await response.text();
})()`

func (p *chromePage) Replay(ctx context.Context, req *CapturedRequest, cursor string) ([]byte, error) {
	form, err := url.ParseQuery(req.PostData)
	if err != nil {
		return nil, fmt.Errorf("marketplace: parse captured form: %w", err)
	}
	variables := make(map[string]any)
	if v := form.Get("variables"); v != "" {
		if err := json.Unmarshal([]byte(v), &variables); err != nil {
			return nil, fmt.Errorf("marketplace: parse captured variables: %w", err)
		}
	}
	variables["cursor"] = cursor
	encoded, err := json.Marshal(variables)
	if err != nil {
		return nil, err
	}
	form.Set("variables", string(encoded))

	target, _ := json.Marshal(req.URL)
	headers, _ := json.Marshal(req.Headers)
	body, _ := json.Marshal(form.Encode())

	var text string
	err = p.run(ctx, chromedp.Evaluate(fmt.Sprintf(replayScript, target, headers, body), &text,
		func(ep *runtime.EvaluateParams) *runtime.EvaluateParams { return ep.WithAwaitPromise(true) }))
	if err != nil {
		return nil, fmt.Errorf("marketplace: replay: %w", err)
	}
	return []byte(text), nil
}

const loginWalledScript = `document.evaluate('//div[text()[contains(., "` + LoginWallMarker + `")]]',
	document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue !== null`

func (p *chromePage) LoginWalled(ctx context.Context) (bool, error) {
	var walled bool
	if err := p.run(ctx, chromedp.Evaluate(loginWalledScript, &walled)); err != nil {
		return false, fmt.Errorf("marketplace: check login wall: %w", err)
	}
	return walled, nil
}

// AcceptCookies clicks the consent button if it shows up within 10s.
func (p *chromePage) AcceptCookies(ctx context.Context) error {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := p.run(waitCtx, chromedp.Click(cookieButton, chromedp.ByQuery, chromedp.NodeVisible))
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		p.logger.Debug("[marketplace] no cookie banner")
		return nil
	}
	return err
}

const seeMoreScript = `(() => {
	const popup = document.evaluate('//div[contains(., "See more on Facebook")]',
		document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	if (!popup) return 'absent';
	const close = popup.querySelector('div[aria-label="Close"][role="button"]');
	if (!close) return 'stuck';
	close.click();
	return 'closed';
})()`

func (p *chromePage) CloseSeeMore(ctx context.Context) (bool, error) {
	var state string
	if err := p.run(ctx, chromedp.Evaluate(seeMoreScript, &state)); err != nil {
		return false, fmt.Errorf("marketplace: close interstitial: %w", err)
	}
	if state == "closed" {
		p.logger.Debug("[marketplace] closed interstitial")
	}
	return state != "stuck", nil
}

const hideLoginScript = `(() => {
	const spans = Array.from(document.querySelectorAll('span'));
	const span = spans.find((s) => (s.textContent || '').includes('Log in or sign up for'));
	for (let el = span; el; el = el.parentElement) {
		if (window.getComputedStyle(el).getPropertyValue('position') === 'fixed') {
			el.style.display = 'none';
			return true;
		}
	}
	return false;
})()`

func (p *chromePage) HideLoginPopup(ctx context.Context) (bool, error) {
	var hidden bool
	if err := p.run(ctx, chromedp.Evaluate(hideLoginScript, &hidden)); err != nil {
		return false, fmt.Errorf("marketplace: hide login popup: %w", err)
	}
	return hidden, nil
}

const scrollScript = `(() => {
	const minWidth = window.innerWidth * 0.3;
	const container = Array.from(document.querySelectorAll('*')).find((el) => {
		const overflowY = window.getComputedStyle(el).getPropertyValue('overflow-y');
		return (overflowY === 'auto' || overflowY === 'scroll') &&
			el.getBoundingClientRect().width >= minWidth &&
			el.scrollHeight > el.clientHeight;
	});
	if (!container) return false;
	container.scrollTop = Math.min(container.scrollHeight, container.scrollTop + window.innerHeight * 2);
	return true;
})()`

func (p *chromePage) ScrollResults(ctx context.Context) (bool, error) {
	var scrolled bool
	if err := p.run(ctx, chromedp.Evaluate(scrollScript, &scrolled)); err != nil {
		return false, fmt.Errorf("marketplace: scroll: %w", err)
	}
	return scrolled, nil
}

func (p *chromePage) Close() { p.cancel() }

// run executes actions on the tab, bounded by ctx as well.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// findChromeBinary looks for a Chrome or Chromium binary on the system.
func findChromeBinary() string {
	if bin := os.Getenv("CHROME_BIN"); bin != "" {
		return bin
	}
	for _, name := range []string{"google-chrome-stable", "google-chrome", "chromium", "chromium-browser"} {
		if path, err := exec.LookPath(name); err == nil {
			return path
		}
	}
	for _, p := range []string{
		"/usr/bin/google-chrome-stable",
		"/usr/bin/chromium-browser",
		"/usr/bin/chromium",
		"/snap/bin/chromium",
		"/opt/google/chrome/google-chrome",
	} {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
