// Package marketplace scrapes Facebook Marketplace search results. The first
// page comes from the HTML served to a fingerprinted client; later pages come
// from replaying the GraphQL pagination query inside a headless browser.
package marketplace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"time"

	"listing-aggregator/fetch"
	"listing-aggregator/models"
	"listing-aggregator/proxy"
	"listing-aggregator/queue"
	"listing-aggregator/scraper"
	"listing-aggregator/services"
	"listing-aggregator/utils"
)

var (
	// ErrProxyBlocked means the site answered with its login wall.
	ErrProxyBlocked = errors.New("marketplace: proxy blocked by login wall")
	// ErrTooManyRequests means pagination replayed more than MaxReplays times.
	ErrTooManyRequests = errors.New("marketplace: too many repeated requests")
	// ErrCursorStuck means a response handed back the cursor just used.
	ErrCursorStuck = errors.New("marketplace: cursor did not change")
	// ErrInterstitial means the "See more on Facebook" popup could not be closed.
	ErrInterstitial = errors.New("marketplace: failed to close interstitial")
)

// MaxReplays bounds how many pagination requests one session replays.
const MaxReplays = 50

// Scraper produces Marketplace listings for a job.
type Scraper struct {
	tls      *fetch.Client
	queue    *queue.Manager
	ingester scraper.Ingester
	pages    PageOpener
	cleaner  *services.Cleaner
	logger   *utils.Logger

	// CaptureTimeout bounds the wait for the first pagination query after
	// scrolling. Running out ends pagination without an error.
	CaptureTimeout time.Duration

	sleep func(context.Context, time.Duration) error
}

var _ scraper.Producer = (*Scraper)(nil)

// New creates a Scraper.
func New(tls *fetch.Client, q *queue.Manager, ingester scraper.Ingester, pages PageOpener, logger *utils.Logger) *Scraper {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Scraper{
		tls:            tls,
		queue:          q,
		ingester:       ingester,
		pages:          pages,
		cleaner:        services.NewCleaner(logger),
		logger:         logger,
		CaptureTimeout: 5 * time.Second,
		sleep:          utils.Sleep,
	}
}

func (s *Scraper) Source() models.Source { return models.SourceMarketplace }

// Produce yields the first page straight away, then waits for its turn in
// the queue and either follows an identical running job or pages through
// the results in a browser.
func (s *Scraper) Produce(ctx context.Context, job scraper.Job, yield scraper.Yield) error {
	target := SearchURL(OptionsFor(job.Query, job.Criteria))
	sink := scraper.NewSink(s.ingester, models.SourceMarketplace, job, yield, time.Now(), s.logger)
	seen := utils.NewURLSet()

	emit := func(raws []models.RawListing) bool {
		for _, raw := range raws {
			if !seen.Add(raw.URL) {
				continue
			}
			if !sink.Emit(ctx, raw) {
				return false
			}
		}
		return true
	}

	first, err := s.fetchFirst(ctx, target)
	if err != nil {
		if errors.Is(err, proxy.ErrAllProxiesBlocked) || ctx.Err() != nil {
			return err
		}
		s.logger.Warn("[marketplace] first page failed for %q: %v", job.Query, err)
	}
	s.logger.Info("[marketplace] %q: %d listings on the first page", job.Query, len(first))
	if !emit(s.cleaner.Clean(first)) {
		return nil
	}

	if job.ProcessID != 0 {
		if err := s.queue.WaitUntilNextInLine(ctx, job.ProcessID); err != nil {
			return err
		}
		existing, err := s.queue.FindQueueProcess(ctx, job.Query, job.Criteria, job.ProcessID)
		if err != nil {
			return err
		}
		if existing != nil && existing.Status == models.StatusProcessing {
			s.logger.Info("[marketplace] %q is already being scraped by process %d, following it", job.Query, existing.ID)
			return s.queue.GenerateFromExisting(ctx, existing.ID, func(l models.Listing) bool {
				if !seen.Add(l.URL) {
					return true
				}
				return yield(l)
			})
		}
	}

	if err := s.browse(ctx, target, emit); err != nil {
		return err
	}
	s.logger.Info("[marketplace] %q done: %d listings from %d urls", job.Query, sink.Emitted(), seen.Size())
	return nil
}

// fetchFirst reads the listings embedded in the search page HTML. A login
// wall burns the proxy and the page is fetched again through another one.
func (s *Scraper) fetchFirst(ctx context.Context, target string) ([]models.RawListing, error) {
	headers := http.Header{}
	headers.Set("Accept", "text/html")
	headers.Set("Accept-Language", "en,en-GB;q=0.9")
	headers.Set("Sec-Fetch-Mode", "navigate")

	for {
		resp, proxyURL, err := s.tls.Get(ctx, target, headers, fetch.CallOptions{})
		if err != nil {
			return nil, err
		}

		if bytes.Contains(resp.Body, []byte(LoginWallMarker)) {
			if err := s.burn(proxyURL); err != nil {
				return nil, err
			}
			continue
		}

		payloads, err := ScriptPayloads(resp.Body)
		if err != nil {
			return nil, err
		}
		var out []models.RawListing
		for _, p := range payloads {
			listings, _, err := Extract(p, PreloadExtractor)
			if errors.Is(err, ErrShapeMiss) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, listings...)
		}
		return out, nil
	}
}

// burn blocks a proxy that hit the login wall. It fails when there is no
// other proxy to switch to.
func (s *Scraper) burn(proxyURL string) error {
	if proxyURL == "" {
		return ErrProxyBlocked
	}
	if !s.tls.Proxies().Block(proxyURL) {
		return fmt.Errorf("%w: %v", proxy.ErrAllProxiesBlocked, ErrProxyBlocked)
	}
	s.logger.Warn("[marketplace] proxy %s hit the login wall, switching", proxy.Redact(proxyURL))
	return nil
}

// browse runs browser sessions until one ends without hitting the login
// wall.
func (s *Scraper) browse(ctx context.Context, target string, emit func([]models.RawListing) bool) error {
	for {
		proxyURL, err := s.tls.Proxies().Acquire()
		if err != nil {
			return err
		}
		err = s.session(ctx, proxyURL, target, emit)
		if !errors.Is(err, ErrProxyBlocked) {
			return err
		}
		if err := s.burn(proxyURL); err != nil {
			return err
		}
	}
}

func (s *Scraper) session(ctx context.Context, proxyURL, target string, emit func([]models.RawListing) bool) error {
	page, err := s.pages.Open(ctx, proxyURL, target)
	if err != nil {
		return err
	}
	defer page.Close()

	walled, err := page.LoginWalled(ctx)
	if err != nil {
		return err
	}
	if walled {
		return ErrProxyBlocked
	}

	if err := page.AcceptCookies(ctx); err != nil {
		return err
	}
	if _, err := page.CloseSeeMore(ctx); err != nil {
		return err
	}
	hidden, err := page.HideLoginPopup(ctx)
	if err != nil {
		return err
	}
	if !hidden {
		s.logger.Debug("[marketplace] no login popup to hide")
	}

	return s.paginate(ctx, page, emit)
}

// paginate scrolls once to make the page send its pagination query, then
// replays that query with each returned cursor until the feed ends.
func (s *Scraper) paginate(ctx context.Context, page Page, emit func([]models.RawListing) bool) error {
	if err := closeSeeMore(ctx, page); err != nil {
		return err
	}
	scrolled, err := page.ScrollResults(ctx)
	if err != nil {
		return err
	}
	if !scrolled {
		s.logger.Info("[marketplace] nothing to scroll")
		return nil
	}

	req, err := page.NextPaginationRequest(ctx, s.CaptureTimeout)
	if err != nil {
		return err
	}
	if req == nil || len(req.Body) == 0 {
		s.logger.Info("[marketplace] no pagination request within %s", s.CaptureTimeout)
		return nil
	}
	if err := closeSeeMore(ctx, page); err != nil {
		return err
	}

	body := req.Body
	prevCursor := ""
	for counter := 0; ; counter++ {
		if bytes.Contains(body, []byte(LoginWallMarker)) {
			return ErrProxyBlocked
		}
		listings, _, err := Extract(body, PaginationExtractor)
		if err != nil {
			return fmt.Errorf("marketplace: page %d: %w", counter, err)
		}
		if !emit(listings) {
			return nil
		}

		info, err := ParsePageInfo(body)
		if err != nil {
			return fmt.Errorf("marketplace: page %d: %w", counter, err)
		}
		if !info.HasNextPage {
			return nil
		}
		if counter > MaxReplays {
			return ErrTooManyRequests
		}
		if counter > 5 {
			s.logger.Warn("[marketplace] slowing down, %d requests replayed", counter)
		}
		if err := s.sleep(ctx, replayDelay(counter)); err != nil {
			return err
		}
		if info.EndCursor == prevCursor {
			return ErrCursorStuck
		}

		body, err = page.Replay(ctx, req, info.EndCursor)
		if err != nil {
			return err
		}
		if len(body) == 0 {
			return nil
		}
		prevCursor = info.EndCursor
	}
}

func closeSeeMore(ctx context.Context, page Page) error {
	closed, err := page.CloseSeeMore(ctx)
	if err != nil {
		return err
	}
	if !closed {
		return ErrInterstitial
	}
	return nil
}

// replayDelay paces replays, slowing down as a session goes on.
func replayDelay(counter int) time.Duration {
	base := 800 * time.Millisecond
	switch {
	case counter > 10:
		base = 1500 * time.Millisecond
	case counter > 5:
		base = 1200 * time.Millisecond
	}
	return base + rand.N(200*time.Millisecond)
}
