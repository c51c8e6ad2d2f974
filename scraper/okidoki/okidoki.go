// Package okidoki scrapes the server-rendered okidoki.ee search pages.
package okidoki

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"

	"listing-aggregator/fetch"
	"listing-aggregator/models"
	"listing-aggregator/scraper"
	"listing-aggregator/services"
	"listing-aggregator/utils"
)

const baseURL = "https://www.okidoki.ee"

// Scraper walks okidoki.ee result pages until there is no next-page link.
type Scraper struct {
	collector *colly.Collector
	ingester  scraper.Ingester
	logger    *utils.Logger
	now       func() time.Time
}

var _ scraper.Producer = (*Scraper)(nil)

// New creates a Scraper whose requests go through the fingerprinted client,
// one at a time with pageDelay between them.
func New(client *fetch.Client, ingester scraper.Ingester, pageDelay time.Duration, logger *utils.Logger) (*Scraper, error) {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	c := colly.NewCollector(
		colly.AllowedDomains("www.okidoki.ee", "okidoki.ee"),
		colly.AllowURLRevisit(),
		colly.UserAgent(fetch.DefaultUserAgent),
	)
	c.WithTransport(&fetch.Transport{Client: client})
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "*okidoki.ee",
		Parallelism: 1,
		Delay:       pageDelay,
	}); err != nil {
		return nil, fmt.Errorf("okidoki: set limit rule: %w", err)
	}
	extensions.Referer(c)

	return &Scraper{collector: c, ingester: ingester, logger: logger, now: time.Now}, nil
}

func (s *Scraper) Source() models.Source { return models.SourceOkidoki }

// Produce scrapes every result page for job.
func (s *Scraper) Produce(ctx context.Context, job scraper.Job, yield scraper.Yield) error {
	now := s.now()
	sink := scraper.NewSink(s.ingester, models.SourceOkidoki, job, yield, now, s.logger)

	collector := s.collector.Clone()
	collector.Context = ctx

	var hasNext bool
	var cards int
	var responseErr error

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml")
		r.Headers.Set("Accept-Language", "et,en;q=0.8")
	})

	collector.OnHTML(".classifieds__item", func(e *colly.HTMLElement) {
		if sink.Stopped() {
			return
		}
		cards++
		raw, ok := parseCard(e.DOM, now)
		if !ok {
			return
		}
		sink.Emit(ctx, raw)
	})

	collector.OnHTML("a.pager__next", func(e *colly.HTMLElement) {
		if strings.TrimSpace(e.Attr("href")) != "" {
			hasNext = true
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		responseErr = fmt.Errorf("okidoki: request to %s failed with status %d: %w", r.Request.URL, r.StatusCode, err)
	})

	for page := 1; ; page++ {
		hasNext, cards, responseErr = false, 0, nil
		target := SearchURL(job.Query, page, job.Criteria.Condition)

		if err := collector.Visit(target); err != nil && responseErr == nil {
			responseErr = fmt.Errorf("okidoki: visit %s: %w", target, err)
		}
		collector.Wait()

		if responseErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return responseErr
		}
		s.logger.Debug("[okidoki] page %d: %d cards", page, cards)

		if sink.Stopped() || !hasNext || ctx.Err() != nil {
			break
		}
	}

	s.logger.Info("[okidoki] %q done: %d listings", job.Query, sink.Emitted())
	return nil
}

// SearchURL builds the result page URL for a query.
func SearchURL(query string, page int, cond models.Condition) string {
	q := url.Values{}
	q.Set("query", query)
	q.Set("p", strconv.Itoa(page))
	switch cond {
	case models.ConditionNew:
		q.Set("cond", "1")
	case models.ConditionUsed:
		q.Set("cond", "2")
	}
	return baseURL + "/buy/all/?" + q.Encode()
}

// parseCard reads one result card. Cards missing a title, link, price,
// location or image are skipped.
func parseCard(card *goquery.Selection, now time.Time) (models.RawListing, bool) {
	link := card.Find("a.horiz-offer-card__title-link").First()
	title := strings.TrimSpace(link.Text())
	href, _ := link.Attr("href")
	listingURL := services.AbsoluteURL(baseURL, href)

	priceText := strings.TrimSpace(card.Find(".horiz-offer-card__price-value").First().Text())
	priceText = strings.NewReplacer("€", "", "$", "", "£", "").Replace(priceText)
	price, ok := services.ParsePrice(priceText)
	if !ok {
		return models.RawListing{}, false
	}

	location := strings.TrimSpace(card.Find(".horiz-offer-card__location").First().Text())

	thumbnail := services.AbsoluteURL(baseURL, noscriptImage(card.Find("a.horiz-offer-card__image-link > noscript").First()))

	if title == "" || listingURL == "" || location == "" || thumbnail == "" {
		return models.RawListing{}, false
	}

	raw := models.RawListing{
		Price:        price,
		Title:        title,
		Location:     location,
		ThumbnailSrc: thumbnail,
		URL:          listingURL,
	}
	if listedAt, ok := services.ParseListedDate(card.Find(".horiz-offer-card__date").First().Text(), now); ok {
		raw.ListedAt = &listedAt
	}
	return raw, true
}

// noscriptImage returns the img src inside a noscript fallback. The parser
// keeps noscript content as text, so it is parsed again as a fragment.
func noscriptImage(ns *goquery.Selection) string {
	if ns.Length() == 0 {
		return ""
	}
	if src, ok := ns.Find("img").Attr("src"); ok {
		return src
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(ns.Text()))
	if err != nil {
		return ""
	}
	src, _ := doc.Find("img").First().Attr("src")
	return src
}
