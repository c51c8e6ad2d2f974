// Package osta scrapes the osta.ee search JSON API.
package osta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/gocolly/colly/v2/extensions"
	"github.com/shopspring/decimal"

	"listing-aggregator/fetch"
	"listing-aggregator/models"
	"listing-aggregator/scraper"
	"listing-aggregator/utils"
)

const (
	apiURL = "https://api.osta.ee/api/search/"
	// PageSize is one of the sizes the API accepts (60, 120 or 180).
	PageSize = 60
	// MaxTotal is how far the API paginates reliably.
	MaxTotal = 1000

	imageURLFormat   = "https://osta.img-bcg.eu/item/11/%s/%s.jpg"
	defaultThumbnail = "https://www.osta.ee/assets/gfx/images/default_large.jpg"
)

type searchEnvelope []searchResult

type searchResult struct {
	Items []item `json:"items"`
	Total int    `json:"total"`
}

type item struct {
	ID               int64               `json:"id"`
	Title            string              `json:"title"`
	Location         string              `json:"location"`
	ImageID          *json.Number        `json:"image_id"`
	Images           []image             `json:"images"`
	BuyNowAllowed    bool                `json:"buynow_allowed"`
	BuyNowPrice      decimal.NullDecimal `json:"buynow_price"`
	BuyNowOfferPrice decimal.NullDecimal `json:"buynow_offer_price"`
	DateStart        string              `json:"date_start"`
}

type image struct {
	ID json.Number `json:"id"`
}

// Scraper pages through the API until every result has been seen.
type Scraper struct {
	collector *colly.Collector
	ingester  scraper.Ingester
	logger    *utils.Logger
}

var _ scraper.Producer = (*Scraper)(nil)

// New creates a Scraper whose requests go through the fingerprinted client,
// one at a time with pageDelay between them.
func New(client *fetch.Client, ingester scraper.Ingester, pageDelay time.Duration, logger *utils.Logger) (*Scraper, error) {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}

	c := colly.NewCollector(
		colly.AllowedDomains("api.osta.ee"),
		colly.AllowURLRevisit(),
		colly.UserAgent(fetch.DefaultUserAgent),
	)
	c.WithTransport(&fetch.Transport{Client: client})
	if err := c.Limit(&colly.LimitRule{
		DomainGlob:  "api.osta.ee",
		Parallelism: 1,
		Delay:       pageDelay,
	}); err != nil {
		return nil, fmt.Errorf("osta: set limit rule: %w", err)
	}
	extensions.Referer(c)

	return &Scraper{collector: c, ingester: ingester, logger: logger}, nil
}

func (s *Scraper) Source() models.Source { return models.SourceOsta }

// Produce pages through the results for job.
func (s *Scraper) Produce(ctx context.Context, job scraper.Job, yield scraper.Yield) error {
	sink := scraper.NewSink(s.ingester, models.SourceOsta, job, yield, time.Now(), s.logger)

	collector := s.collector.Clone()
	collector.Context = ctx

	seen := make(map[int64]struct{})
	var total, fresh int
	var responseErr error

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "application/json")
	})

	collector.OnResponse(func(r *colly.Response) {
		var env searchEnvelope
		if err := json.Unmarshal(r.Body, &env); err != nil {
			responseErr = fmt.Errorf("osta: decode %s: %w", r.Request.URL, err)
			return
		}
		if len(env) == 0 {
			responseErr = fmt.Errorf("osta: empty envelope from %s", r.Request.URL)
			return
		}

		total = env[0].Total
		if total > MaxTotal {
			total = MaxTotal
		}
		for _, it := range env[0].Items {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			fresh++

			raw, ok := toRaw(it)
			if !ok {
				continue
			}
			if !sink.Emit(ctx, raw) {
				return
			}
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		responseErr = fmt.Errorf("osta: request to %s failed with status %d: %w", r.Request.URL, r.StatusCode, err)
	})

	for page := 1; ; page++ {
		fresh, responseErr = 0, nil
		target := SearchURL(job.Query, page, job.Criteria.Condition)

		if err := collector.Visit(target); err != nil && responseErr == nil {
			responseErr = fmt.Errorf("osta: visit %s: %w", target, err)
		}
		collector.Wait()

		if responseErr != nil {
			if ctx.Err() != nil {
				return nil
			}
			return responseErr
		}
		s.logger.Debug("[osta] page %d: %d of %d ids seen", page, len(seen), total)

		if sink.Stopped() || len(seen) >= total || ctx.Err() != nil {
			break
		}
		if fresh == 0 {
			s.logger.Warn("[osta] page %d added no new ids, stopping at %d of %d", page, len(seen), total)
			break
		}
	}

	s.logger.Info("[osta] %q done: %d listings", job.Query, sink.Emitted())
	return nil
}

// SearchURL builds the API URL for one page. Condition values are sent as
// repeated q[cond][] keys.
func SearchURL(query string, page int, cond models.Condition) string {
	params := [][2]string{
		{"q[q]", query},
		{"pagesize", strconv.Itoa(PageSize)},
		{"start", strconv.Itoa((page - 1) * PageSize)},
	}
	switch cond {
	case models.ConditionNew:
		params = append(params, [2]string{"q[cond][]", "1"})
	case models.ConditionUsed:
		params = append(params, [2]string{"q[cond][]", "2"}, [2]string{"q[cond][]", "3"}, [2]string{"q[cond][]", "4"})
	}

	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, url.QueryEscape(p[0])+"="+url.QueryEscape(p[1]))
	}
	return apiURL + "?" + strings.Join(parts, "&")
}

// toRaw maps an API item. Auction-only items are skipped.
func toRaw(it item) (models.RawListing, bool) {
	if !it.BuyNowAllowed || !it.BuyNowPrice.Valid {
		return models.RawListing{}, false
	}

	price := it.BuyNowPrice.Decimal
	if it.BuyNowOfferPrice.Valid && it.BuyNowOfferPrice.Decimal.IsPositive() && it.BuyNowOfferPrice.Decimal.LessThan(price) {
		price = it.BuyNowOfferPrice.Decimal
	}

	raw := models.RawListing{
		Price:        price,
		Title:        it.Title,
		Location:     it.Location,
		ThumbnailSrc: ThumbnailURL(it),
		URL:          "https://osta.ee/" + strconv.FormatInt(it.ID, 10),
	}
	if listedAt, ok := parseDate(it.DateStart); ok {
		raw.ListedAt = &listedAt
	}
	return raw, true
}

// ThumbnailURL derives the image URL from the item's image id, falling back
// to the site's placeholder.
func ThumbnailURL(it item) string {
	var id string
	if it.ImageID != nil {
		id = it.ImageID.String()
	} else if len(it.Images) > 0 {
		id = it.Images[0].ID.String()
	}
	if id == "" {
		return defaultThumbnail
	}
	slice := id
	if len(id) > 4 {
		slice = id[len(id)-4:]
	}
	return fmt.Sprintf(imageURLFormat, slice, id)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
