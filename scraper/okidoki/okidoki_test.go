package okidoki

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"listing-aggregator/fetch"
	"listing-aggregator/models"
	"listing-aggregator/proxy"
	"listing-aggregator/scraper"
	"listing-aggregator/services"
	"listing-aggregator/storage"
)

const card = `
<div class="classifieds__item">
  <a class="horiz-offer-card__image-link" href="/item/%[1]d/"><noscript><img src="/img/%[1]d.jpg"></noscript></a>
  <a class="horiz-offer-card__title-link" href="/item/bike-%[1]d/"> Bike %[1]d </a>
  <div class="horiz-offer-card__price-value">%[2]s</div>
  <div class="horiz-offer-card__location">Tartu</div>
  <div class="horiz-offer-card__date">%[3]s</div>
</div>`

func page(next bool, cards ...string) string {
	var b strings.Builder
	b.WriteString("<html><body><div class=\"classifieds\">")
	for _, c := range cards {
		b.WriteString(c)
	}
	b.WriteString("</div>")
	if next {
		b.WriteString(`<a class="pager__next" href="?p=next">›</a>`)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type pagesDoer struct {
	mu    sync.Mutex
	pages map[string]string
	urls  []string
}

func (d *pagesDoer) Do(_ context.Context, req fetch.Request) (*fetch.Response, error) {
	d.mu.Lock()
	d.urls = append(d.urls, req.URL)
	d.mu.Unlock()

	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, err
	}
	body, ok := d.pages[u.Query().Get("p")]
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	if !ok {
		return &fetch.Response{StatusCode: http.StatusNotFound, Header: h}, nil
	}
	return &fetch.Response{StatusCode: http.StatusOK, Header: h, Body: []byte(body)}, nil
}

func newTestScraper(t *testing.T, doer fetch.Doer) *Scraper {
	t.Helper()
	client := fetch.NewClient(doer, proxy.NewManager(nil, nil), nil)
	client.RetryDelay = time.Millisecond
	ing := services.NewIngester(storage.NewCache(storage.NewMemoryStore(), time.Hour, nil), nil, nil)
	s, err := New(client, ing, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.now = func() time.Time { return time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC) }
	return s
}

func TestProducePaginatesUntilNoNextLink(t *testing.T) {
	doer := &pagesDoer{pages: map[string]string{
		"1": page(true, fmt.Sprintf(card, 1, "120 €", "Täna"), fmt.Sprintf(card, 2, "1 250 €", "01.06.2024")),
		"2": page(false, fmt.Sprintf(card, 3, "€5", "14.06.2024")),
	}}
	s := newTestScraper(t, doer)

	var got []models.Listing
	err := s.Produce(context.Background(), scraper.Job{Query: "road bike"}, func(l models.Listing) bool {
		got = append(got, l)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(doer.urls) != 2 {
		t.Errorf("requests: got %d, want 2", len(doer.urls))
	}
	if len(got) != 3 {
		t.Fatalf("listings: got %d, want 3", len(got))
	}

	first := got[0]
	if first.Title != "Bike 1" || first.URL != "https://www.okidoki.ee/item/bike-1/" || first.Source != models.SourceOkidoki {
		t.Errorf("first listing: got %+v", first)
	}
	if first.Price.String() != "120" {
		t.Errorf("price: got %s, want 120", first.Price)
	}
	if got[1].Price.String() != "1250" {
		t.Errorf("grouped price: got %s, want 1250", got[1].Price)
	}
}

func TestProduceAppliesMaxDaysListed(t *testing.T) {
	doer := &pagesDoer{pages: map[string]string{
		"1": page(false, fmt.Sprintf(card, 1, "10 €", "Täna"), fmt.Sprintf(card, 2, "10 €", "01.05.2024")),
	}}
	s := newTestScraper(t, doer)

	var got []models.Listing
	job := scraper.Job{Query: "bike", Criteria: models.SearchCriteria{MaxDaysListed: 7}}
	if err := s.Produce(context.Background(), job, func(l models.Listing) bool {
		got = append(got, l)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Title != "Bike 1" {
		t.Errorf("listings: got %v, want only Bike 1", got)
	}
}

func TestProduceStopsWhenConsumerStops(t *testing.T) {
	doer := &pagesDoer{pages: map[string]string{
		"1": page(true, fmt.Sprintf(card, 1, "10 €", "Täna"), fmt.Sprintf(card, 2, "10 €", "Täna")),
		"2": page(false, fmt.Sprintf(card, 3, "10 €", "Täna")),
	}}
	s := newTestScraper(t, doer)

	n := 0
	err := s.Produce(context.Background(), scraper.Job{Query: "bike"}, func(models.Listing) bool {
		n++
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || len(doer.urls) != 1 {
		t.Errorf("got %d yields and %d requests, want 1 and 1", n, len(doer.urls))
	}
}

func TestProduceSurfacesProxyExhaustion(t *testing.T) {
	failing := fetchFunc(func(context.Context, fetch.Request) (*fetch.Response, error) {
		return nil, errors.New("tls handshake failed")
	})
	client := fetch.NewClient(failing, proxy.NewManager([]string{"http://p:1"}, nil), nil)
	client.RetryDelay = time.Millisecond
	ing := services.NewIngester(storage.NewCache(storage.NewMemoryStore(), time.Hour, nil), nil, nil)
	s, _ := New(client, ing, 0, nil)

	err := s.Produce(context.Background(), scraper.Job{Query: "bike"}, func(models.Listing) bool { return true })
	if !errors.Is(err, proxy.ErrAllProxiesBlocked) {
		t.Errorf("got %v, want ErrAllProxiesBlocked", err)
	}
}

type fetchFunc func(context.Context, fetch.Request) (*fetch.Response, error)

func (f fetchFunc) Do(ctx context.Context, req fetch.Request) (*fetch.Response, error) { return f(ctx, req) }

func TestSearchURL(t *testing.T) {
	tests := []struct {
		cond models.Condition
		want string
	}{
		{"", "https://www.okidoki.ee/buy/all/?p=2&query=road+bike"},
		{models.ConditionNew, "https://www.okidoki.ee/buy/all/?cond=1&p=2&query=road+bike"},
		{models.ConditionUsed, "https://www.okidoki.ee/buy/all/?cond=2&p=2&query=road+bike"},
	}
	for _, tt := range tests {
		if got := SearchURL("road bike", 2, tt.cond); got != tt.want {
			t.Errorf("SearchURL(%q) = %q; want %q", tt.cond, got, tt.want)
		}
	}
}
