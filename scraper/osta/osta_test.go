package osta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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

// apiDoer serves pages of synthetic items, claiming claimedTotal results.
type apiDoer struct {
	mu           sync.Mutex
	claimedTotal int
	available    int
	requests     []string
	itemFn       func(id int) map[string]any
}

func (d *apiDoer) Do(_ context.Context, req fetch.Request) (*fetch.Response, error) {
	d.mu.Lock()
	d.requests = append(d.requests, req.URL)
	d.mu.Unlock()

	u, _ := url.Parse(req.URL)
	start, _ := strconv.Atoi(u.Query().Get("start"))
	size, _ := strconv.Atoi(u.Query().Get("pagesize"))

	var items []map[string]any
	for id := start + 1; id <= start+size && id <= d.available; id++ {
		items = append(items, d.itemFn(id))
	}
	body, _ := json.Marshal([]map[string]any{{"items": items, "total": d.claimedTotal}})

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &fetch.Response{StatusCode: http.StatusOK, Header: h, Body: body}, nil
}

func buyNowItem(id int) map[string]any {
	return map[string]any{
		"id":                 id,
		"title":              fmt.Sprintf("Item %d", id),
		"location":           "Tallinn",
		"image_id":           nil,
		"images":             []any{},
		"buynow_allowed":     true,
		"buynow_price":       20,
		"buynow_offer_price": nil,
		"date_start":         "2024-06-01 10:00:00",
	}
}

func newTestScraper(t *testing.T, doer fetch.Doer) *Scraper {
	t.Helper()
	client := fetch.NewClient(doer, proxy.NewManager(nil, nil), nil)
	ing := services.NewIngester(storage.NewCache(storage.NewMemoryStore(), time.Hour, nil), nil, nil)
	s, err := New(client, ing, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func collect(t *testing.T, s *Scraper, job scraper.Job) []models.Listing {
	t.Helper()
	var got []models.Listing
	if err := s.Produce(context.Background(), job, func(l models.Listing) bool {
		got = append(got, l)
		return true
	}); err != nil {
		t.Fatal(err)
	}
	return got
}

func TestProduceClampsTotal(t *testing.T) {
	doer := &apiDoer{claimedTotal: 1500, available: 5000, itemFn: buyNowItem}
	got := collect(t, newTestScraper(t, doer), scraper.Job{Query: "lamp"})

	// ceil(1000/60) pages, never one more.
	pages := (MaxTotal + PageSize - 1) / PageSize
	if len(doer.requests) != pages {
		t.Errorf("requests: got %d, want %d", len(doer.requests), pages)
	}
	if len(got) != pages*PageSize {
		t.Errorf("listings: got %d, want %d", len(got), pages*PageSize)
	}
}

func TestProduceStopsExactlyAtTotal(t *testing.T) {
	doer := &apiDoer{claimedTotal: 120, available: 500, itemFn: buyNowItem}
	got := collect(t, newTestScraper(t, doer), scraper.Job{Query: "lamp"})
	if len(got) != 120 || len(doer.requests) != 2 {
		t.Errorf("got %d listings over %d requests, want 120 over 2", len(got), len(doer.requests))
	}
}

func TestProduceSkipsAuctionsButCountsThem(t *testing.T) {
	doer := &apiDoer{claimedTotal: 4, available: 4, itemFn: func(id int) map[string]any {
		it := buyNowItem(id)
		if id%2 == 0 {
			it["buynow_allowed"] = false
			it["buynow_price"] = nil
		}
		return it
	}}
	got := collect(t, newTestScraper(t, doer), scraper.Job{Query: "lamp"})
	if len(got) != 2 {
		t.Errorf("listings: got %d, want 2", len(got))
	}
	if len(doer.requests) != 1 {
		t.Errorf("requests: got %d, want 1", len(doer.requests))
	}
}

func TestProduceStopsOnStalledPages(t *testing.T) {
	doer := &apiDoer{claimedTotal: 300, available: 60, itemFn: buyNowItem}
	got := collect(t, newTestScraper(t, doer), scraper.Job{Query: "lamp"})
	if len(got) != 60 || len(doer.requests) != 2 {
		t.Errorf("got %d listings over %d requests, want 60 over 2", len(got), len(doer.requests))
	}
}

func TestToRawPrice(t *testing.T) {
	var it item
	payload := `{"id":9,"title":"Chair","buynow_allowed":true,"buynow_price":"50.00","buynow_offer_price":45,"image_id":123456789,"date_start":"2024-06-01T10:00:00+03:00"}`
	if err := json.Unmarshal([]byte(payload), &it); err != nil {
		t.Fatal(err)
	}
	raw, ok := toRaw(it)
	if !ok {
		t.Fatal("toRaw: skipped a buy-now item")
	}
	if raw.Price.String() != "45" {
		t.Errorf("price: got %s, want 45", raw.Price)
	}
	if raw.URL != "https://osta.ee/9" {
		t.Errorf("url: got %s", raw.URL)
	}
	if raw.ThumbnailSrc != "https://osta.img-bcg.eu/item/11/6789/123456789.jpg" {
		t.Errorf("thumbnail: got %s", raw.ThumbnailSrc)
	}
	if raw.ListedAt == nil {
		t.Error("listedAt: got nil")
	}
}

func TestThumbnailURLFallbacks(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"images":[{"id":555001}]}`, "https://osta.img-bcg.eu/item/11/5001/555001.jpg"},
		{`{"images":[]}`, defaultThumbnail},
		{`{"image_id":null}`, defaultThumbnail},
	}
	for _, tt := range tests {
		var it item
		if err := json.Unmarshal([]byte(tt.payload), &it); err != nil {
			t.Fatal(err)
		}
		if got := ThumbnailURL(it); got != tt.want {
			t.Errorf("ThumbnailURL(%s) = %s; want %s", tt.payload, got, tt.want)
		}
	}
}

func TestSearchURL(t *testing.T) {
	got := SearchURL("office chair", 3, models.ConditionUsed)
	for _, want := range []string{
		"q%5Bq%5D=office+chair",
		"pagesize=60",
		"start=120",
		"q%5Bcond%5D%5B%5D=2&q%5Bcond%5D%5B%5D=3&q%5Bcond%5D%5B%5D=4",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("SearchURL = %s; missing %s", got, want)
		}
	}
	if strings.Contains(SearchURL("x", 1, ""), "cond") {
		t.Error("no condition should send no cond key")
	}
}
