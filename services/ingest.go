package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"listing-aggregator/fetch"
	"listing-aggregator/models"
	"listing-aggregator/proxy"
	"listing-aggregator/storage"
	"listing-aggregator/utils"
)

// ThumbnailFetcher downloads thumbnail bytes for a listing source.
type ThumbnailFetcher interface {
	FetchThumbnail(ctx context.Context, src string, source models.Source) ([]byte, error)
}

// Thumbnails fetches Marketplace images with the fingerprinted client (its
// CDN fingerprints as well) and everything else with a plain proxied GET.
type Thumbnails struct {
	tls     *fetch.Client
	proxies *proxy.Manager
}

// NewThumbnails creates a Thumbnails fetcher.
func NewThumbnails(tls *fetch.Client, proxies *proxy.Manager) *Thumbnails {
	return &Thumbnails{tls: tls, proxies: proxies}
}

func (t *Thumbnails) FetchThumbnail(ctx context.Context, src string, source models.Source) ([]byte, error) {
	u, err := url.Parse(src)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("thumbnail: malformed url %q", src)
	}

	if source == models.SourceMarketplace {
		resp, _, err := t.tls.Get(ctx, src, nil, fetch.CallOptions{Attempts: 1, KeepProxy: true})
		if err != nil {
			return nil, fmt.Errorf("thumbnail: %w", err)
		}
		return resp.Body, nil
	}

	resp, err := t.proxies.Fetch(ctx, src, proxy.FetchOptions{MaxAttempts: 3})
	if err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	return resp.Body, nil
}

// Ingester turns raw scraped records into cached, deduplicated listings.
type Ingester struct {
	cache      *storage.Cache
	thumbnails ThumbnailFetcher
	cleaner    *Cleaner
	logger     *utils.Logger
}

// NewIngester creates an Ingester.
func NewIngester(cache *storage.Cache, thumbnails ThumbnailFetcher, logger *utils.Logger) *Ingester {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Ingester{cache: cache, thumbnails: thumbnails, cleaner: NewCleaner(logger), logger: logger}
}

// ErrInvalidListing is returned for records missing a URL or title.
var ErrInvalidListing = errors.New("ingest: invalid listing")

// AddListing stores raw under the search for (query, criteria) and returns
// the stored listing. A URL already cached for that search returns the
// existing row without fetching the thumbnail again. Thumbnail failures only
// leave the listing without an image.
func (in *Ingester) AddListing(ctx context.Context, raw models.RawListing, query string, source models.Source, criteria models.SearchCriteria) (*models.Listing, error) {
	raw, ok := in.cleaner.CleanOne(raw)
	if !ok {
		return nil, ErrInvalidListing
	}

	search, err := in.cache.GetOrCreateSearch(ctx, query, criteria)
	if err != nil {
		return nil, fmt.Errorf("ingest: resolve search: %w", err)
	}

	store := in.cache.Store()
	existing, err := store.FindListingByURL(ctx, search.ID, raw.URL)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("ingest: lookup %s: %w", raw.URL, err)
	}

	var image []byte
	if raw.ThumbnailSrc != "" && in.thumbnails != nil {
		image, err = in.thumbnails.FetchThumbnail(ctx, raw.ThumbnailSrc, source)
		if err != nil {
			in.logger.Warn("[ingest] thumbnail skipped for %s: %v", raw.URL, err)
			image = nil
		}
	}

	listing := models.Listing{
		SearchID: search.ID,
		Price:    raw.Price,
		Title:    raw.Title,
		Location: raw.Location,
		URL:      raw.URL,
		Source:   source,
	}
	stored, _, err := store.InsertListing(ctx, listing, image)
	if err != nil {
		return nil, fmt.Errorf("ingest: insert %s: %w", raw.URL, err)
	}
	return stored, nil
}

// AbsoluteURL resolves ref against base, returning "" when either is invalid.
func AbsoluteURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return b.ResolveReference(r).String()
}
