package marketplace

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/shopspring/decimal"

	"listing-aggregator/models"
)

// ErrShapeMiss means an extractor does not apply to a payload.
var ErrShapeMiss = errors.New("marketplace: payload shape not recognised")

// LoginWallMarker appears on pages served to blocked clients.
const LoginWallMarker = "You must log in to continue"

// preloadMarker identifies inline script payloads that carry listings.
const preloadMarker = "__isMarketplaceListingRenderable"

const itemURLPrefix = "https://www.facebook.com/marketplace/item/"

type feedUnits struct {
	Edges    []edge   `json:"edges"`
	PageInfo PageInfo `json:"page_info"`
}

// PageInfo is the pagination state of a search response.
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}

type edge struct {
	Node struct {
		Listing *jsonListing `json:"listing"`
	} `json:"node"`
}

type jsonListing struct {
	ID           string `json:"id"`
	Title        string `json:"marketplace_listing_title"`
	ListingPrice *struct {
		Amount string `json:"amount"`
	} `json:"listing_price"`
	Location *struct {
		ReverseGeocode *struct {
			CityPage *struct {
				DisplayName string `json:"display_name"`
			} `json:"city_page"`
		} `json:"reverse_geocode"`
	} `json:"location"`
	PrimaryListingPhoto *struct {
		Image *struct {
			URI string `json:"uri"`
		} `json:"image"`
	} `json:"primary_listing_photo"`
}

type searchResponse struct {
	Data *struct {
		MarketplaceSearch *struct {
			FeedUnits *feedUnits `json:"feed_units"`
		} `json:"marketplace_search"`
	} `json:"data"`
}

// Extractor turns one payload into raw listings, or returns ErrShapeMiss.
type Extractor struct {
	Name    string
	Extract func(payload []byte) ([]models.RawListing, error)
}

// PreloadExtractor reads the search results embedded in the initial HTML.
var PreloadExtractor = Extractor{Name: "preload", Extract: extractPreload}

// PaginationExtractor reads a pagination query response.
var PaginationExtractor = Extractor{Name: "pagination", Extract: extractPagination}

// Extract runs the extractors in order and returns the first match.
func Extract(payload []byte, extractors ...Extractor) ([]models.RawListing, string, error) {
	for _, e := range extractors {
		listings, err := e.Extract(payload)
		if errors.Is(err, ErrShapeMiss) {
			continue
		}
		if err != nil {
			return nil, e.Name, err
		}
		return listings, e.Name, nil
	}
	return nil, "", ErrShapeMiss
}

// preloadPath leads from a preload payload to its feed units.
var preloadPath = []any{
	"require", 0, 3, 0, "__bbox", "require", 0, 3, 1, "__bbox",
	"result", "data", "marketplace_search", "feed_units",
}

func extractPreload(payload []byte) ([]models.RawListing, error) {
	var root any
	if err := json.Unmarshal(payload, &root); err != nil {
		return nil, ErrShapeMiss
	}
	node, ok := walk(root, preloadPath...)
	if !ok {
		return nil, ErrShapeMiss
	}
	encoded, err := json.Marshal(node)
	if err != nil {
		return nil, fmt.Errorf("marketplace: re-encode feed units: %w", err)
	}
	var units feedUnits
	if err := json.Unmarshal(encoded, &units); err != nil {
		return nil, ErrShapeMiss
	}
	return units.listings(), nil
}

func extractPagination(payload []byte) ([]models.RawListing, error) {
	units, err := decodeSearchResponse(payload)
	if err != nil {
		return nil, err
	}
	return units.listings(), nil
}

// ParsePageInfo reads the pagination state of a search response.
func ParsePageInfo(payload []byte) (PageInfo, error) {
	units, err := decodeSearchResponse(payload)
	if err != nil {
		return PageInfo{}, err
	}
	return units.PageInfo, nil
}

func decodeSearchResponse(payload []byte) (*feedUnits, error) {
	// Responses may stream several JSON values; the first holds the feed.
	var resp searchResponse
	if err := json.NewDecoder(bytes.NewReader(payload)).Decode(&resp); err != nil {
		return nil, ErrShapeMiss
	}
	if resp.Data == nil || resp.Data.MarketplaceSearch == nil || resp.Data.MarketplaceSearch.FeedUnits == nil {
		return nil, ErrShapeMiss
	}
	return resp.Data.MarketplaceSearch.FeedUnits, nil
}

// walk follows a path of object keys and array indexes.
func walk(v any, path ...any) (any, bool) {
	for _, step := range path {
		switch key := step.(type) {
		case string:
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			if v, ok = obj[key]; !ok {
				return nil, false
			}
		case int:
			arr, ok := v.([]any)
			if !ok || key < 0 || key >= len(arr) {
				return nil, false
			}
			v = arr[key]
		default:
			return nil, false
		}
	}
	return v, true
}

// listings converts the edges, skipping those that are not listings or
// lack an id or a price.
func (u *feedUnits) listings() []models.RawListing {
	out := make([]models.RawListing, 0, len(u.Edges))
	for _, e := range u.Edges {
		l := e.Node.Listing
		if l == nil || l.ID == "" || l.ListingPrice == nil {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(l.ListingPrice.Amount))
		if err != nil {
			continue
		}

		raw := models.RawListing{
			Price: price,
			Title: l.Title,
			URL:   itemURLPrefix + l.ID,
		}
		if l.Location != nil && l.Location.ReverseGeocode != nil && l.Location.ReverseGeocode.CityPage != nil {
			raw.Location = l.Location.ReverseGeocode.CityPage.DisplayName
		}
		if l.PrimaryListingPhoto != nil && l.PrimaryListingPhoto.Image != nil {
			raw.ThumbnailSrc = l.PrimaryListingPhoto.Image.URI
		}
		out = append(out, raw)
	}
	return out
}

// ScriptPayloads returns the inline JSON scripts of a page that carry
// listing data.
func ScriptPayloads(html []byte) ([][]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("marketplace: parse html: %w", err)
	}
	var payloads [][]byte
	doc.Find(`script[type="application/json"]`).Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if strings.Contains(text, preloadMarker) {
			payloads = append(payloads, []byte(text))
		}
	})
	return payloads, nil
}
