package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Source identifies the site a listing was scraped from.
type Source string

const (
	SourceMarketplace Source = "marketplace"
	SourceOkidoki     Source = "okidoki"
	SourceOsta        Source = "ostaee"
)

// RawListing holds a scraped record before it is ingested into the cache.
// ListedAt is nil for sources that do not expose a posting date.
type RawListing struct {
	Price        decimal.Decimal
	Title        string
	Location     string
	ThumbnailSrc string
	URL          string
	ListedAt     *time.Time
}

// Listing is a cached, source-tagged record belonging to one Search.
type Listing struct {
	ID          int64           `json:"-"`
	SearchID    int64           `json:"-"`
	Price       decimal.Decimal `json:"price"`
	Title       string          `json:"title"`
	Location    string          `json:"location"`
	ThumbnailID *uuid.UUID      `json:"thumbnailId,omitempty"`
	URL         string          `json:"url"`
	Source      Source          `json:"source"`
	CreatedAt   time.Time       `json:"-"`
}

// Thumbnail is stored image bytes referenced by a Listing.
type Thumbnail struct {
	ID    uuid.UUID
	Image []byte
}
