package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"listing-aggregator/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("storage: not found")

// SearchStore persists search identities.
type SearchStore interface {
	CreateSearch(ctx context.Context, query string, criteria models.SearchCriteria) (*models.Search, error)
	// FindSearch returns the newest search with the given identity.
	FindSearch(ctx context.Context, query string, criteria models.SearchCriteria) (*models.Search, error)
	// DeleteSearch removes a search together with its listings, thumbnails
	// and queue processes.
	DeleteSearch(ctx context.Context, id int64) error
	DeleteSearchesBefore(ctx context.Context, before time.Time) (int64, error)
	DeleteEmptySearches(ctx context.Context) (int64, error)
}

// ListingStore persists listings and their thumbnails.
type ListingStore interface {
	FindListingByURL(ctx context.Context, searchID int64, url string) (*models.Listing, error)
	// InsertListing stores l (and thumbnail bytes, if any) unless a listing
	// with the same URL already exists for the search, in which case the
	// existing row is returned and created is false.
	InsertListing(ctx context.Context, l models.Listing, thumbnail []byte) (stored *models.Listing, created bool, err error)
	ListingsBySearch(ctx context.Context, searchID int64) ([]models.Listing, error)
	GetThumbnail(ctx context.Context, id uuid.UUID) (*models.Thumbnail, error)
}

// ProcessStore persists scrape jobs.
type ProcessStore interface {
	CreateProcess(ctx context.Context, searchID int64) (*models.QueueProcess, error)
	GetProcess(ctx context.Context, id int64) (*models.QueueProcess, error)
	// FindProcess returns the newest process whose search has the given
	// identity, skipping excludeID (0 skips nothing).
	FindProcess(ctx context.Context, query string, criteria models.SearchCriteria, excludeID int64) (*models.QueueProcess, error)
	SetProcessStatus(ctx context.Context, id int64, status models.ProcessStatus) error
	// EarliestProcessing returns the lowest-id processing job.
	EarliestProcessing(ctx context.Context) (*models.QueueProcess, error)
	DeleteProcessing(ctx context.Context) (int64, error)
}

// Store is the full persistent cache.
type Store interface {
	SearchStore
	ListingStore
	ProcessStore
	Close() error
}
