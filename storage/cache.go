package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"listing-aggregator/models"
	"listing-aggregator/utils"
)

// Cache layers search staleness on top of a Store. A search older than the
// TTL is deleted (cascading its listings) the first time it is looked up.
type Cache struct {
	store  Store
	ttl    time.Duration
	logger *utils.Logger
	now    func() time.Time
}

// NewCache wraps store with a staleness TTL.
func NewCache(store Store, ttl time.Duration, logger *utils.Logger) *Cache {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Cache{store: store, ttl: ttl, logger: logger, now: time.Now}
}

// SetClock overrides the time source used for staleness checks.
func (c *Cache) SetClock(now func() time.Time) { c.now = now }

// Store returns the underlying store.
func (c *Cache) Store() Store { return c.store }

// TTL returns the staleness window.
func (c *Cache) TTL() time.Duration { return c.ttl }

// FreshSearch returns the search for the identity, or ErrNotFound if none
// exists or the newest one has gone stale (in which case it is evicted).
func (c *Cache) FreshSearch(ctx context.Context, query string, criteria models.SearchCriteria) (*models.Search, error) {
	s, err := c.store.FindSearch(ctx, query, criteria)
	if err != nil {
		return nil, err
	}
	if s.Stale(c.now(), c.ttl) {
		c.logger.Info("[cache] evicting stale search %d (%q)", s.ID, s.Query)
		if err := c.store.DeleteSearch(ctx, s.ID); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("cache: evict search %d: %w", s.ID, err)
		}
		return nil, ErrNotFound
	}
	return s, nil
}

// GetListings returns the cached listings of a fresh search. ok is false on
// a miss, including when the search exists but has no listings yet.
func (c *Cache) GetListings(ctx context.Context, query string, criteria models.SearchCriteria) (listings []models.Listing, ok bool, err error) {
	s, err := c.FreshSearch(ctx, query, criteria)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	listings, err = c.store.ListingsBySearch(ctx, s.ID)
	if err != nil {
		return nil, false, err
	}
	return listings, len(listings) > 0, nil
}

// GetOrCreateSearch resolves the fresh search for the identity, creating one
// when missing or stale.
func (c *Cache) GetOrCreateSearch(ctx context.Context, query string, criteria models.SearchCriteria) (*models.Search, error) {
	s, err := c.FreshSearch(ctx, query, criteria)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return c.store.CreateSearch(ctx, query, criteria)
}

// Sweep deletes every search older than the TTL.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	return c.store.DeleteSearchesBefore(ctx, c.now().Add(-c.ttl))
}

// RunSweeper calls Sweep every interval until ctx is done.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Sweep(ctx)
			if err != nil {
				c.logger.Warn("[cache] sweep failed: %v", err)
				continue
			}
			if n > 0 {
				c.logger.Info("[cache] swept %d stale searches", n)
			}
		}
	}
}

// Housekeep removes state left behind by a crashed run: processes still
// marked processing and searches that never received a listing. It must run
// before the first job is admitted.
func (c *Cache) Housekeep(ctx context.Context) error {
	procs, err := c.store.DeleteProcessing(ctx)
	if err != nil {
		return fmt.Errorf("cache: delete processing: %w", err)
	}
	empty, err := c.store.DeleteEmptySearches(ctx)
	if err != nil {
		return fmt.Errorf("cache: delete empty searches: %w", err)
	}
	c.logger.Info("[cache] housekeeping removed %d stale processes and %d empty searches", procs, empty)
	return nil
}
