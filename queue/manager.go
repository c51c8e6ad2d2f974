package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"listing-aggregator/models"
	"listing-aggregator/storage"
	"listing-aggregator/utils"
)

// ErrProcessNotFound means a queue process id does not exist. Finishing an
// unknown process is an invariant violation.
var ErrProcessNotFound = errors.New("queue: process not found")

// Admission is the outcome of Admit.
type Admission int

const (
	// Cached means fresh listings exist and nothing is scraping them.
	Cached Admission = iota
	// Follower means another request is already scraping the identity.
	Follower
	// Owner means a new process was registered for the caller to run.
	Owner
)

func (a Admission) String() string {
	switch a {
	case Cached:
		return "cached"
	case Follower:
		return "follower"
	case Owner:
		return "owner"
	}
	return "unknown"
}

// Ticket is what Admit hands back to a request.
type Ticket struct {
	Admission Admission
	Process   *models.QueueProcess
	Listings  []models.Listing
}

// Manager coordinates scrape jobs over the cache.
type Manager struct {
	cache  *storage.Cache
	logger *utils.Logger

	admitMu sync.Mutex

	// FollowInterval is how often GenerateFromExisting re-reads results.
	FollowInterval time.Duration
	// GateInterval is how often WaitUntilNextInLine re-checks the queue.
	GateInterval time.Duration
}

// NewManager creates a Manager with the default polling intervals.
func NewManager(cache *storage.Cache, logger *utils.Logger) *Manager {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Manager{
		cache:          cache,
		logger:         logger,
		FollowInterval: 500 * time.Millisecond,
		GateInterval:   200 * time.Millisecond,
	}
}

// Cache returns the cache the manager works on.
func (m *Manager) Cache() *storage.Cache { return m.cache }

// AddToQueue registers a new Search and a processing QueueProcess for it.
// Callers must already have ruled out a cache hit.
func (m *Manager) AddToQueue(ctx context.Context, query string, criteria models.SearchCriteria) (*models.QueueProcess, error) {
	store := m.cache.Store()
	s, err := store.CreateSearch(ctx, query, criteria)
	if err != nil {
		return nil, fmt.Errorf("queue: create search: %w", err)
	}
	p, err := store.CreateProcess(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("queue: create process: %w", err)
	}
	m.logger.Info("[queue] process %d registered for %q (%s)", p.ID, query, criteria.Key())
	return p, nil
}

// FindQueueProcess returns the newest process for the identity, skipping
// excludeID. It returns nil when there is none.
func (m *Manager) FindQueueProcess(ctx context.Context, query string, criteria models.SearchCriteria, excludeID int64) (*models.QueueProcess, error) {
	p, err := m.cache.Store().FindProcess(ctx, query, criteria, excludeID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: find process: %w", err)
	}
	return p, nil
}

// FinishQueueProcess marks the process finished.
func (m *Manager) FinishQueueProcess(ctx context.Context, id int64) error {
	err := m.cache.Store().SetProcessStatus(ctx, id, models.StatusFinished)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %d", ErrProcessNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("queue: finish process %d: %w", id, err)
	}
	m.logger.Info("[queue] process %d finished", id)
	return nil
}

// Admit decides how a request for the identity is served. The decision and
// any registration happen under one lock so that concurrent identical
// requests produce at most one processing job.
func (m *Manager) Admit(ctx context.Context, query string, criteria models.SearchCriteria) (*Ticket, error) {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	existing, err := m.FindQueueProcess(ctx, query, criteria, 0)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == models.StatusProcessing {
		m.logger.Info("[queue] following process %d for %q", existing.ID, query)
		return &Ticket{Admission: Follower, Process: existing}, nil
	}

	listings, ok, err := m.cache.GetListings(ctx, query, criteria)
	if err != nil {
		return nil, fmt.Errorf("queue: read cache: %w", err)
	}
	if ok {
		m.logger.Info("[queue] serving %d cached listings for %q", len(listings), query)
		return &Ticket{Admission: Cached, Listings: listings}, nil
	}

	p, err := m.AddToQueue(ctx, query, criteria)
	if err != nil {
		return nil, err
	}
	return &Ticket{Admission: Owner, Process: p}, nil
}

// GenerateFromExisting streams the listings of the process's search as they
// appear, re-reading every FollowInterval, until the process is finished or
// gone. Each listing is yielded once. Returning false from yield stops the
// stream.
func (m *Manager) GenerateFromExisting(ctx context.Context, id int64, yield func(models.Listing) bool) error {
	store := m.cache.Store()
	seen := make(map[int64]bool)

	for {
		p, err := store.GetProcess(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queue: follow process %d: %w", id, err)
		}

		listings, err := store.ListingsBySearch(ctx, p.SearchID)
		if err != nil {
			return fmt.Errorf("queue: follow process %d: %w", id, err)
		}
		for _, l := range listings {
			if seen[l.ID] {
				continue
			}
			seen[l.ID] = true
			if !yield(l) {
				return nil
			}
		}

		if p.Status == models.StatusFinished {
			return nil
		}
		if err := utils.Sleep(ctx, m.FollowInterval); err != nil {
			return err
		}
	}
}

// WaitUntilNextInLine blocks until id is the lowest-id processing process.
// It returns early if the process is finished, and ErrProcessNotFound if it
// disappears.
func (m *Manager) WaitUntilNextInLine(ctx context.Context, id int64) error {
	store := m.cache.Store()
	logged := false

	for {
		p, err := store.GetProcess(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %d", ErrProcessNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("queue: gate %d: %w", id, err)
		}
		if p.Status != models.StatusProcessing {
			return nil
		}

		head, err := store.EarliestProcessing(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("queue: gate %d: %w", id, err)
		}
		if head == nil || head.ID == id {
			return nil
		}
		if !logged {
			m.logger.Info("[queue] process %d waiting behind %d", id, head.ID)
			logged = true
		}
		if err := utils.Sleep(ctx, m.GateInterval); err != nil {
			return err
		}
	}
}
