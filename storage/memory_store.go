package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"listing-aggregator/models"
)

// MemoryStore is an in-process Store. It backs STORAGE_DRIVER=memory and the
// tests of every package that needs a cache.
type MemoryStore struct {
	mu sync.RWMutex

	nextSearch  int64
	nextListing int64
	nextProcess int64

	searches   map[int64]*models.Search
	listings   map[int64][]models.Listing
	thumbnails map[uuid.UUID]thumbRow
	processes  map[int64]*models.QueueProcess

	now func() time.Time
}

type thumbRow struct {
	searchID int64
	image    []byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		searches:   make(map[int64]*models.Search),
		listings:   make(map[int64][]models.Listing),
		thumbnails: make(map[uuid.UUID]thumbRow),
		processes:  make(map[int64]*models.QueueProcess),
		now:        time.Now,
	}
}

// SetClock overrides the creation timestamp source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) CreateSearch(_ context.Context, query string, criteria models.SearchCriteria) (*models.Search, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSearch++
	s := &models.Search{ID: m.nextSearch, Query: query, Criteria: criteria, CreatedAt: m.now()}
	m.searches[s.ID] = s
	copied := *s
	return &copied, nil
}

func (m *MemoryStore) FindSearch(_ context.Context, query string, criteria models.SearchCriteria) (*models.Search, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.Search
	for _, s := range m.searches {
		if s.Query != query || s.Criteria.Key() != criteria.Key() {
			continue
		}
		if found == nil || s.ID > found.ID {
			found = s
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	copied := *found
	return &copied, nil
}

func (m *MemoryStore) DeleteSearch(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.searches[id]; !ok {
		return ErrNotFound
	}
	m.deleteSearchLocked(id)
	return nil
}

func (m *MemoryStore) deleteSearchLocked(id int64) {
	delete(m.searches, id)
	delete(m.listings, id)
	for tid, t := range m.thumbnails {
		if t.searchID == id {
			delete(m.thumbnails, tid)
		}
	}
	for pid, p := range m.processes {
		if p.SearchID == id {
			delete(m.processes, pid)
		}
	}
}

func (m *MemoryStore) DeleteSearchesBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, s := range m.searches {
		if s.CreatedAt.Before(before) {
			m.deleteSearchLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) DeleteEmptySearches(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id := range m.searches {
		if len(m.listings[id]) == 0 {
			m.deleteSearchLocked(id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) FindListingByURL(_ context.Context, searchID int64, url string) (*models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, l := range m.listings[searchID] {
		if l.URL == url {
			copied := l
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) InsertListing(_ context.Context, l models.Listing, thumbnail []byte) (*models.Listing, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.searches[l.SearchID]; !ok {
		return nil, false, ErrNotFound
	}
	for _, existing := range m.listings[l.SearchID] {
		if existing.URL == l.URL {
			copied := existing
			return &copied, false, nil
		}
	}

	m.nextListing++
	l.ID = m.nextListing
	l.CreatedAt = m.now()
	l.ThumbnailID = nil
	if len(thumbnail) > 0 {
		id := uuid.New()
		m.thumbnails[id] = thumbRow{searchID: l.SearchID, image: append([]byte(nil), thumbnail...)}
		l.ThumbnailID = &id
	}
	m.listings[l.SearchID] = append(m.listings[l.SearchID], l)
	return &l, true, nil
}

func (m *MemoryStore) ListingsBySearch(_ context.Context, searchID int64) ([]models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Listing(nil), m.listings[searchID]...), nil
}

func (m *MemoryStore) GetThumbnail(_ context.Context, id uuid.UUID) (*models.Thumbnail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.thumbnails[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &models.Thumbnail{ID: id, Image: t.image}, nil
}

func (m *MemoryStore) CreateProcess(_ context.Context, searchID int64) (*models.QueueProcess, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.searches[searchID]; !ok {
		return nil, ErrNotFound
	}
	m.nextProcess++
	p := &models.QueueProcess{ID: m.nextProcess, SearchID: searchID, Status: models.StatusProcessing}
	m.processes[p.ID] = p
	copied := *p
	return &copied, nil
}

func (m *MemoryStore) GetProcess(_ context.Context, id int64) (*models.QueueProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.processes[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *p
	return &copied, nil
}

func (m *MemoryStore) FindProcess(_ context.Context, query string, criteria models.SearchCriteria, excludeID int64) (*models.QueueProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.QueueProcess
	for _, p := range m.processes {
		if p.ID == excludeID {
			continue
		}
		s, ok := m.searches[p.SearchID]
		if !ok || s.Query != query || s.Criteria.Key() != criteria.Key() {
			continue
		}
		if found == nil || p.ID > found.ID {
			found = p
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	copied := *found
	return &copied, nil
}

func (m *MemoryStore) SetProcessStatus(_ context.Context, id int64, status models.ProcessStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.processes[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	return nil
}

func (m *MemoryStore) EarliestProcessing(_ context.Context) (*models.QueueProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var found *models.QueueProcess
	for _, p := range m.processes {
		if p.Status != models.StatusProcessing {
			continue
		}
		if found == nil || p.ID < found.ID {
			found = p
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	copied := *found
	return &copied, nil
}

func (m *MemoryStore) DeleteProcessing(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, p := range m.processes {
		if p.Status == models.StatusProcessing {
			delete(m.processes, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Close() error { return nil }
