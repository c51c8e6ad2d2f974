package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"listing-aggregator/models"
)

func newListing(searchID int64, url string) models.Listing {
	return models.Listing{
		SearchID: searchID,
		Price:    decimal.RequireFromString("12.50"),
		Title:    "Bicycle",
		URL:      url,
		Source:   models.SourceOkidoki,
	}
}

func TestInsertListingDedupesByURL(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s, _ := m.CreateSearch(ctx, "bicycle", models.SearchCriteria{})

	first, created, err := m.InsertListing(ctx, newListing(s.ID, "https://x/1"), []byte{1, 2, 3})
	if err != nil || !created {
		t.Fatalf("first insert: created=%v err=%v", created, err)
	}
	if first.ThumbnailID == nil {
		t.Fatal("expected thumbnail id on first insert")
	}

	for i := 0; i < 3; i++ {
		again, created, err := m.InsertListing(ctx, newListing(s.ID, "https://x/1"), nil)
		if err != nil {
			t.Fatalf("repeat insert: %v", err)
		}
		if created {
			t.Errorf("repeat insert %d: got created, want existing", i)
		}
		if again.ID != first.ID || *again.ThumbnailID != *first.ThumbnailID {
			t.Errorf("repeat insert %d: got %+v, want %+v", i, again, first)
		}
	}

	all, _ := m.ListingsBySearch(ctx, s.ID)
	if len(all) != 1 {
		t.Errorf("listings: got %d, want 1", len(all))
	}
}

func TestInsertListingUnknownSearch(t *testing.T) {
	m := NewMemoryStore()
	_, _, err := m.InsertListing(context.Background(), newListing(42, "https://x/1"), nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestFindSearchMatchesCriteriaStructurally(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	used := models.SearchCriteria{MaxDaysListed: 7, Condition: models.ConditionUsed}
	s, _ := m.CreateSearch(ctx, "sofa", used)

	tests := []struct {
		name     string
		query    string
		criteria models.SearchCriteria
		found    bool
	}{
		{"same", "sofa", models.SearchCriteria{MaxDaysListed: 7, Condition: models.ConditionUsed}, true},
		{"other condition", "sofa", models.SearchCriteria{MaxDaysListed: 7, Condition: models.ConditionNew}, false},
		{"no criteria", "sofa", models.SearchCriteria{}, false},
		{"other query", "chair", used, false},
	}
	for _, tt := range tests {
		got, err := m.FindSearch(ctx, tt.query, tt.criteria)
		if tt.found {
			if err != nil || got.ID != s.ID {
				t.Errorf("%s: got %v/%v, want search %d", tt.name, got, err, s.ID)
			}
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("%s: got %v, want ErrNotFound", tt.name, err)
		}
	}
}

func TestDeleteSearchCascades(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	s, _ := m.CreateSearch(ctx, "lamp", models.SearchCriteria{})
	l, _, _ := m.InsertListing(ctx, newListing(s.ID, "https://x/1"), []byte("jpeg"))
	p, _ := m.CreateProcess(ctx, s.ID)

	if err := m.DeleteSearch(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.GetThumbnail(ctx, *l.ThumbnailID); !errors.Is(err, ErrNotFound) {
		t.Errorf("thumbnail: got %v, want ErrNotFound", err)
	}
	if _, err := m.GetProcess(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("process: got %v, want ErrNotFound", err)
	}
	if got, _ := m.ListingsBySearch(ctx, s.ID); len(got) != 0 {
		t.Errorf("listings: got %d, want 0", len(got))
	}
}

func TestProcessQueries(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	a, _ := m.CreateSearch(ctx, "tv", models.SearchCriteria{})
	b, _ := m.CreateSearch(ctx, "radio", models.SearchCriteria{})
	p1, _ := m.CreateProcess(ctx, a.ID)
	p2, _ := m.CreateProcess(ctx, b.ID)
	p3, _ := m.CreateProcess(ctx, a.ID)

	if got, _ := m.EarliestProcessing(ctx); got.ID != p1.ID {
		t.Errorf("earliest: got %d, want %d", got.ID, p1.ID)
	}
	if got, _ := m.FindProcess(ctx, "tv", models.SearchCriteria{}, 0); got.ID != p3.ID {
		t.Errorf("find newest: got %d, want %d", got.ID, p3.ID)
	}
	if got, _ := m.FindProcess(ctx, "tv", models.SearchCriteria{}, p3.ID); got.ID != p1.ID {
		t.Errorf("find excluding: got %d, want %d", got.ID, p1.ID)
	}

	if err := m.SetProcessStatus(ctx, p1.ID, models.StatusFinished); err != nil {
		t.Fatal(err)
	}
	if got, _ := m.EarliestProcessing(ctx); got.ID != p2.ID {
		t.Errorf("earliest after finish: got %d, want %d", got.ID, p2.ID)
	}
	if err := m.SetProcessStatus(ctx, 999, models.StatusFinished); !errors.Is(err, ErrNotFound) {
		t.Errorf("set status on missing: got %v, want ErrNotFound", err)
	}

	n, _ := m.DeleteProcessing(ctx)
	if n != 2 {
		t.Errorf("DeleteProcessing: got %d, want 2", n)
	}
	if _, err := m.GetProcess(ctx, p1.ID); err != nil {
		t.Errorf("finished process should survive: %v", err)
	}
}

func TestDeleteSearchesBefore(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m.SetClock(func() time.Time { return base })
	old, _ := m.CreateSearch(ctx, "old", models.SearchCriteria{})
	m.SetClock(func() time.Time { return base.Add(2 * time.Hour) })
	fresh, _ := m.CreateSearch(ctx, "fresh", models.SearchCriteria{})

	n, _ := m.DeleteSearchesBefore(ctx, base.Add(time.Hour))
	if n != 1 {
		t.Errorf("deleted: got %d, want 1", n)
	}
	if _, err := m.FindSearch(ctx, old.Query, old.Criteria); !errors.Is(err, ErrNotFound) {
		t.Errorf("old search: got %v, want ErrNotFound", err)
	}
	if _, err := m.FindSearch(ctx, fresh.Query, fresh.Criteria); err != nil {
		t.Errorf("fresh search: %v", err)
	}
}
