package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"listing-aggregator/models"
	"listing-aggregator/storage"
)

func newTestManager() (*Manager, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	m := NewManager(storage.NewCache(store, time.Hour, nil), nil)
	m.FollowInterval = 5 * time.Millisecond
	m.GateInterval = 2 * time.Millisecond
	return m, store
}

func addListing(t *testing.T, store *storage.MemoryStore, searchID int64, url string) {
	t.Helper()
	l := models.Listing{SearchID: searchID, Price: decimal.NewFromInt(1), Title: url, URL: url, Source: models.SourceOsta}
	if _, _, err := store.InsertListing(context.Background(), l, nil); err != nil {
		t.Fatal(err)
	}
}

func TestAdmitConcurrentIdenticalRequests(t *testing.T) {
	m, store := newTestManager()
	crit := models.SearchCriteria{Condition: models.ConditionUsed}

	const n = 10
	tickets := make([]*Ticket, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := m.Admit(context.Background(), "sofa", crit)
			if err != nil {
				t.Errorf("Admit: %v", err)
				return
			}
			tickets[i] = tk
		}(i)
	}
	wg.Wait()

	owners, followers := 0, 0
	var ownerID int64
	for _, tk := range tickets {
		switch tk.Admission {
		case Owner:
			owners++
			ownerID = tk.Process.ID
		case Follower:
			followers++
		}
	}
	if owners != 1 || followers != n-1 {
		t.Fatalf("admissions: got %d owners %d followers, want 1 and %d", owners, followers, n-1)
	}
	for _, tk := range tickets {
		if tk.Admission == Follower && tk.Process.ID != ownerID {
			t.Errorf("follower attached to %d, want %d", tk.Process.ID, ownerID)
		}
	}
	if head, _ := store.EarliestProcessing(context.Background()); head.ID != ownerID {
		t.Errorf("processing head: got %d, want %d", head.ID, ownerID)
	}
}

func TestAdmitServesCacheAfterFinish(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()

	tk, _ := m.Admit(ctx, "bicycle", models.SearchCriteria{})
	if tk.Admission != Owner {
		t.Fatalf("first admission: got %v, want owner", tk.Admission)
	}
	addListing(t, store, tk.Process.SearchID, "https://x/1")
	if err := m.FinishQueueProcess(ctx, tk.Process.ID); err != nil {
		t.Fatal(err)
	}

	again, _ := m.Admit(ctx, "bicycle", models.SearchCriteria{})
	if again.Admission != Cached || len(again.Listings) != 1 {
		t.Errorf("second admission: got %v with %d listings, want cached with 1", again.Admission, len(again.Listings))
	}
	if p, _ := m.FindQueueProcess(ctx, "bicycle", models.SearchCriteria{}, tk.Process.ID); p != nil {
		t.Errorf("cache hit created process %d", p.ID)
	}
}

func TestFinishUnknownProcess(t *testing.T) {
	m, _ := newTestManager()
	err := m.FinishQueueProcess(context.Background(), 404)
	if !errors.Is(err, ErrProcessNotFound) {
		t.Errorf("got %v, want ErrProcessNotFound", err)
	}
}

func TestGenerateFromExistingSeesGrowth(t *testing.T) {
	m, store := newTestManager()
	ctx := context.Background()
	p, _ := m.AddToQueue(ctx, "tv", models.SearchCriteria{})
	addListing(t, store, p.SearchID, "https://x/1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		addListing(t, store, p.SearchID, "https://x/2")
		time.Sleep(20 * time.Millisecond)
		m.FinishQueueProcess(ctx, p.ID) //nolint:errcheck
	}()

	var got []string
	err := m.GenerateFromExisting(ctx, p.ID, func(l models.Listing) bool {
		got = append(got, l.URL)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != "https://x/1" || got[1] != "https://x/2" {
		t.Errorf("followed listings: got %v, want [https://x/1 https://x/2]", got)
	}
}

func TestGenerateFromExistingEndsWhenProcessGone(t *testing.T) {
	m, _ := newTestManager()
	done := make(chan error, 1)
	go func() {
		done <- m.GenerateFromExisting(context.Background(), 77, func(models.Listing) bool { return true })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("got %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("GenerateFromExisting did not return for a missing process")
	}
}

func TestWaitUntilNextInLineIsFIFO(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	var ids []int64
	for _, q := range []string{"a", "b", "c"} {
		p, _ := m.AddToQueue(ctx, q, models.SearchCriteria{})
		ids = append(ids, p.ID)
	}

	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup
	for i := len(ids) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			if err := m.WaitUntilNextInLine(ctx, id); err != nil {
				t.Errorf("wait %d: %v", id, err)
				return
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			m.FinishQueueProcess(ctx, id) //nolint:errcheck
		}(ids[i])
	}
	wg.Wait()

	if len(order) != len(ids) {
		t.Fatalf("released %d processes, want %d", len(order), len(ids))
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("release order: got %v, want %v", order, ids)
		}
	}
}

func TestWaitUntilNextInLineHonoursContext(t *testing.T) {
	m, _ := newTestManager()
	first, _ := m.AddToQueue(context.Background(), "a", models.SearchCriteria{})
	second, _ := m.AddToQueue(context.Background(), "b", models.SearchCriteria{})
	_ = first

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.WaitUntilNextInLine(ctx, second.ID); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}
