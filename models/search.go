package models

import (
	"fmt"
	"time"
)

// Condition is the item condition filter of a search.
type Condition string

const (
	ConditionNew  Condition = "new"
	ConditionUsed Condition = "used"
)

// SearchCriteria are the optional filters that, together with the query,
// form a search identity. The zero value means "no criteria".
type SearchCriteria struct {
	MaxDaysListed int       `json:"maxDaysListed,omitempty"`
	Condition     Condition `json:"condition,omitempty"`
}

// Key returns a canonical string for the criteria. Two criteria values are
// the same search identity iff their keys are equal.
func (c SearchCriteria) Key() string {
	return fmt.Sprintf("days=%d;cond=%s", c.MaxDaysListed, c.Condition)
}

// Cutoff returns the oldest posting time accepted by the criteria, or the
// zero time when MaxDaysListed is not set.
func (c SearchCriteria) Cutoff(now time.Time) time.Time {
	if c.MaxDaysListed <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(c.MaxDaysListed) * 24 * time.Hour)
}

// Search is a cached query identity. Listings hang off it and are evicted
// with it once it goes stale.
type Search struct {
	ID        int64
	Query     string
	Criteria  SearchCriteria
	CreatedAt time.Time
}

// Stale reports whether the search is older than ttl.
func (s *Search) Stale(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.CreatedAt) > ttl
}

// ProcessStatus is the state of a scrape job.
type ProcessStatus string

const (
	StatusProcessing ProcessStatus = "processing"
	StatusFinished   ProcessStatus = "finished"
)

// QueueProcess is one scrape job for a Search.
type QueueProcess struct {
	ID       int64
	SearchID int64
	Status   ProcessStatus
}
