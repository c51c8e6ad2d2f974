// Package scraper holds what every listing source shares: the job a source
// scrapes for, the Producer contract and the ingest step.
package scraper

import (
	"context"
	"errors"
	"time"

	"listing-aggregator/models"
	"listing-aggregator/services"
	"listing-aggregator/utils"
)

// Job is one scrape of a search identity.
type Job struct {
	ProcessID int64
	Query     string
	Criteria  models.SearchCriteria
}

// Yield receives ingested listings. Returning false stops the producer.
type Yield func(models.Listing) bool

// Producer scrapes one source for a job, yielding cached listings in page
// order. It returns nil when the source is exhausted or yield asked it to
// stop.
type Producer interface {
	Source() models.Source
	Produce(ctx context.Context, job Job, yield Yield) error
}

// Ingester is the part of services.Ingester a Sink needs.
type Ingester interface {
	AddListing(ctx context.Context, raw models.RawListing, query string, source models.Source, criteria models.SearchCriteria) (*models.Listing, error)
}

var _ Ingester = (*services.Ingester)(nil)

// Sink applies the posting-date cutoff, ingests and yields raw records for
// one producer run.
type Sink struct {
	ingester Ingester
	source   models.Source
	job      Job
	yield    Yield
	cutoff   time.Time
	logger   *utils.Logger

	stopped bool
	emitted int
}

// NewSink creates a Sink. now fixes the cutoff for the whole run.
func NewSink(ingester Ingester, source models.Source, job Job, yield Yield, now time.Time, logger *utils.Logger) *Sink {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Sink{
		ingester: ingester,
		source:   source,
		job:      job,
		yield:    yield,
		cutoff:   job.Criteria.Cutoff(now),
		logger:   logger,
	}
}

// Emit ingests raw and hands the stored listing to the consumer. Records
// older than the cutoff and records that fail to ingest are skipped. It
// returns false once the consumer has stopped.
func (s *Sink) Emit(ctx context.Context, raw models.RawListing) bool {
	if s.stopped {
		return false
	}
	if ctx.Err() != nil {
		s.stopped = true
		return false
	}
	if !s.cutoff.IsZero() && raw.ListedAt != nil && raw.ListedAt.Before(s.cutoff) {
		return true
	}

	listing, err := s.ingester.AddListing(ctx, raw, s.job.Query, s.source, s.job.Criteria)
	if err != nil {
		if !errors.Is(err, services.ErrInvalidListing) {
			s.logger.Warn("[%s] ingest failed for %s: %v", s.source, raw.URL, err)
		}
		return true
	}

	s.emitted++
	if !s.yield(*listing) {
		s.stopped = true
		return false
	}
	return true
}

// Stopped reports whether the consumer asked to stop.
func (s *Sink) Stopped() bool { return s.stopped }

// Emitted returns how many listings were yielded.
func (s *Sink) Emitted() int { return s.emitted }
