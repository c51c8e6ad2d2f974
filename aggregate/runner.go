package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"listing-aggregator/models"
	"listing-aggregator/queue"
	"listing-aggregator/scraper"
	"listing-aggregator/services"
	"listing-aggregator/utils"
)

// DefaultCap is how many listings one request receives at most.
const DefaultCap = 200

// Request is one listing search as received from a client.
type Request struct {
	Query      string
	Criteria   models.SearchCriteria
	Refinement services.Refinement
}

// Runner serves listing requests from the cache, from a running job, or by
// starting a job over every producer.
type Runner struct {
	queue     *queue.Manager
	producers []scraper.Producer
	insights  *services.InsightService
	logger    *utils.Logger

	// Cap bounds the listings streamed to one request.
	Cap int
	// ScrapeTimeout bounds a whole job, including the part that keeps
	// running after the request has its listings.
	ScrapeTimeout time.Duration

	base context.Context
	wg   sync.WaitGroup
}

// NewRunner creates a Runner. Jobs run on base, so cancelling it stops
// every scrape in flight.
func NewRunner(base context.Context, q *queue.Manager, producers []scraper.Producer, logger *utils.Logger) *Runner {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	return &Runner{
		queue:         q,
		producers:     producers,
		insights:      services.NewInsightService(logger),
		logger:        logger,
		Cap:           DefaultCap,
		ScrapeTimeout: 10 * time.Minute,
		base:          base,
	}
}

// Stream hands emit up to Cap listings for req as they become available.
// It returns how the request was admitted. Errors are only returned before
// the first listing; once streaming started, source failures are logged.
func (r *Runner) Stream(ctx context.Context, req Request, emit func(models.Listing) bool) (queue.Admission, error) {
	ticket, err := r.queue.Admit(ctx, req.Query, req.Criteria)
	if err != nil {
		return 0, fmt.Errorf("aggregate: admit %q: %w", req.Query, err)
	}

	switch ticket.Admission {
	case queue.Cached:
		r.streamCached(ticket.Listings, req, emit)
	case queue.Follower:
		r.streamFollower(ctx, ticket.Process.ID, req, emit)
	case queue.Owner:
		r.streamOwner(ctx, ticket.Process, req, emit)
	}
	return ticket.Admission, nil
}

func (r *Runner) streamCached(listings []models.Listing, req Request, emit func(models.Listing) bool) {
	refined := req.Refinement.Apply(listings)
	if len(refined) > r.Cap {
		refined = refined[:r.Cap]
	}
	for _, l := range refined {
		if !emit(l) {
			return
		}
	}
}

func (r *Runner) streamFollower(ctx context.Context, id int64, req Request, emit func(models.Listing) bool) {
	taken := 0
	err := r.queue.GenerateFromExisting(ctx, id, func(l models.Listing) bool {
		if !req.Refinement.Match(l) {
			return true
		}
		taken++
		return emit(l) && taken < r.Cap
	})
	if err != nil && ctx.Err() == nil {
		r.logger.Warn("[aggregate] following process %d for %q: %v", id, req.Query, err)
	}
}

// streamOwner starts the race on a context detached from the request, so
// the job keeps filling the cache after the request has what it needs.
func (r *Runner) streamOwner(ctx context.Context, p *models.QueueProcess, req Request, emit func(models.Listing) bool) {
	jobCtx, cancel := context.WithTimeout(r.base, r.ScrapeTimeout)
	job := scraper.Job{ProcessID: p.ID, Query: req.Query, Criteria: req.Criteria}
	race := StartRace(jobCtx, job, r.producers, r.logger)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		results := race.Wait()
		r.finish(p, req.Query, results)
	}()

	taken, exhausted := Take(ctx, race, r.Cap, req.Refinement.Match, emit)
	if !exhausted {
		race.Drain()
	}
	r.logger.Info("[aggregate] streamed %d listings for %q", taken, req.Query)
}

// finish marks the job's process finished once every source has ended and
// logs a summary of what was cached.
func (r *Runner) finish(p *models.QueueProcess, query string, results []SourceResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.base), 30*time.Second)
	defer cancel()

	if err := r.queue.FinishQueueProcess(ctx, p.ID); err != nil {
		r.logger.Error("[aggregate] finishing process %d: %v", p.ID, err)
		return
	}

	failed := 0
	for _, res := range results {
		if res.Err != nil {
			failed++
		}
	}
	listings, err := r.queue.Cache().Store().ListingsBySearch(ctx, p.SearchID)
	if err != nil {
		r.logger.Warn("[aggregate] reading results of process %d: %v", p.ID, err)
		return
	}
	r.logger.Info("[aggregate] process %d cached %d listings, %d of %d sources failed", p.ID, len(listings), failed, len(results))
	r.insights.Log(query, r.insights.Generate(listings))
}

// Wait blocks until every job started by the runner has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}
