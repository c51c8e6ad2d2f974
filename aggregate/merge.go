// Package aggregate races the listing sources of a job into one stream and
// serves listing requests from it.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"listing-aggregator/models"
	"listing-aggregator/scraper"
	"listing-aggregator/utils"
)

// SourceResult is how one producer ended.
type SourceResult struct {
	Source  models.Source
	Emitted int
	Err     error
}

// Race runs producers concurrently and delivers their listings in the
// order they become ready. The channel is unbuffered, so each producer has
// at most one listing waiting to be taken.
type Race struct {
	out    chan models.Listing
	pool   *utils.WorkerPool
	logger *utils.Logger

	mu      sync.Mutex
	results []SourceResult
	done    chan struct{}
}

// StartRace starts one goroutine per producer on ctx. Cancelling ctx stops
// the producers; abandoning the channel does not.
func StartRace(ctx context.Context, job scraper.Job, producers []scraper.Producer, logger *utils.Logger) *Race {
	if logger == nil {
		logger = utils.NewDiscardLogger()
	}
	r := &Race{
		out:    make(chan models.Listing),
		pool:   utils.NewWorkerPool(len(producers), 0, logger),
		logger: logger,
		done:   make(chan struct{}),
	}

	for _, p := range producers {
		p := p
		if err := r.pool.Submit(ctx, func() { r.run(ctx, job, p) }); err != nil {
			r.record(SourceResult{Source: p.Source(), Err: err})
		}
	}
	go func() {
		r.pool.Wait()
		close(r.out)
		close(r.done)
	}()
	return r
}

func (r *Race) run(ctx context.Context, job scraper.Job, p scraper.Producer) {
	res := SourceResult{Source: p.Source()}
	defer func() {
		if v := recover(); v != nil {
			res.Err = fmt.Errorf("panic: %v", v)
			r.record(res)
			panic(v)
		}
		r.record(res)
	}()

	res.Err = p.Produce(ctx, job, func(l models.Listing) bool {
		select {
		case r.out <- l:
			res.Emitted++
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (r *Race) record(res SourceResult) {
	switch {
	case res.Err == nil:
		r.logger.Info("[aggregate] %s finished with %d listings", res.Source, res.Emitted)
	case errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded):
		r.logger.Warn("[aggregate] %s stopped after %d listings: %v", res.Source, res.Emitted, res.Err)
	default:
		r.logger.Error("[aggregate] %s failed after %d listings: %v", res.Source, res.Emitted, res.Err)
	}
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

// C delivers merged listings and is closed once every producer has ended.
func (r *Race) C() <-chan models.Listing { return r.out }

// Drain discards the rest of the stream in the background so the producers
// can run to completion.
func (r *Race) Drain() {
	go func() {
		for range r.out {
		}
	}()
}

// Wait blocks until every producer has ended and returns how each ended.
func (r *Race) Wait() []SourceResult {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SourceResult(nil), r.results...)
}

// Take reads at most limit distinct listings from the race, handing those
// that match to emit. It stops early when emit returns false or ctx is
// done, and reports whether the race ran to its end.
func Take(ctx context.Context, r *Race, limit int, match func(models.Listing) bool, emit func(models.Listing) bool) (taken int, exhausted bool) {
	seen := make(map[string]struct{})
	for taken < limit {
		select {
		case l, ok := <-r.C():
			if !ok {
				return taken, true
			}
			if _, dup := seen[l.URL]; dup {
				continue
			}
			seen[l.URL] = struct{}{}
			if match != nil && !match(l) {
				continue
			}
			taken++
			if !emit(l) {
				return taken, false
			}
		case <-ctx.Done():
			return taken, false
		}
	}
	return taken, false
}
