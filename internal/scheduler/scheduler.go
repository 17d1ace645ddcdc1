// Package scheduler drives periodic feed polls.
package scheduler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"feedrelay/internal/delivery"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
)

// Scheduler scans storage on a fixed tick and polls every due feed
// source in its own goroutine, so one slow or failing feed never
// delays the others.
type Scheduler struct {
	store        storage.Storage
	fetcher      *fetcher.Fetcher
	orchestrator *delivery.Orchestrator
	log          *slog.Logger
	tick         time.Duration
	pollInterval time.Duration

	mu       sync.Mutex
	inflight map[int64]struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler with the default HTTP client.
func New(store storage.Storage, orch *delivery.Orchestrator, log *slog.Logger) *Scheduler {
	return NewWithFetcher(store, fetcher.New(http.DefaultClient), orch, log)
}

// NewWithFetcher creates a Scheduler with a custom fetcher (useful for testing).
func NewWithFetcher(store storage.Storage, f *fetcher.Fetcher, orch *delivery.Orchestrator, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:        store,
		fetcher:      f,
		orchestrator: orch,
		log:          log,
		tick:         10 * time.Second,
		pollInterval: time.Minute,
		inflight:     make(map[int64]struct{}),
	}
}

// SetTickInterval overrides the default 10-second scan interval.
func (s *Scheduler) SetTickInterval(d time.Duration) {
	s.tick = d
}

// SetPollInterval overrides the default 1-minute per-feed re-poll interval.
func (s *Scheduler) SetPollInterval(d time.Duration) {
	s.pollInterval = d
}

// Run starts the scheduler loop, blocking until ctx is cancelled.
// In-flight polls are awaited before Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.checkAll(ctx)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			s.checkAll(ctx)
		}
	}
}

func (s *Scheduler) checkAll(ctx context.Context) {
	feeds, err := s.store.ListDueFeeds(ctx, s.pollInterval)
	if err != nil {
		s.log.Error("list due feeds", "error", err)
		return
	}

	for _, feed := range feeds {
		if ctx.Err() != nil {
			return
		}
		if !s.acquire(feed.ID) {
			continue
		}
		s.wg.Add(1)
		go func(feed model.FeedSource) {
			defer s.wg.Done()
			defer s.release(feed.ID)
			s.pollFeed(ctx, feed)
		}(feed)
	}
}

func (s *Scheduler) pollFeed(ctx context.Context, feed model.FeedSource) {
	s.log.Debug("polling feed", "feed_id", feed.ID, "title", feed.Title)

	result, err := s.fetcher.Fetch(ctx, feed.URL)
	if err != nil {
		// lastPolledAt stays untouched, so the feed remains due and is
		// retried on the next tick.
		s.log.Error("fetch feed", "feed_id", feed.ID, "url", feed.URL, "error", err)
		return
	}

	s.orchestrator.Process(ctx, feed, result.Items)
}

// acquire marks a feed as being polled; it fails while a previous poll
// of the same feed is still in flight.
func (s *Scheduler) acquire(feedID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[feedID]; ok {
		return false
	}
	s.inflight[feedID] = struct{}{}
	return true
}

func (s *Scheduler) release(feedID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, feedID)
}
