// Package delivery turns a feed's freshly fetched items into
// per-recipient notifications, deduped against the delivery ledger.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"feedrelay/internal/filter"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
)

// Notifier is the interface for dispatching a notification to a chat.
type Notifier interface {
	Notify(chatID int64, text string) error
}

// Orchestrator processes poll results for one feed at a time.
type Orchestrator struct {
	store    storage.Storage
	notifier Notifier
	log      *slog.Logger
}

// New creates an Orchestrator.
func New(store storage.Storage, notifier Notifier, log *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, notifier: notifier, log: log}
}

// Process delivers the poll result of one feed source.
//
// For every current subscription of the feed, each item is dispatched
// at most once: just-subscribed subscriptions only establish their
// watermark, already-delivered items are skipped via the ledger, and
// filtered-out items are suppressed without a ledger write so a later
// keyword change can still deliver them. A delivery record is written
// only after a successful dispatch; a failed dispatch leaves no record
// and the item is retried on the next cycle that still carries it.
//
// lastPolledAt and the just-subscribed markers commit only after the
// whole batch; results are discarded when the feed was removed while
// the poll was in flight.
func (o *Orchestrator) Process(ctx context.Context, feed model.FeedSource, items []model.Item) {
	if _, err := o.store.GetFeed(ctx, feed.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			o.log.Debug("feed removed mid-poll, discarding results", "feed_id", feed.ID)
			return
		}
		o.log.Error("recheck feed", "feed_id", feed.ID, "error", err)
		return
	}

	subs, err := o.store.ListSubscriptionsByFeed(ctx, feed.ID)
	if err != nil {
		o.log.Error("list subscriptions", "feed_id", feed.ID, "error", err)
		return
	}

	ordered := chronological(items)

	var freshSubs []int64
	sent := 0
	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		if sub.JustSubscribed {
			// Watermark cycle: record the backlog as seen without
			// dispatching, so later cycles only deliver newer items.
			for _, item := range ordered {
				if err := o.store.MarkDelivered(ctx, sub.ID, item.GUID); err != nil {
					o.log.Error("mark backlog seen", "subscription_id", sub.ID, "guid", item.GUID, "error", err)
				}
			}
			freshSubs = append(freshSubs, sub.ID)
			continue
		}
		sent += o.deliverTo(ctx, sub, ordered)
	}

	if sent > 0 {
		o.log.Info("sent notifications", "feed_id", feed.ID, "title", feed.Title, "count", sent)
	}

	// Re-check before committing: a feed removed during delivery must
	// not come back as a pollable row.
	if _, err := o.store.GetFeed(ctx, feed.ID); errors.Is(err, storage.ErrNotFound) {
		o.log.Debug("feed removed mid-poll, skipping commit", "feed_id", feed.ID)
		return
	}

	if err := o.store.ClearJustSubscribed(ctx, freshSubs); err != nil {
		o.log.Error("clear just-subscribed markers", "feed_id", feed.ID, "error", err)
	}
	if err := o.store.SetFeedPolled(ctx, feed.ID, time.Now().UTC()); err != nil {
		o.log.Error("set last polled", "feed_id", feed.ID, "error", err)
	}
}

func (o *Orchestrator) deliverTo(ctx context.Context, sub model.Subscription, items []model.Item) int {
	sent := 0
	for _, item := range items {
		delivered, err := o.store.IsDelivered(ctx, sub.ID, item.GUID)
		if err != nil {
			o.log.Error("check delivered", "subscription_id", sub.ID, "guid", item.GUID, "error", err)
			continue
		}
		if delivered {
			continue
		}
		if !filter.Matches(sub.Keywords, item) {
			continue
		}

		if err := o.notifier.Notify(sub.ChatID, Render(item, sub.Title)); err != nil {
			// No record: the item is retried next cycle.
			o.log.Error("notify", "chat_id", sub.ChatID, "guid", item.GUID, "error", err)
			continue
		}
		sent++

		if err := o.store.MarkDelivered(ctx, sub.ID, item.GUID); err != nil {
			// Unconfirmed record means the item counts as undelivered;
			// a duplicate send beats a silent loss.
			o.log.Error("mark delivered", "subscription_id", sub.ID, "guid", item.GUID, "error", err)
		}

		// Pace sends to stay under Telegram's rate limits.
		time.Sleep(50 * time.Millisecond)
	}
	return sent
}

// chronological orders items oldest first when publication times are
// known, so recipients read multiple new items in feed order.
func chronological(items []model.Item) []model.Item {
	ordered := make([]model.Item, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i].PublishedAt, ordered[j].PublishedAt
		if a == nil || b == nil {
			return false
		}
		return a.Before(*b)
	})
	return ordered
}
