// Package registry manages feed sources and subscriptions. It is the
// entry point the conversational layer calls into; the scheduler picks
// up registered feeds from storage on its own.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"feedrelay/internal/filter"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
)

// Registry implements the subscription operations on top of storage.
type Registry struct {
	store storage.Storage
	log   *slog.Logger
}

// New creates a Registry.
func New(store storage.Storage, log *slog.Logger) *Registry {
	return &Registry{store: store, log: log}
}

// Subscribe binds a chat to the feed at url. The feed source is created
// on first use and shared between chats; feedTitle is its display name
// (falling back to the URL). displayTitle names the subscription for
// this chat, defaulting to the feed title. Keywords are normalized; an
// empty set means unfiltered.
//
// The new subscription carries the just-subscribed marker, so items
// already present in the feed are not delivered.
func (r *Registry) Subscribe(ctx context.Context, chatID int64, url, feedTitle, displayTitle string, keywords []string) (*model.Subscription, error) {
	if feedTitle == "" {
		feedTitle = url
	}

	feed, err := r.store.GetFeedByURL(ctx, url)
	if errors.Is(err, storage.ErrNotFound) {
		feed = &model.FeedSource{URL: url, Title: feedTitle}
		if err := r.store.CreateFeed(ctx, feed); err != nil {
			return nil, fmt.Errorf("create feed: %w", err)
		}
		r.log.Info("feed registered", "feed_id", feed.ID, "url", url)
	} else if err != nil {
		return nil, fmt.Errorf("find feed: %w", err)
	}

	if displayTitle == "" {
		displayTitle = feed.Title
	}

	sub := &model.Subscription{
		ChatID:         chatID,
		FeedID:         feed.ID,
		Title:          displayTitle,
		Keywords:       filter.Normalize(keywords),
		JustSubscribed: true,
	}
	if err := r.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}

	r.log.Info("subscribed", "chat_id", chatID, "feed_id", feed.ID, "title", displayTitle)
	return sub, nil
}

// Unsubscribe removes the chat's subscription, cascading its delivery
// records. The feed source is garbage-collected when no subscription
// references it anymore, which also ends its polling.
func (r *Registry) Unsubscribe(ctx context.Context, chatID, subscriptionID int64) error {
	sub, err := r.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.ChatID != chatID {
		return storage.ErrNotFound
	}

	if err := r.store.DeleteSubscription(ctx, sub.ID); err != nil {
		return err
	}
	r.log.Info("unsubscribed", "chat_id", chatID, "subscription_id", sub.ID)

	return r.collectFeed(ctx, sub.FeedID)
}

// UnsubscribeAll removes every subscription of the chat and returns how
// many were removed.
func (r *Registry) UnsubscribeAll(ctx context.Context, chatID int64) (int, error) {
	subs, err := r.store.ListSubscriptionsByChat(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}

	removed := 0
	for _, sub := range subs {
		if err := r.store.DeleteSubscription(ctx, sub.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return removed, err
		}
		removed++
		if err := r.collectFeed(ctx, sub.FeedID); err != nil {
			return removed, err
		}
	}

	r.log.Info("unsubscribed from all feeds", "chat_id", chatID, "count", removed)
	return removed, nil
}

// ListSubscriptions returns the chat's subscriptions in creation order.
func (r *Registry) ListSubscriptions(ctx context.Context, chatID int64) ([]model.Subscription, error) {
	return r.store.ListSubscriptionsByChat(ctx, chatID)
}

// FindByTitle returns the chat's subscription with the given display title.
func (r *Registry) FindByTitle(ctx context.Context, chatID int64, title string) (*model.Subscription, error) {
	return r.store.FindSubscriptionByTitle(ctx, chatID, title)
}

// IsSubscribed reports whether the chat already has a subscription for url.
func (r *Registry) IsSubscribed(ctx context.Context, chatID int64, url string) (bool, error) {
	feed, err := r.store.GetFeedByURL(ctx, url)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find feed: %w", err)
	}

	_, err = r.store.FindSubscription(ctx, chatID, feed.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find subscription: %w", err)
	}
	return true, nil
}

func (r *Registry) collectFeed(ctx context.Context, feedID int64) error {
	count, err := r.store.CountSubscriptionsByFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("count subscriptions: %w", err)
	}
	if count > 0 {
		return nil
	}
	if err := r.store.DeleteFeed(ctx, feedID); err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	r.log.Info("feed garbage-collected", "feed_id", feedID)
	return nil
}
