// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"feedrelay/internal/model"
)

// Sentinel errors surfaced to the conversational layer.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateSubscription is returned when a chat is already
	// subscribed to a feed source.
	ErrDuplicateSubscription = errors.New("duplicate subscription")
)

// Storage is the interface for all persistence operations.
type Storage interface {
	CreateFeed(ctx context.Context, feed *model.FeedSource) error
	GetFeed(ctx context.Context, id int64) (*model.FeedSource, error)
	GetFeedByURL(ctx context.Context, url string) (*model.FeedSource, error)
	ListDueFeeds(ctx context.Context, interval time.Duration) ([]model.FeedSource, error)
	SetFeedPolled(ctx context.Context, id int64, at time.Time) error
	DeleteFeed(ctx context.Context, id int64) error

	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id int64) (*model.Subscription, error)
	FindSubscription(ctx context.Context, chatID, feedID int64) (*model.Subscription, error)
	FindSubscriptionByTitle(ctx context.Context, chatID int64, title string) (*model.Subscription, error)
	ListSubscriptionsByChat(ctx context.Context, chatID int64) ([]model.Subscription, error)
	ListSubscriptionsByFeed(ctx context.Context, feedID int64) ([]model.Subscription, error)
	CountSubscriptionsByFeed(ctx context.Context, feedID int64) (int, error)
	ClearJustSubscribed(ctx context.Context, ids []int64) error
	DeleteSubscription(ctx context.Context, id int64) error

	MarkDelivered(ctx context.Context, subscriptionID int64, guid string) error
	IsDelivered(ctx context.Context, subscriptionID int64, guid string) (bool, error)

	Close() error
}
