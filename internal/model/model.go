// Package model defines the domain types used across the application.
package model

import "time"

// FeedSource represents a polled RSS/Atom endpoint. A source is shared
// by all subscriptions referencing the same URL.
type FeedSource struct {
	ID           int64
	URL          string
	Title        string
	LastPolledAt *time.Time
	CreatedAt    time.Time
}

// Subscription binds one chat to one feed source.
//
// JustSubscribed marks a subscription whose first poll cycle has not
// completed yet: items observed during that cycle form the backlog
// watermark and are not delivered.
type Subscription struct {
	ID             int64
	ChatID         int64
	FeedID         int64
	Title          string
	Keywords       []string
	JustSubscribed bool
	CreatedAt      time.Time
}

// DeliveryRecord proves that an item was already sent to a subscription.
type DeliveryRecord struct {
	SubscriptionID int64
	GUID           string
	DeliveredAt    time.Time
}

// Item is a single feed entry as produced by the fetcher. Items are
// transient; only their GUIDs are persisted, in delivery records.
type Item struct {
	GUID        string
	Title       string
	Summary     string
	Link        string
	PublishedAt *time.Time
}
