package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"feedrelay/internal/model"
	"feedrelay/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=OFF"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("disable foreign keys: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateFeed inserts a new feed source and populates its ID and CreatedAt.
func (s *SQLite) CreateFeed(ctx context.Context, feed *model.FeedSource) error {
	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO feeds (url, title, created_at) VALUES (?, ?, ?)`,
		feed.URL, feed.Title, now,
	)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	feed.ID = id
	feed.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetFeed returns a single feed source by its ID.
func (s *SQLite) GetFeed(ctx context.Context, id int64) (*model.FeedSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, last_polled_at, created_at FROM feeds WHERE id = ?`, id,
	)
	return scanFeed(row)
}

// GetFeedByURL returns the feed source with the given URL, if any.
func (s *SQLite) GetFeedByURL(ctx context.Context, url string) (*model.FeedSource, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, url, title, last_polled_at, created_at FROM feeds WHERE url = ?`, url,
	)
	return scanFeed(row)
}

// ListDueFeeds returns all feed sources that have never been polled or
// whose last poll is older than interval.
func (s *SQLite) ListDueFeeds(ctx context.Context, interval time.Duration) ([]model.FeedSource, error) {
	now := time.Now().UTC().Format(timeLayout)
	secs := int(interval / time.Second)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, title, last_polled_at, created_at
		 FROM feeds
		 WHERE last_polled_at IS NULL
		    OR datetime(last_polled_at, '+' || ? || ' seconds') <= datetime(?)`,
		secs, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due feeds: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var feeds []model.FeedSource
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, *f)
	}
	return feeds, rows.Err()
}

// SetFeedPolled records a completed poll cycle for a feed source.
func (s *SQLite) SetFeedPolled(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET last_polled_at = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("set feed polled: %w", err)
	}
	return nil
}

// DeleteFeed removes a feed source. Callers are responsible for removing
// its subscriptions first; the registry only deletes unreferenced feeds.
func (s *SQLite) DeleteFeed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return nil
}

// CreateSubscription inserts a subscription together with its keywords
// and populates its ID and CreatedAt. Returns ErrDuplicateSubscription
// if the chat is already subscribed to the feed.
func (s *SQLite) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO subscriptions (chat_id, feed_id, title, just_subscribed, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sub.ChatID, sub.FeedID, sub.Title, boolToInt(sub.JustSubscribed), now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSubscription
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}

	for _, kw := range sub.Keywords {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO subscription_keywords (subscription_id, keyword) VALUES (?, ?)`,
			id, kw,
		); err != nil {
			return fmt.Errorf("insert keyword: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	sub.ID = id
	sub.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

// GetSubscription returns a single subscription by its ID.
func (s *SQLite) GetSubscription(ctx context.Context, id int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, feed_id, title, just_subscribed, created_at
		 FROM subscriptions WHERE id = ?`, id,
	)
	return s.scanSubscriptionWithKeywords(ctx, row)
}

// FindSubscription returns the subscription binding a chat to a feed.
func (s *SQLite) FindSubscription(ctx context.Context, chatID, feedID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, feed_id, title, just_subscribed, created_at
		 FROM subscriptions WHERE chat_id = ? AND feed_id = ?`, chatID, feedID,
	)
	return s.scanSubscriptionWithKeywords(ctx, row)
}

// FindSubscriptionByTitle returns the chat's subscription with the given
// display title, if any.
func (s *SQLite) FindSubscriptionByTitle(ctx context.Context, chatID int64, title string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, feed_id, title, just_subscribed, created_at
		 FROM subscriptions WHERE chat_id = ? AND title = ? ORDER BY id LIMIT 1`,
		chatID, title,
	)
	return s.scanSubscriptionWithKeywords(ctx, row)
}

// ListSubscriptionsByChat returns all subscriptions belonging to a chat.
func (s *SQLite) ListSubscriptionsByChat(ctx context.Context, chatID int64) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT id, chat_id, feed_id, title, just_subscribed, created_at
		 FROM subscriptions WHERE chat_id = ? ORDER BY id`, chatID)
}

// ListSubscriptionsByFeed returns all subscriptions referencing a feed source.
func (s *SQLite) ListSubscriptionsByFeed(ctx context.Context, feedID int64) ([]model.Subscription, error) {
	return s.listSubscriptions(ctx,
		`SELECT id, chat_id, feed_id, title, just_subscribed, created_at
		 FROM subscriptions WHERE feed_id = ? ORDER BY id`, feedID)
}

// CountSubscriptionsByFeed returns how many subscriptions reference a feed source.
func (s *SQLite) CountSubscriptionsByFeed(ctx context.Context, feedID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE feed_id = ?`, feedID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return count, nil
}

// ClearJustSubscribed drops the backlog-suppression marker for the given
// subscriptions.
func (s *SQLite) ClearJustSubscribed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET just_subscribed = 0 WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("clear just subscribed: %w", err)
	}
	return nil
}

// DeleteSubscription removes a subscription together with its keywords
// and delivery records. Returns ErrNotFound if it does not exist.
func (s *SQLite) DeleteSubscription(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM deliveries WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("delete deliveries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_keywords WHERE subscription_id = ?`, id); err != nil {
		return fmt.Errorf("delete keywords: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// MarkDelivered records that an item was sent to a subscription.
func (s *SQLite) MarkDelivered(ctx context.Context, subscriptionID int64, guid string) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deliveries (subscription_id, guid, delivered_at) VALUES (?, ?, ?)`,
		subscriptionID, guid, now,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// IsDelivered checks whether an item was already sent to a subscription.
func (s *SQLite) IsDelivered(ctx context.Context, subscriptionID int64, guid string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deliveries WHERE subscription_id = ? AND guid = ?`,
		subscriptionID, guid,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check delivered: %w", err)
	}
	return count > 0, nil
}

func (s *SQLite) listSubscriptions(ctx context.Context, query string, arg any) ([]model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range subs {
		kws, err := s.loadKeywords(ctx, subs[i].ID)
		if err != nil {
			return nil, err
		}
		subs[i].Keywords = kws
	}
	return subs, nil
}

func (s *SQLite) scanSubscriptionWithKeywords(ctx context.Context, row scannable) (*model.Subscription, error) {
	sub, err := scanSubscription(row)
	if err != nil {
		return nil, err
	}
	kws, err := s.loadKeywords(ctx, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Keywords = kws
	return sub, nil
}

func (s *SQLite) loadKeywords(ctx context.Context, subscriptionID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT keyword FROM subscription_keywords WHERE subscription_id = ? ORDER BY keyword`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query keywords: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keywords []string
	for rows.Next() {
		var kw string
		if err := rows.Scan(&kw); err != nil {
			return nil, fmt.Errorf("scan keyword: %w", err)
		}
		keywords = append(keywords, kw)
	}
	return keywords, rows.Err()
}

func isUniqueViolation(err error) bool {
	var serr *sqlite.Error
	return errors.As(err, &serr) && serr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type scannable interface {
	Scan(dest ...any) error
}

func scanFeed(row scannable) (*model.FeedSource, error) {
	var f model.FeedSource
	var lastPolled, created sql.NullString
	err := row.Scan(&f.ID, &f.URL, &f.Title, &lastPolled, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan feed: %w", err)
	}
	if lastPolled.Valid {
		t, _ := time.Parse(timeLayout, lastPolled.String)
		f.LastPolledAt = &t
	}
	if created.Valid {
		f.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &f, nil
}

func scanSubscription(row scannable) (*model.Subscription, error) {
	var sub model.Subscription
	var justSubscribed int
	var created sql.NullString
	err := row.Scan(&sub.ID, &sub.ChatID, &sub.FeedID, &sub.Title, &justSubscribed, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	sub.JustSubscribed = justSubscribed == 1
	if created.Valid {
		sub.CreatedAt, _ = time.Parse(timeLayout, created.String)
	}
	return &sub, nil
}
