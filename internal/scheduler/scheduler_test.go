package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"feedrelay/internal/delivery"
	"feedrelay/internal/fetcher"
	"feedrelay/internal/model"
	"feedrelay/internal/storage"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []sentMessage
}

func (m *mockNotifier) Notify(chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *mockNotifier) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// mockHTTP serves canned bodies per URL; URLs without an entry fail.
type mockHTTP struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
}

func (m *mockHTTP) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	url := req.URL.String()
	m.calls[url]++
	body, ok := m.bodies[url]
	if !ok {
		return nil, fmt.Errorf("connection refused")
	}
	return &http.Response{
		StatusCode: 200,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
	}, nil
}

func (m *mockHTTP) callCount(url string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[url]
}

func loadFixture(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile("../../testdata/sample.xml")
	if err != nil {
		t.Fatalf("read fixture: %v", err)
	}
	return string(data)
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestScheduler(t *testing.T, store *storage.SQLite, httpClient fetcher.HTTPClient) (*Scheduler, *mockNotifier) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &mockNotifier{}
	orch := delivery.New(store, notifier, log)
	sched := NewWithFetcher(store, fetcher.New(httpClient), orch, log)
	return sched, notifier
}

func createFeedAndSub(t *testing.T, store *storage.SQLite, chatID int64, url string, keywords []string) (model.FeedSource, model.Subscription) {
	t.Helper()
	ctx := context.Background()
	feed := model.FeedSource{URL: url, Title: "Example City News"}
	if err := store.CreateFeed(ctx, &feed); err != nil {
		t.Fatalf("create feed: %v", err)
	}
	sub := model.Subscription{ChatID: chatID, FeedID: feed.ID, Title: "Example City News", Keywords: keywords}
	if err := store.CreateSubscription(ctx, &sub); err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return feed, sub
}

func checkAllAndWait(s *Scheduler, ctx context.Context) {
	s.checkAll(ctx)
	s.wg.Wait()
}

func TestSchedulerProcessesDueFeeds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t)

	_, _ = createFeedAndSub(t, store, 100, "https://news.example.com/rss", []string{"weather"})

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, notifier := newTestScheduler(t, store, httpClient)

	checkAllAndWait(sched, ctx)

	msgs := notifier.getMessages()
	// Two fixture items mention "weather" in their titles.
	if diff := cmp.Diff(2, len(msgs)); diff != "" {
		t.Errorf("message count mismatch (-want +got):\n%s", diff)
		for i, m := range msgs {
			t.Logf("msg[%d]: %s", i, m.Text[:min(80, len(m.Text))])
		}
	}
	for _, m := range msgs {
		if diff := cmp.Diff(int64(100), m.ChatID); diff != "" {
			t.Errorf("chatID mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestSchedulerUnfilteredDeliversAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t)

	_, _ = createFeedAndSub(t, store, 100, "https://news.example.com/rss", nil)

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, notifier := newTestScheduler(t, store, httpClient)

	checkAllAndWait(sched, ctx)

	if diff := cmp.Diff(5, len(notifier.getMessages())); diff != "" {
		t.Errorf("expected all 5 fixture items (-want +got):\n%s", diff)
	}
}

func TestSchedulerNoDuplicatesAcrossTicks(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t)

	_, _ = createFeedAndSub(t, store, 100, "https://news.example.com/rss", nil)

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, notifier := newTestScheduler(t, store, httpClient)
	sched.SetPollInterval(0)

	for range 3 {
		checkAllAndWait(sched, ctx)
	}

	if diff := cmp.Diff(5, len(notifier.getMessages())); diff != "" {
		t.Errorf("items must not be re-delivered on later ticks (-want +got):\n%s", diff)
	}
}

func TestSchedulerUpdatesLastPolled(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t)

	feed, _ := createFeedAndSub(t, store, 100, "https://news.example.com/rss", nil)

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, _ := newTestScheduler(t, store, httpClient)

	before := time.Now().UTC().Add(-time.Second)
	checkAllAndWait(sched, ctx)

	updated, err := store.GetFeed(ctx, feed.ID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if updated.LastPolledAt == nil {
		t.Fatal("expected LastPolledAt to be set")
	}
	if updated.LastPolledAt.Before(before) {
		t.Errorf("LastPolledAt %v is before test start %v", updated.LastPolledAt, before)
	}
}

func TestSchedulerFetchErrorKeepsFeedDue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	feed, _ := createFeedAndSub(t, store, 100, "https://down.example.com/rss", nil)

	httpClient := &mockHTTP{bodies: map[string]string{}}
	sched, notifier := newTestScheduler(t, store, httpClient)

	checkAllAndWait(sched, ctx)

	if diff := cmp.Diff(0, len(notifier.getMessages())); diff != "" {
		t.Errorf("expected no messages on fetch error (-want +got):\n%s", diff)
	}

	// The failed poll leaves lastPolledAt unset, so the feed stays due.
	updated, err := store.GetFeed(ctx, feed.ID)
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	if updated.LastPolledAt != nil {
		t.Error("failed poll must not advance LastPolledAt")
	}

	due, err := store.ListDueFeeds(ctx, time.Minute)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	if diff := cmp.Diff(1, len(due)); diff != "" {
		t.Errorf("feed should still be due for retry (-want +got):\n%s", diff)
	}
}

func TestSchedulerCrossFeedIsolation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t)

	bad, _ := createFeedAndSub(t, store, 1, "https://down.example.com/rss", nil)
	good, _ := createFeedAndSub(t, store, 2, "https://news.example.com/rss", nil)

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, notifier := newTestScheduler(t, store, httpClient)

	checkAllAndWait(sched, ctx)

	// Feed B delivered despite feed A failing.
	msgs := notifier.getMessages()
	if diff := cmp.Diff(5, len(msgs)); diff != "" {
		t.Errorf("good feed message count (-want +got):\n%s", diff)
	}
	for _, m := range msgs {
		if diff := cmp.Diff(int64(2), m.ChatID); diff != "" {
			t.Errorf("chatID mismatch (-want +got):\n%s", diff)
		}
	}

	updatedBad, err := store.GetFeed(ctx, bad.ID)
	if err != nil {
		t.Fatalf("get bad feed: %v", err)
	}
	if updatedBad.LastPolledAt != nil {
		t.Error("failing feed must stay due")
	}
	updatedGood, err := store.GetFeed(ctx, good.ID)
	if err != nil {
		t.Fatalf("get good feed: %v", err)
	}
	if updatedGood.LastPolledAt == nil {
		t.Error("good feed should have completed its cycle")
	}
}

func TestSchedulerSkipsFreshFeeds(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	xml := loadFixture(t)

	feed, _ := createFeedAndSub(t, store, 100, "https://news.example.com/rss", nil)
	if err := store.SetFeedPolled(ctx, feed.ID, time.Now().UTC()); err != nil {
		t.Fatalf("set polled: %v", err)
	}

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, _ := newTestScheduler(t, store, httpClient)

	checkAllAndWait(sched, ctx)

	if diff := cmp.Diff(0, httpClient.callCount("https://news.example.com/rss")); diff != "" {
		t.Errorf("recently polled feed must not be fetched (-want +got):\n%s", diff)
	}
}

func TestSchedulerCancelledContext(t *testing.T) {
	store := newTestStore(t)
	xml := loadFixture(t)

	_, _ = createFeedAndSub(t, store, 100, "https://news.example.com/rss", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	httpClient := &mockHTTP{bodies: map[string]string{"https://news.example.com/rss": xml}}
	sched, notifier := newTestScheduler(t, store, httpClient)

	checkAllAndWait(sched, ctx)

	if diff := cmp.Diff(0, len(notifier.getMessages())); diff != "" {
		t.Errorf("expected no messages when context cancelled (-want +got):\n%s", diff)
	}
}

func TestSchedulerRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	httpClient := &mockHTTP{bodies: map[string]string{}}
	sched, _ := newTestScheduler(t, store, httpClient)
	sched.SetTickInterval(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sched.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}

func TestInflightGuard(t *testing.T) {
	store := newTestStore(t)
	sched, _ := newTestScheduler(t, store, &mockHTTP{})

	if !sched.acquire(1) {
		t.Fatal("first acquire should succeed")
	}
	if sched.acquire(1) {
		t.Fatal("second acquire of the same feed must fail while in flight")
	}
	if !sched.acquire(2) {
		t.Fatal("acquire of a different feed should succeed")
	}
	sched.release(1)
	if !sched.acquire(1) {
		t.Fatal("acquire after release should succeed")
	}
}
