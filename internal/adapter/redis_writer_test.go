package adapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/l2book/internal/book"
	"github.com/caesar-terminal/l2book/internal/logging"
	"github.com/caesar-terminal/l2book/internal/metrics"
)

// mockRedis records every HSet call for assertion.
type mockRedis struct {
	mu    sync.Mutex
	calls []hsetCall
	err   error
}

type hsetCall struct {
	Key    string
	Fields map[string]string
}

func (m *mockRedis) HSet(_ context.Context, key string, values ...any) error {
	fields := make(map[string]string)
	for i := 0; i+1 < len(values); i += 2 {
		k, _ := values[i].(string)
		v, _ := values[i+1].(string)
		fields[k] = v
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, hsetCall{Key: key, Fields: fields})
	return m.err
}

func (m *mockRedis) setErr(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *mockRedis) getCalls() []hsetCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]hsetCall, len(m.calls))
	copy(out, m.calls)
	return out
}

func waitForCalls(t *testing.T, mock *mockRedis, n int) []hsetCall {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if calls := mock.getCalls(); len(calls) >= n {
			return calls
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d HSET calls, got %d", n, len(mock.getCalls()))
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func seededStore(t *testing.T) *book.Store {
	t.Helper()
	s := book.NewStore("BTC-USD")
	err := s.ApplySnapshot(book.Snapshot{
		ProductID: "BTC-USD",
		Bids:      []book.PriceLevel{book.Level("100.50", "1"), book.Level("100", "2")},
		Asks:      []book.PriceLevel{book.Level("101", "0.5"), book.Level("102", "3")},
	})
	if err != nil {
		t.Fatalf("ApplySnapshot: %v", err)
	}
	return s
}

func TestRedisWriter_HSetCommand(t *testing.T) {
	mock := &mockRedis{}
	store := seededStore(t)
	m := metrics.New(nil)

	rw := NewRedisWriter(mock, store, RedisWriterConfig{Venue: "coinbase", Depth: 1}, logging.Discard(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rw.Run(ctx)

	rw.Notify()

	c := waitForCalls(t, mock, 1)[0]
	if c.Key != "book:coinbase:BTC-USD" {
		t.Fatalf("wrong key: %s", c.Key)
	}
	if c.Fields["bid"] != "100.5" {
		t.Fatalf("expected bid '100.5', got %q", c.Fields["bid"])
	}
	if c.Fields["ask"] != "101" {
		t.Fatalf("expected ask '101', got %q", c.Fields["ask"])
	}
	if c.Fields["bids"] != `[["100.5","1"]]` {
		t.Fatalf("unexpected bids: %s", c.Fields["bids"])
	}
	if c.Fields["asks"] != `[["101","0.5"]]` {
		t.Fatalf("unexpected asks: %s", c.Fields["asks"])
	}
	if c.Fields["state"] != "ready" {
		t.Fatalf("expected state 'ready', got %q", c.Fields["state"])
	}
	if c.Fields["version"] != "1" {
		t.Fatalf("expected version '1', got %q", c.Fields["version"])
	}
	if c.Fields["ts"] == "" {
		t.Fatal("expected ts to be set")
	}
	if got := testutil.ToFloat64(m.RedisWrites.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected 1 ok write, got %v", got)
	}
}

func TestRedisWriter_DuplicateSuppression(t *testing.T) {
	mock := &mockRedis{}
	store := seededStore(t)

	rw := NewRedisWriter(mock, store, RedisWriterConfig{Depth: 1}, logging.Discard(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rw.Run(ctx)

	rw.Notify()
	waitForCalls(t, mock, 1)

	// A change below the written depth leaves the view unchanged.
	err := store.ApplyUpdate(book.Update{
		ProductID: "BTC-USD",
		Changes:   []book.Change{{Side: book.Bid, Price: decimal.NewFromInt(99), Size: decimal.NewFromInt(7)}},
	})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	rw.Notify()
	time.Sleep(100 * time.Millisecond)
	rw.Notify()
	time.Sleep(100 * time.Millisecond)

	if calls := mock.getCalls(); len(calls) != 1 {
		t.Fatalf("expected 1 HSET call (duplicates suppressed), got %d", len(calls))
	}

	// Now change the top of book: should trigger a second write.
	err = store.ApplyUpdate(book.Update{
		ProductID: "BTC-USD",
		Changes:   []book.Change{{Side: book.Bid, Price: decimal.RequireFromString("100.75"), Size: decimal.NewFromInt(1)}},
	})
	if err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	rw.Notify()

	calls := waitForCalls(t, mock, 2)
	if calls[1].Fields["bid"] != "100.75" {
		t.Fatalf("expected updated bid '100.75', got %q", calls[1].Fields["bid"])
	}
}

func TestRedisWriter_ResetIsPublished(t *testing.T) {
	mock := &mockRedis{}
	store := seededStore(t)

	rw := NewRedisWriter(mock, store, RedisWriterConfig{Depth: 8}, logging.Discard(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rw.Run(ctx)

	rw.Notify()
	waitForCalls(t, mock, 1)

	store.Reset()
	rw.Notify()

	c := waitForCalls(t, mock, 2)[1]
	if c.Fields["state"] != "uninitialized" {
		t.Fatalf("expected state 'uninitialized', got %q", c.Fields["state"])
	}
	if c.Fields["bid"] != "" || c.Fields["bids"] != "[]" {
		t.Fatalf("expected empty bids after reset, got %q %s", c.Fields["bid"], c.Fields["bids"])
	}
}

func TestRedisWriter_RetriesAfterError(t *testing.T) {
	mock := &mockRedis{}
	mock.setErr(errors.New("connection refused"))
	store := seededStore(t)
	m := metrics.New(nil)

	// A long backoff leaves the retry to the next change notification.
	rw := NewRedisWriter(mock, store, RedisWriterConfig{Depth: 1, RetryInitial: time.Hour}, logging.Discard(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go rw.Run(ctx)

	rw.Notify()
	waitForCalls(t, mock, 1)

	// The failed view was not recorded, so the same view is written again.
	mock.setErr(nil)
	rw.Notify()
	waitForCalls(t, mock, 2)

	if got := testutil.ToFloat64(m.RedisWrites.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected 1 failed write, got %v", got)
	}
}

func TestRedisWriter_RetriesWithoutNewChanges(t *testing.T) {
	mock := &mockRedis{}
	mock.setErr(errors.New("connection refused"))
	store := seededStore(t)
	m := metrics.New(nil)

	rw := NewRedisWriter(mock, store, RedisWriterConfig{
		Depth:        1,
		RetryInitial: 10 * time.Millisecond,
		RetryMax:     40 * time.Millisecond,
	}, logging.Discard(), m)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go rw.Run(ctx)

	// One notification, then the book goes quiet.
	rw.Notify()
	waitForCalls(t, mock, 3)

	mock.setErr(nil)
	deadline := time.After(time.Second)
	for testutil.ToFloat64(m.RedisWrites.WithLabelValues("ok")) < 1 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a successful retry")
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Once written, the view is not retried again.
	settled := mock.getCalls()
	time.Sleep(100 * time.Millisecond)
	if n := len(mock.getCalls()); n != len(settled) {
		t.Fatalf("expected retries to stop after success, got %d calls (want %d)", n, len(settled))
	}
	if last := settled[len(settled)-1]; last.Fields["bid"] != "100.5" {
		t.Fatalf("unexpected retried view: %v", last.Fields)
	}
	if got := testutil.ToFloat64(m.RedisWrites.WithLabelValues("ok")); got != 1 {
		t.Fatalf("expected exactly 1 ok write, got %v", got)
	}
}

func TestRedisWriter_SkipsUnboundStore(t *testing.T) {
	mock := &mockRedis{}
	rw := NewRedisWriter(mock, book.NewStore(""), RedisWriterConfig{}, logging.Discard(), nil)

	if err := rw.write(context.Background()); err != nil {
		t.Fatalf("write: %v", err)
	}

	if calls := mock.getCalls(); len(calls) != 0 {
		t.Fatalf("expected no writes before a product is known, got %d", len(calls))
	}
}
