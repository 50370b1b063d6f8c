package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/l2book/internal/book"
	"github.com/caesar-terminal/l2book/internal/metrics"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedisClient; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedisClient adapts *redis.Client to RedisClient.
type GoRedisClient struct {
	rdb *redis.Client
}

// NewGoRedisClient connects to addr. Call Ping to verify the connection.
func NewGoRedisClient(addr, password string, db int) *GoRedisClient {
	return &GoRedisClient{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (c *GoRedisClient) HSet(ctx context.Context, key string, values ...any) error {
	return c.rdb.HSet(ctx, key, values...).Err()
}

func (c *GoRedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *GoRedisClient) Close() error {
	return c.rdb.Close()
}

// BookSource is the read side of the engine used by RedisWriter.
type BookSource interface {
	View(n int) book.View
}

// RedisWriterConfig holds RedisWriter settings.
type RedisWriterConfig struct {
	// Venue is the exchange segment of the key, e.g. "coinbase".
	Venue string
	// Depth is the number of levels per side written.
	Depth int
	// RetryInitial and RetryMax bound the backoff between retries of a
	// failed write when no new change arrives. Defaults: 100ms, 5s.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// publishedView holds the last-written fields so we can skip duplicate
// writes.
type publishedView struct {
	Bid   string
	Ask   string
	Bids  string
	Asks  string
	State string
}

// RedisWriter publishes the top of the book into Redis using the schema:
//
//	Key:    book:{venue}:{product_id}
//	Fields: bid, ask, bids, asks, state, version, ts
//
// bids and asks are JSON arrays of [price, size] strings. Writes are driven
// by Notify, which is meant to be registered as an engine change callback;
// several notifications that arrive during a write collapse into one.
// Duplicate views are suppressed.
type RedisWriter struct {
	client  RedisClient
	src     BookSource
	cfg     RedisWriterConfig
	log     *logrus.Entry
	metrics *metrics.Metrics

	pending chan struct{}

	mu   sync.Mutex
	last map[string]publishedView // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter reading from src and writing to
// client.
func NewRedisWriter(client RedisClient, src BookSource, cfg RedisWriterConfig, log *logrus.Entry, m *metrics.Metrics) *RedisWriter {
	if cfg.Depth <= 0 {
		cfg.Depth = 8
	}
	if cfg.Venue == "" {
		cfg.Venue = "coinbase"
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 100 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = max(5*time.Second, cfg.RetryInitial)
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisWriter{
		client:  client,
		src:     src,
		cfg:     cfg,
		log:     log,
		metrics: m,
		pending: make(chan struct{}, 1),
		last:    make(map[string]publishedView),
	}
}

// Notify schedules a write. It never blocks.
func (rw *RedisWriter) Notify() {
	select {
	case rw.pending <- struct{}{}:
	default:
	}
}

// Run writes the current view after every Notify. A failed write is
// retried with exponential backoff until it succeeds or a newer change
// supersedes it. It blocks until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var retry <-chan time.Time
	delay := rw.cfg.RetryInitial
	for {
		select {
		case <-ctx.Done():
			return
		case <-rw.pending:
		case <-retry:
		}
		retry = nil

		if err := rw.write(ctx); err != nil {
			rw.log.WithField("retry_in", delay).Debug("redis_writer: scheduling retry")
			retry = time.After(delay)
			delay = min(delay*2, rw.cfg.RetryMax)
			continue
		}
		delay = rw.cfg.RetryInitial
	}
}

// write reads a view, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context) error {
	view := rw.src.View(rw.cfg.Depth)
	if view.ProductID == "" {
		return nil
	}

	pv := publishedView{
		Bid:   bestPrice(view.Bids),
		Ask:   bestPrice(view.Asks),
		Bids:  encodeSide(view.Bids),
		Asks:  encodeSide(view.Asks),
		State: view.State,
	}
	key := fmt.Sprintf("book:%s:%s", rw.cfg.Venue, view.ProductID)

	rw.mu.Lock()
	prev, exists := rw.last[key]
	rw.mu.Unlock()
	if exists && prev == pv {
		return nil
	}

	ts := strconv.FormatInt(view.LastApplied.UnixMilli(), 10)
	err := rw.client.HSet(ctx, key,
		"bid", pv.Bid,
		"ask", pv.Ask,
		"bids", pv.Bids,
		"asks", pv.Asks,
		"state", pv.State,
		"version", strconv.FormatUint(view.Version, 10),
		"ts", ts,
	)
	rw.metrics.ObserveRedisWrite(err)
	if err != nil {
		rw.log.WithError(err).WithField("key", key).Warn("redis_writer: hset failed")
		return err
	}

	rw.mu.Lock()
	rw.last[key] = pv
	rw.mu.Unlock()
	return nil
}

// bestPrice returns the first level's price, or "" for an empty side.
// Levels arrive best first.
func bestPrice(levels []book.PriceLevel) string {
	if len(levels) == 0 {
		return ""
	}
	return levels[0].Price.String()
}

func encodeSide(levels []book.PriceLevel) string {
	rows := make([][2]string, 0, len(levels))
	for _, l := range levels {
		rows = append(rows, [2]string{l.Price.String(), l.Size.String()})
	}
	out, _ := json.Marshal(rows)
	return string(out)
}
