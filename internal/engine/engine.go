// Package engine is the public surface of the order book: it decodes feed
// messages, applies them to a book.Store, and tells subscribers, at a
// bounded rate, that the book changed.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/l2book/internal/book"
	"github.com/caesar-terminal/l2book/internal/feed"
	"github.com/caesar-terminal/l2book/internal/metrics"
	"github.com/caesar-terminal/l2book/internal/notify"
)

// ErrClosed is returned by mutations after Close.
var ErrClosed = errors.New("engine closed")

// DefaultDiagnosticsBuffer is the capacity of the Diagnostics channel.
const DefaultDiagnosticsBuffer = 64

// Config controls an Engine.
type Config struct {
	// ProductID binds the book to one instrument. Empty binds it to the
	// first snapshot received.
	ProductID string
	// NotifyPeriod bounds the notification rate. Zero uses
	// notify.DefaultPeriod.
	NotifyPeriod time.Duration
	// DiagnosticsBuffer is the Diagnostics channel capacity.
	DiagnosticsBuffer int
}

// DiagnosticKind classifies a Diagnostic.
type DiagnosticKind string

const (
	DiagCrossedBook DiagnosticKind = "crossed_book"
	DiagRejected    DiagnosticKind = "rejected"
	DiagDecode      DiagnosticKind = "decode_error"
)

// Diagnostic is a non-fatal signal about the feed or the book.
type Diagnostic struct {
	Kind    DiagnosticKind
	Err     error
	BestBid book.PriceLevel // set for crossed books
	BestAsk book.PriceLevel // set for crossed books
	Version uint64
	At      time.Time
}

// Stats summarizes engine activity since New.
type Stats struct {
	ProductID        string  `json:"product_id"`
	State            string  `json:"state"`
	Version          uint64  `json:"version"`
	Messages         uint64  `json:"messages"`
	DecodeErrors     uint64  `json:"decode_errors"`
	Rejected         uint64  `json:"rejected"`
	Resets           uint64  `json:"resets"`
	Notifications    uint64  `json:"notifications"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	NotificationRate float64 `json:"notifications_per_second"`
	BidLevels        int     `json:"bid_levels"`
	AskLevels        int     `json:"ask_levels"`
	Crossed          bool    `json:"crossed"`
	// Spread is best ask minus best bid; empty while either side is empty.
	Spread           string  `json:"spread,omitempty"`
}

// Engine owns one book, its coalescer and its diagnostics stream.
type Engine struct {
	store   *book.Store
	notify  *notify.Coalescer
	log     *logrus.Entry
	metrics *metrics.Metrics

	// applyMu serializes mutations so the crossed-book transition is
	// evaluated against the mutation that caused it.
	applyMu sync.Mutex
	closed  atomic.Bool

	diags chan Diagnostic

	started      time.Time
	messages     atomic.Uint64
	decodeErrors atomic.Uint64
	rejected     atomic.Uint64
	resets       atomic.Uint64

	nowFunc func() time.Time
}

// New creates an Engine. log and m may be nil.
func New(cfg Config, log *logrus.Entry, m *metrics.Metrics) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.DiagnosticsBuffer <= 0 {
		cfg.DiagnosticsBuffer = DefaultDiagnosticsBuffer
	}

	e := &Engine{
		store:   book.NewStore(cfg.ProductID),
		notify:  notify.New(cfg.NotifyPeriod, log.WithField("component", "notify")),
		log:     log,
		metrics: m,
		diags:   make(chan Diagnostic, cfg.DiagnosticsBuffer),
		started: time.Now(),
		nowFunc: time.Now,
	}
	if m != nil {
		e.notify.Subscribe(m.ObserveNotification)
	}
	return e
}

// Handle decodes raw and applies the resulting event. Decode failures and
// rejected events leave the book unchanged and are returned to the caller.
func (e *Engine) Handle(raw []byte) error {
	ev, err := feed.Decode(raw)
	if err != nil {
		kind := feed.KindOf(err).String()
		e.decodeErrors.Add(1)
		e.metrics.ObserveDecodeError(kind)
		e.log.WithError(err).WithField("kind", kind).Warn("engine: dropping message")
		e.emit(Diagnostic{Kind: DiagDecode, Err: err, At: e.nowFunc()})
		return err
	}

	switch ev := ev.(type) {
	case book.Snapshot:
		return e.ApplySnapshot(ev)
	case book.Update:
		return e.ApplyUpdate(ev)
	default:
		return fmt.Errorf("engine: unexpected event %T", ev)
	}
}

// ApplySnapshot replaces the book and marks it ready.
func (e *Engine) ApplySnapshot(snap book.Snapshot) error {
	e.messages.Add(1)
	e.metrics.ObserveMessage(feed.TypeSnapshot)
	return e.apply(func() error { return e.store.ApplySnapshot(snap) })
}

// ApplyUpdate applies an incremental update. Before the first snapshot it
// fails with book.ErrPrematureUpdate.
func (e *Engine) ApplyUpdate(u book.Update) error {
	e.messages.Add(1)
	e.metrics.ObserveMessage(feed.TypeL2Update)
	return e.apply(func() error { return e.store.ApplyUpdate(u) })
}

func (e *Engine) apply(mutate func() error) error {
	if e.closed.Load() {
		return ErrClosed
	}

	e.applyMu.Lock()
	wasCrossed := e.store.Crossed()
	start := time.Now()
	err := mutate()
	elapsed := time.Since(start)
	crossed := e.store.Crossed()
	e.applyMu.Unlock()

	if err != nil {
		e.rejected.Add(1)
		e.metrics.ObserveRejected()
		e.log.WithError(err).Warn("engine: rejected")
		e.emit(Diagnostic{Kind: DiagRejected, Err: err, Version: e.store.Version(), At: e.nowFunc()})
		return err
	}

	bids, asks := e.store.Depth()
	e.metrics.ObserveApply(elapsed.Seconds(), bids, asks)

	if crossed && !wasCrossed {
		e.reportCrossed()
	}
	e.notify.MarkDirty()
	return nil
}

func (e *Engine) reportCrossed() {
	bid, _ := e.store.BestBid()
	ask, _ := e.store.BestAsk()
	version := e.store.Version()

	e.metrics.ObserveCrossed()
	e.log.WithFields(logrus.Fields{
		"best_bid": bid.Price.String(),
		"best_ask": ask.Price.String(),
		"version":  version,
	}).Warn("engine: crossed book")
	e.emit(Diagnostic{
		Kind:    DiagCrossedBook,
		Err:     book.ErrCrossedBook,
		BestBid: bid,
		BestAsk: ask,
		Version: version,
		At:      e.nowFunc(),
	})
}

func (e *Engine) emit(d Diagnostic) {
	select {
	case e.diags <- d:
	default:
		// Full: drop rather than block ingestion.
	}
}

// Reset discards the book. Updates are rejected until the next snapshot.
// Subscribers are notified so they can render the empty book.
func (e *Engine) Reset() {
	e.applyMu.Lock()
	e.store.Reset()
	e.applyMu.Unlock()

	e.resets.Add(1)
	e.metrics.ObserveReset()
	e.metrics.ObserveLevels(0, 0)
	e.log.Info("engine: book reset")
	e.notify.MarkDirty()
}

// TopBids returns up to n bids, best first.
func (e *Engine) TopBids(n int) []book.PriceLevel { return e.store.TopBids(n) }

// TopAsks returns up to n asks, best first.
func (e *Engine) TopAsks(n int) []book.PriceLevel { return e.store.TopAsks(n) }

// View returns up to n levels per side with the book metadata.
func (e *Engine) View(n int) book.View { return e.store.View(n) }

func (e *Engine) Ready() bool { return e.store.Ready() }

func (e *Engine) LastApplied() time.Time { return e.store.LastApplied() }

func (e *Engine) Version() uint64 { return e.store.Version() }

// SizeAt returns the size resting at price on side, and whether the level
// exists.
func (e *Engine) SizeAt(side book.Side, price decimal.Decimal) (decimal.Decimal, bool) {
	return e.store.SizeAt(side, price)
}

// OnChange registers fn to be called, without payload, at most once per
// notify period after the book changes.
func (e *Engine) OnChange(fn func()) *notify.Subscription {
	return e.notify.Subscribe(fn)
}

// Cancel detaches sub. After it returns fn is never called again.
func (e *Engine) Cancel(sub *notify.Subscription) {
	e.notify.Cancel(sub)
}

// Diagnostics returns the stream of non-fatal signals. Signals are dropped
// when the channel is full.
func (e *Engine) Diagnostics() <-chan Diagnostic { return e.diags }

// Stats returns activity counters and book sizes.
func (e *Engine) Stats() Stats {
	view := e.store.View(0)
	bids, asks := e.store.Depth()
	uptime := e.nowFunc().Sub(e.started).Seconds()
	fired := e.notify.Fired()

	var rate float64
	if uptime > 0 {
		rate = float64(fired) / uptime
	}
	var spread string
	if sp, ok := e.store.Spread(); ok {
		spread = sp.String()
	}
	return Stats{
		ProductID:        view.ProductID,
		State:            view.State,
		Version:          view.Version,
		Messages:         e.messages.Load(),
		DecodeErrors:     e.decodeErrors.Load(),
		Rejected:         e.rejected.Load(),
		Resets:           e.resets.Load(),
		Notifications:    fired,
		UptimeSeconds:    uptime,
		NotificationRate: rate,
		BidLevels:        bids,
		AskLevels:        asks,
		Crossed:          view.Crossed,
		Spread:           spread,
	}
}

// Close stops notifications and rejects further mutations. Reads keep
// working on the last state. It waits for in-flight OnChange callbacks, so
// it must not be called from one.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.notify.Close()
	e.log.Info("engine: closed")
}
