// Package book holds the price-level order book for a single instrument.
//
// A Store starts Uninitialized, becomes Ready on the first accepted
// snapshot, and goes back to Uninitialized on Reset. Updates are only
// accepted while Ready. All mutations hold the write lock for their full
// duration, so readers never observe a half-applied snapshot or update.
package book

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel errors returned by the Store.
var (
	ErrPrematureUpdate = errors.New("update received before snapshot")
	ErrProductMismatch = errors.New("event is for a different product")
	ErrInvalidLevel    = errors.New("invalid price level")
	ErrCrossedBook     = errors.New("crossed book: best bid >= best ask")
)

// Store owns both sides of one instrument's book.
type Store struct {
	mu sync.RWMutex

	product     string
	state       State
	bids        *side
	asks        *side
	crossed     bool
	version     uint64
	lastApplied time.Time

	nowFunc func() time.Time // injectable clock for testing
}

// NewStore creates an empty, Uninitialized store bound to productID. An
// empty productID binds the store to the product of the first snapshot.
func NewStore(productID string) *Store {
	return &Store{
		product: productID,
		bids:    newSide(Bid),
		asks:    newSide(Ask),
		nowFunc: time.Now,
	}
}

// ApplySnapshot replaces both sides wholesale and marks the store Ready.
// The new sides are built before the lock is taken and swapped in at once.
func (s *Store) ApplySnapshot(snap Snapshot) error {
	if err := validateLevels(snap.Bids); err != nil {
		return fmt.Errorf("snapshot bids: %w", err)
	}
	if err := validateLevels(snap.Asks); err != nil {
		return fmt.Errorf("snapshot asks: %w", err)
	}

	bids := newSideFrom(Bid, snap.Bids)
	asks := newSideFrom(Ask, snap.Asks)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkProductLocked(snap.ProductID); err != nil {
		return err
	}
	if s.product == "" {
		s.product = snap.ProductID
	}

	s.bids = bids
	s.asks = asks
	s.state = Ready
	s.commitLocked()
	return nil
}

// ApplyUpdate applies every change in order. It is rejected with
// ErrPrematureUpdate, without mutation, unless the store is Ready.
func (s *Store) ApplyUpdate(u Update) error {
	for i, c := range u.Changes {
		if c.Side != Bid && c.Side != Ask {
			return fmt.Errorf("change %d: %w: side %d", i, ErrInvalidLevel, c.Side)
		}
		if err := validateLevel(c.Price, c.Size); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Ready {
		return ErrPrematureUpdate
	}
	if err := s.checkProductLocked(u.ProductID); err != nil {
		return err
	}

	for _, c := range u.Changes {
		if c.Side == Bid {
			s.bids.set(c.Price, c.Size)
		} else {
			s.asks.set(c.Price, c.Size)
		}
	}
	s.commitLocked()
	return nil
}

// Reset discards both sides and returns the store to Uninitialized. It is
// serialized with ApplySnapshot and ApplyUpdate.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bids = newSide(Bid)
	s.asks = newSide(Ask)
	s.state = Uninitialized
	s.crossed = false
	s.version++
}

// TopBids returns up to n bids, strictly descending by price.
func (s *Store) TopBids(n int) []PriceLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bids.top(n)
}

// TopAsks returns up to n asks, strictly ascending by price.
func (s *Store) TopAsks(n int) []PriceLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asks.top(n)
}

// View returns both sides and the store metadata from a single read.
func (s *Store) View(n int) View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		ProductID:   s.product,
		State:       s.state.String(),
		Version:     s.version,
		Crossed:     s.crossed,
		LastApplied: s.lastApplied,
		Bids:        s.bids.top(n),
		Asks:        s.asks.top(n),
	}
}

// SizeAt returns the size resting at price on the given side.
func (s *Store) SizeAt(sd Side, price decimal.Decimal) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sd == Bid {
		return s.bids.get(price)
	}
	return s.asks.get(price)
}

// BestBid returns the highest bid, if any.
func (s *Store) BestBid() (PriceLevel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bids.best()
}

// BestAsk returns the lowest ask, if any.
func (s *Store) BestAsk() (PriceLevel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.asks.best()
}

// Spread returns best ask minus best bid. It is negative or zero when the
// book is crossed, and unavailable when either side is empty.
func (s *Store) Spread() (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bid, okBid := s.bids.best()
	ask, okAsk := s.asks.best()
	if !okBid || !okAsk {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Depth returns the number of levels on each side.
func (s *Store) Depth() (bids, asks int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bids.len(), s.asks.len()
}

func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Ready() bool { return s.State() == Ready }

// Crossed reports whether the last committed mutation left best bid >=
// best ask.
func (s *Store) Crossed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.crossed
}

// Version increases on every committed mutation and on Reset.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// LastApplied is the time of the last committed snapshot or update.
func (s *Store) LastApplied() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

func (s *Store) ProductID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.product
}

func (s *Store) commitLocked() {
	s.version++
	s.lastApplied = s.nowFunc()

	bid, okBid := s.bids.best()
	ask, okAsk := s.asks.best()
	s.crossed = okBid && okAsk && bid.Price.GreaterThanOrEqual(ask.Price)
}

func (s *Store) checkProductLocked(product string) error {
	if s.product != "" && product != s.product {
		return fmt.Errorf("%w: got %q, bound to %q", ErrProductMismatch, product, s.product)
	}
	return nil
}

func validateLevels(levels []PriceLevel) error {
	for i, l := range levels {
		if err := validateLevel(l.Price, l.Size); err != nil {
			return fmt.Errorf("level %d: %w", i, err)
		}
	}
	return nil
}

func validateLevel(price, size decimal.Decimal) error {
	if price.IsNegative() {
		return fmt.Errorf("%w: negative price %s", ErrInvalidLevel, price)
	}
	if size.IsNegative() {
		return fmt.Errorf("%w: negative size %s", ErrInvalidLevel, size)
	}
	return nil
}
