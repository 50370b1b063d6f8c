// Package notify bounds how often consumers are told that the book changed.
//
// The Coalescer is a trailing-edge throttle with a guaranteed flush. The
// first MarkDirty while idle arms a one-shot timer for one period. When the
// timer fires, if the dirty flag is still set it is cleared and every
// subscriber is called once. The timer then stays idle until the next
// MarkDirty. So consumers hear at most one notification per period, always
// after the latest mutation that preceded it, and a burst that stops is
// followed by exactly one more notification.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DefaultPeriod matches a 10 Hz display refresh.
const DefaultPeriod = 100 * time.Millisecond

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id uuid.UUID
	fn func()
	c  *Coalescer

	// mu is held while fn runs so Cancel can wait out an in-flight call.
	mu        sync.Mutex
	cancelled atomic.Bool
}

// ID identifies the subscription in logs.
func (s *Subscription) ID() uuid.UUID { return s.id }

// Cancel detaches the subscription. When it returns the callback is not
// running and will never be called again. It must not be called from the
// subscription's own callback; use CancelAsync there.
func (s *Subscription) Cancel() { s.c.Cancel(s) }

// CancelAsync detaches the subscription without waiting for an in-flight
// call to finish. No call starts after it returns.
func (s *Subscription) CancelAsync() { s.c.detach(s) }

func (s *Subscription) deliver(log *logrus.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled.Load() {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("subscription", s.id).Errorf("notify: callback panicked: %v", r)
		}
	}()
	s.fn()
}

// Coalescer turns a bursty stream of MarkDirty calls into a bounded-rate
// stream of payload-free notifications.
type Coalescer struct {
	period time.Duration
	log    *logrus.Entry

	mu     sync.Mutex
	dirty  bool
	armed  bool
	closed bool
	timer  *time.Timer
	subs   []*Subscription

	fired atomic.Uint64
}

// New creates a Coalescer. A non-positive period falls back to
// DefaultPeriod.
func New(period time.Duration, log *logrus.Entry) *Coalescer {
	if period <= 0 {
		period = DefaultPeriod
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coalescer{period: period, log: log}
}

// Period returns the notification period.
func (c *Coalescer) Period() time.Duration { return c.period }

// Fired returns how many notification rounds have been delivered.
func (c *Coalescer) Fired() uint64 { return c.fired.Load() }

// Subscribe registers fn to be called on every notification.
func (c *Coalescer) Subscribe(fn func()) *Subscription {
	sub := &Subscription{id: uuid.New(), fn: fn, c: c}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.cancelled.Store(true)
		return sub
	}
	c.subs = append(c.subs, sub)
	c.log.WithField("subscription", sub.id).Debug("notify: subscribed")
	return sub
}

// Cancel detaches sub and waits for any in-flight call of its callback.
func (c *Coalescer) Cancel(sub *Subscription) {
	if sub == nil {
		return
	}
	c.detach(sub)
	// Taking the lock waits out a call that is already running.
	sub.mu.Lock()
	sub.mu.Unlock()
}

func (c *Coalescer) detach(sub *Subscription) {
	sub.cancelled.Store(true)

	c.mu.Lock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()
}

// MarkDirty records that the book changed and arms the timer if idle.
func (c *Coalescer) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.dirty = true
	if !c.armed {
		c.armed = true
		c.timer = time.AfterFunc(c.period, c.fire)
	}
}

// Pending reports whether a change is waiting to be delivered.
func (c *Coalescer) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

func (c *Coalescer) fire() {
	c.mu.Lock()
	c.armed = false
	c.timer = nil
	if c.closed || !c.dirty {
		c.mu.Unlock()
		return
	}
	c.dirty = false
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()

	c.fired.Add(1)
	for _, sub := range subs {
		sub.deliver(c.log)
	}
}

// Close stops the timer and cancels every subscription, waiting for
// in-flight callbacks. MarkDirty is a no-op afterwards. Like Cancel, it must
// not be called from a subscription callback; use CloseAsync there.
func (c *Coalescer) Close() {
	for _, sub := range c.shutdown() {
		sub.mu.Lock()
		sub.mu.Unlock()
	}
}

// CloseAsync is Close without waiting for in-flight callbacks. No callback
// starts after it returns.
func (c *Coalescer) CloseAsync() {
	c.shutdown()
}

func (c *Coalescer) shutdown() []*Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.dirty = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	subs := c.subs
	c.subs = nil
	for _, sub := range subs {
		sub.cancelled.Store(true)
	}
	return subs
}
