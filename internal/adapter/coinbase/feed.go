// Package coinbase drives a Level 2 book from the Coinbase Exchange
// websocket feed.
package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/l2book/internal/adapter"
	"github.com/caesar-terminal/l2book/internal/feed"
)

// DefaultURL is the public Coinbase Exchange market-data endpoint.
const DefaultURL = "wss://ws-feed.exchange.coinbase.com"

// Control and informational message types.
const (
	typeSubscribe     = "subscribe"
	typeUnsubscribe   = "unsubscribe"
	typeSubscriptions = "subscriptions"
	typeHeartbeat     = "heartbeat"
	typeError         = "error"
)

// Handler applies book messages. Satisfied by *engine.Engine.
type Handler interface {
	Handle(raw []byte) error
	Reset()
}

// controlMsg subscribes to or unsubscribes from channels.
type controlMsg struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type rawError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Feed subscribes a WSClient to the book channels and routes snapshot and
// l2update messages into a Handler. On every reconnect it resets the book
// and resubscribes, so the server sends a fresh snapshot.
type Feed struct {
	ws       *adapter.WSClient
	h        Handler
	log      *logrus.Entry
	products []string
	channels []string

	sub <-chan []byte

	stopOnce sync.Once
	stopped  chan struct{}
}

// New creates a Feed. Create it before ws.Connect so that no message from
// the first connection is missed.
func New(ws *adapter.WSClient, h Handler, products, channels []string, log *logrus.Entry) *Feed {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if len(channels) == 0 {
		channels = []string{"level2"}
	}
	f := &Feed{
		ws:       ws,
		h:        h,
		log:      log,
		products: products,
		channels: channels,
		sub:      ws.Subscribe(),
		stopped:  make(chan struct{}),
	}
	ws.OnReconnect(f.resync)
	return f
}

// Subscribe asks the server for the configured channels. The server answers
// with a snapshot followed by l2update messages.
func (f *Feed) Subscribe() {
	f.ws.Send(f.control(typeSubscribe))
}

// Run routes inbound messages until ctx is cancelled or the connection is
// closed.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-f.sub:
			if !ok {
				return
			}
			f.handleMessage(raw)
		}
	}
}

// Stop unsubscribes and closes the connection. The book keeps its last
// state. It is safe to call more than once.
func (f *Feed) Stop() error {
	var err error
	f.stopOnce.Do(func() {
		if werr := f.ws.Write(f.control(typeUnsubscribe)); werr != nil && !errors.Is(werr, adapter.ErrNotConnected) {
			err = werr
		}
		f.ws.Close()
		close(f.stopped)
		f.log.Info("coinbase: feed stopped")
	})
	return err
}

// Stopped is closed once Stop has run.
func (f *Feed) Stopped() <-chan struct{} { return f.stopped }

func (f *Feed) resync() {
	f.log.Info("coinbase: reconnected, resetting book and resubscribing")
	f.h.Reset()
	f.Subscribe()
}

func (f *Feed) control(typ string) []byte {
	msg, _ := json.Marshal(controlMsg{
		Type:       typ,
		ProductIDs: f.products,
		Channels:   f.channels,
	})
	return msg
}

func (f *Feed) handleMessage(raw []byte) {
	typ, err := feed.PeekType(raw)
	if err != nil {
		// Let the engine count and report it.
		_ = f.h.Handle(raw)
		return
	}

	switch typ {
	case typeSubscriptions:
		f.log.WithField("payload", string(raw)).Info("coinbase: subscriptions confirmed")
	case typeHeartbeat:
	case typeError:
		var e rawError
		_ = json.Unmarshal(raw, &e)
		f.log.WithFields(logrus.Fields{
			"message": e.Message,
			"reason":  e.Reason,
		}).Warn("coinbase: exchange error")
	default:
		// snapshot and l2update are applied; anything else is reported by
		// the engine as an unknown type.
		if err := f.h.Handle(raw); err != nil {
			f.log.WithError(err).WithField("type", typ).Debug("coinbase: message not applied")
		}
	}
}
