package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/caesar-terminal/l2book/internal/book"
)

const (
	streamPath = "/v1/stream"

	clientBuffer = 16
	writeTimeout = time.Second
)

// Viewer is the part of the engine the stream reads.
type Viewer interface {
	View(n int) book.View
}

// Broadcaster pushes a JSON book view to every connected WebSocket client
// after each coalesced change. Slow clients miss intermediate views.
type Broadcaster struct {
	src      Viewer
	depth    int
	log      *logrus.Entry
	upgrader websocket.Upgrader

	pending chan struct{}

	mu      sync.RWMutex
	clients map[uuid.UUID]chan []byte
	closed  bool
}

// NewBroadcaster creates a Broadcaster that sends depth levels per side.
func NewBroadcaster(src Viewer, depth int, log *logrus.Entry) *Broadcaster {
	if depth <= 0 {
		depth = 8
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Broadcaster{
		src:   src,
		depth: depth,
		log:   log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		pending: make(chan struct{}, 1),
		clients: make(map[uuid.UUID]chan []byte),
	}
}

// Notify schedules a broadcast. It never blocks and is meant to be passed
// to Engine.OnChange.
func (b *Broadcaster) Notify() {
	select {
	case b.pending <- struct{}{}:
	default:
	}
}

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Run distributes views until ctx is cancelled, then disconnects every
// client.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pending:
			msg, err := b.encode()
			if err != nil {
				b.log.WithError(err).Warn("stream: encode view")
				continue
			}
			b.distribute(msg)
		}
	}
}

func (b *Broadcaster) encode() ([]byte, error) {
	return json.Marshal(b.src.View(b.depth))
}

// distribute hands msg to every client. Non-blocking: a full client buffer
// drops the message for that client.
func (b *Broadcaster) distribute(msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.clients {
		select {
		case ch <- msg:
		default:
			b.log.WithField("client", id).Debug("stream: dropping view for slow client")
		}
	}
}

func (b *Broadcaster) add() (uuid.UUID, chan []byte, bool) {
	id := uuid.New()
	ch := make(chan []byte, clientBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return id, nil, false
	}
	b.clients[id] = ch
	return id, ch, true
}

func (b *Broadcaster) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.clients[id]; ok {
		delete(b.clients, id)
		close(ch)
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.clients {
		delete(b.clients, id)
		close(ch)
	}
}

// serve upgrades the request and streams views until the client goes away
// or the broadcaster stops. The current view is sent first.
func (b *Broadcaster) serve(c *gin.Context) {
	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		b.log.WithError(err).Debug("stream: upgrade failed")
		return
	}
	defer conn.Close()

	id, ch, ok := b.add()
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		return
	}
	defer b.remove(id)
	log := b.log.WithField("client", id)
	log.Debug("stream: client connected")

	// Inbound frames are ignored; reading surfaces the client's close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if msg, err := b.encode(); err == nil {
		if err := b.write(conn, msg); err != nil {
			return
		}
	}

	for {
		select {
		case <-gone:
			log.Debug("stream: client disconnected")
			return
		case msg, ok := <-ch:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := b.write(conn, msg); err != nil {
				log.WithError(err).Debug("stream: write failed")
				return
			}
		}
	}
}

func (b *Broadcaster) write(conn *websocket.Conn, msg []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, msg)
}
