package adapter

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned by Write before Connect succeeds or after Close.
var ErrNotConnected = errors.New("ws: not connected")

// CircuitState represents the health of the WebSocket connection for circuit
// breaker integration. Consumers (e.g. the health endpoints) read this to
// decide whether the book can be trusted.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota // healthy
	CircuitOpen                       // unhealthy, book may be stale
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "open"
	}
	return "closed"
}

// WSConfig holds tunable parameters for a WSClient.
type WSConfig struct {
	URL string

	// Buffer sizes for the underlying TCP connection.
	ReadBufferSize  int
	WriteBufferSize int

	// HeartbeatTimeout is the maximum duration of silence before the client
	// considers the connection dead and triggers a reconnect.
	HeartbeatTimeout time.Duration

	// Backoff parameters for reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BackoffFactor  float64

	// Headers sent during the WebSocket handshake.
	Headers http.Header
}

// DefaultWSConfig returns sensible defaults for a busy market-data feed.
func DefaultWSConfig(url string) WSConfig {
	return WSConfig{
		URL:              url,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  4096,
		HeartbeatTimeout: 5 * time.Second,
		BackoffInitial:   50 * time.Millisecond,
		BackoffMax:       5 * time.Second,
		BackoffFactor:    2.0,
	}
}

// WSClient is a resilient WebSocket connection manager. It automatically
// reconnects with exponential backoff, monitors heartbeats, and fans out
// incoming messages to subscribers.
type WSClient struct {
	cfg WSConfig
	log *logrus.Entry

	circuit atomic.Int32

	mu   sync.RWMutex
	conn *websocket.Conn

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	// subscribers receive copies of every inbound message.
	subMu  sync.RWMutex
	subs   []chan []byte
	closed bool

	// outbox for sending messages through the connection.
	outbox chan []byte

	hookMu      sync.Mutex
	onReconnect []func()

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewWSClient creates a new WebSocket client. Call Connect to start.
func NewWSClient(cfg WSConfig, log *logrus.Entry) *WSClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	ws := &WSClient{
		cfg:    cfg,
		log:    log,
		outbox: make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	ws.circuit.Store(int32(CircuitOpen))
	return ws
}

// Circuit returns the current circuit breaker state.
func (ws *WSClient) Circuit() CircuitState {
	return CircuitState(ws.circuit.Load())
}

// OnReconnect registers fn to run after every successful reconnection,
// before any message from the new connection is fanned out. Hooks run on
// the read goroutine in registration order.
func (ws *WSClient) OnReconnect(fn func()) {
	ws.hookMu.Lock()
	ws.onReconnect = append(ws.onReconnect, fn)
	ws.hookMu.Unlock()
}

// Subscribe returns a channel that receives copies of every inbound message,
// in order and without gaps. A subscriber that stops draining its channel
// stalls the read loop until Close. The channel is closed by Close.
func (ws *WSClient) Subscribe() <-chan []byte {
	ch := make(chan []byte, 512)
	ws.subMu.Lock()
	defer ws.subMu.Unlock()
	if ws.closed {
		close(ch)
		return ch
	}
	ws.subs = append(ws.subs, ch)
	return ch
}

// Send enqueues a message for delivery over the WebSocket connection.
func (ws *WSClient) Send(data []byte) {
	select {
	case ws.outbox <- data:
	default:
		ws.log.WithField("bytes", len(data)).Warn("ws: outbox full, dropping message")
	}
}

// Write sends data on the current connection and waits for the write to
// complete. Used for messages that must go out before Close.
func (ws *WSClient) Write(data []byte) error {
	ws.mu.RLock()
	c := ws.conn
	ws.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}

	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	c.SetWriteDeadline(time.Now().Add(time.Second))
	return c.WriteMessage(websocket.TextMessage, data)
}

// Connect dials the WebSocket endpoint and starts the read and write loops.
// It blocks until the initial connection succeeds or fails.
func (ws *WSClient) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	if err := ws.dial(ctx); err != nil {
		cancel()
		return err
	}
	ws.cancel = cancel
	ws.circuit.Store(int32(CircuitClosed))
	ws.log.WithField("url", ws.url()).Info("ws: connected")

	go ws.readLoop(ctx)
	go ws.writeLoop(ctx)

	return nil
}

// Close shuts down the client, closing the underlying connection and all
// subscriber channels. It is safe to call more than once.
func (ws *WSClient) Close() {
	ws.closeOnce.Do(func() {
		if ws.cancel != nil {
			ws.cancel()
		}
		ws.circuit.Store(int32(CircuitOpen))

		ws.mu.Lock()
		if ws.conn != nil {
			ws.writeMu.Lock()
			ws.conn.SetWriteDeadline(time.Now().Add(time.Second))
			ws.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			ws.writeMu.Unlock()
			ws.conn.Close()
		}
		ws.mu.Unlock()

		ws.subMu.Lock()
		ws.closed = true
		for _, ch := range ws.subs {
			close(ch)
		}
		ws.subs = nil
		ws.subMu.Unlock()

		close(ws.done)
	})
}

// Done returns a channel that is closed when the client has fully shut down.
func (ws *WSClient) Done() <-chan struct{} {
	return ws.done
}

func (ws *WSClient) url() string {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.cfg.URL
}

// dial establishes the WebSocket connection with TCP_NODELAY enabled.
func (ws *WSClient) dial(ctx context.Context) error {
	dialer := websocket.Dialer{
		ReadBufferSize:   ws.cfg.ReadBufferSize,
		WriteBufferSize:  ws.cfg.WriteBufferSize,
		HandshakeTimeout: 10 * time.Second,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(true)
			}
			return conn, nil
		},
	}

	conn, _, err := dialer.DialContext(ctx, ws.url(), ws.cfg.Headers)
	if err != nil {
		return err
	}

	ws.mu.Lock()
	ws.conn = conn
	ws.mu.Unlock()
	return nil
}

// reconnect loops with exponential backoff until a connection is re-established
// or the context is cancelled.
func (ws *WSClient) reconnect(ctx context.Context) bool {
	ws.circuit.Store(int32(CircuitOpen))

	delay := ws.cfg.BackoffInitial
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		if err := ws.dial(ctx); err != nil {
			ws.log.WithError(err).WithField("retry_in", delay).Warn("ws: reconnect failed")
			delay = time.Duration(math.Min(
				float64(delay)*ws.cfg.BackoffFactor,
				float64(ws.cfg.BackoffMax),
			))
			continue
		}

		ws.circuit.Store(int32(CircuitClosed))
		ws.log.Info("ws: reconnected")

		ws.hookMu.Lock()
		hooks := append([]func(){}, ws.onReconnect...)
		ws.hookMu.Unlock()
		for _, fn := range hooks {
			fn()
		}
		return true
	}
}

// readLoop reads messages and fans them out to subscribers. It also acts as the
// heartbeat monitor: if no message arrives within HeartbeatTimeout, it triggers
// a reconnect.
func (ws *WSClient) readLoop(ctx context.Context) {
	for {
		ws.mu.RLock()
		c := ws.conn
		ws.mu.RUnlock()

		c.SetReadDeadline(time.Now().Add(ws.cfg.HeartbeatTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ws.log.WithError(err).Warn("ws: read error, reconnecting")
			c.Close()
			if !ws.reconnect(ctx) {
				return
			}
			continue
		}

		if !ws.fanOut(ctx, msg) {
			return
		}
	}
}

// writeLoop drains the outbox and writes messages to the connection.
func (ws *WSClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-ws.outbox:
			if err := ws.Write(data); err != nil {
				ws.log.WithError(err).Warn("ws: write error")
			}
		}
	}
}

// fanOut delivers msg to every subscriber. A full subscriber blocks the
// read loop until it drains; nothing is dropped. It returns false once ctx
// is cancelled.
func (ws *WSClient) fanOut(ctx context.Context, msg []byte) bool {
	ws.subMu.RLock()
	defer ws.subMu.RUnlock()
	if ws.closed {
		return false
	}

	for _, ch := range ws.subs {
		select {
		case ch <- msg:
			continue
		default:
		}
		ws.log.Debug("ws: subscriber full, applying backpressure")
		select {
		case ch <- msg:
		case <-ctx.Done():
			return false
		}
	}
	return true
}
