package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/l2book/internal/book"
	"github.com/caesar-terminal/l2book/internal/logging"
)

func dialStream(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + streamPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readView(t *testing.T, conn *websocket.Conn) book.View {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var v book.View
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestBroadcaster_StreamsViews(t *testing.T) {
	e := newTestEngine(t, nil)
	stream := NewBroadcaster(e, 2, logging.Discard())
	e.OnChange(stream.Notify)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	srv := httptest.NewServer(NewHandler(Config{Book: e, Stream: stream, Log: logging.Discard()}))
	defer srv.Close()

	conn := dialStream(t, srv)

	first := readView(t, conn)
	require.Len(t, first.Bids, 2)
	assert.Equal(t, "100", first.Bids[0].Price.String())

	require.Eventually(t, func() bool { return stream.Clients() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, e.ApplyUpdate(book.Update{
		ProductID: "BTC-USD",
		Changes:   []book.Change{{Side: book.Bid, Price: decimal.RequireFromString("100.5"), Size: decimal.NewFromInt(1)}},
	}))

	// A notification for the snapshot may still be in flight.
	next := readView(t, conn)
	for next.Version < 2 {
		next = readView(t, conn)
	}
	assert.Equal(t, uint64(2), next.Version)
	assert.Equal(t, "100.5", next.Bids[0].Price.String())
}

func TestBroadcaster_DropsDisconnectedClients(t *testing.T) {
	e := newTestEngine(t, nil)
	stream := NewBroadcaster(e, 1, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go stream.Run(ctx)

	srv := httptest.NewServer(NewHandler(Config{Book: e, Stream: stream, Log: logging.Discard()}))
	defer srv.Close()

	conn := dialStream(t, srv)
	readView(t, conn)
	require.Eventually(t, func() bool { return stream.Clients() == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return stream.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcaster_RunStopClosesClients(t *testing.T) {
	e := newTestEngine(t, nil)
	stream := NewBroadcaster(e, 1, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		stream.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(NewHandler(Config{Book: e, Stream: stream, Log: logging.Discard()}))
	defer srv.Close()

	conn := dialStream(t, srv)
	readView(t, conn)
	require.Eventually(t, func() bool { return stream.Clients() == 1 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	assert.Equal(t, 0, stream.Clients())
}

func TestBroadcaster_NotifyNeverBlocks(t *testing.T) {
	stream := NewBroadcaster(book.NewStore("BTC-USD"), 1, logging.Discard())
	for i := 0; i < 100; i++ {
		stream.Notify()
	}
	assert.Len(t, stream.pending, 1)
}
