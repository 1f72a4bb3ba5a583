// Package websocket provides the in-process WebSocket broadcaster for the
// warden collector. The Broadcaster fans newly ingested TransitionRecords
// out to all currently-connected dashboard viewers without blocking the
// REST ingestion handler.
//
// Design notes
//
//   - Each WebSocket client has a dedicated buffered channel of JSON-encoded
//     transition messages. A non-blocking send is used so that a slow or
//     disconnected client never applies back-pressure to the ingest path.
//   - Named clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
//   - Anonymous subscribers (used by the integration layer) receive
//     storage.Transition values directly via a second sync.Map.
//   - Closing a subscription or unregistering a client signals the
//     associated WebSocket pump goroutine to exit cleanly.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tripwire/warden/internal/collector/storage"
)

// TransitionData holds the structured transition payload sent to dashboard
// clients as part of a TransitionMessage envelope.
type TransitionData struct {
	TransitionID string `json:"transition_id"`
	HostID       string `json:"host_id"`
	WatchName    string `json:"watch_name"`
	PID          int    `json:"pid"`
	FromState    string `json:"from_state"`
	ToState      string `json:"to_state"`
	OccurredAt   string `json:"occurred_at"`
}

// TransitionMessage is the top-level JSON envelope pushed to browser
// WebSocket clients. Type is always "transition".
type TransitionMessage struct {
	Type string          `json:"type"`
	Data TransitionData  `json:"data"`
}

// Client represents a single connected WebSocket client. It is created by
// Broadcaster.Register and is valid until Broadcaster.Unregister is
// called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel on which JSON-encoded transition
// frames are delivered. The channel is closed when the client is
// unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans transition events out to all currently-connected
// WebSocket clients (via Register/Unregister/Broadcast) and to all
// anonymous channel subscribers (via Subscribe/Unsubscribe/Publish). It is
// safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	subs sync.Map // map[<-chan storage.Transition]chan storage.Transition

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster.
//
// bufSize is the per-client and per-subscriber channel buffer depth. Pass
// 0 to use the default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{
		bufSize: bufSize,
		logger:  logger,
	}
}

// Register creates a new Client with the given id, stores it in the
// broadcaster, and returns a pointer to it. The caller must call
// Unregister(id) to release resources when the client disconnects.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{
		id:   id,
		send: make(chan []byte, b.bufSize),
	}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id from the broadcaster and closes
// its Send channel so the associated write goroutine exits cleanly.
// Calling Unregister with an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		c := v.(*Client)
		close(c.send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered WebSocket
// clients.
func (b *Broadcaster) ClientCount() int {
	return int(b.clientCnt.Load())
}

// Broadcast marshals msg to JSON and delivers the payload to every
// registered client using a non-blocking send. When a client's buffer is
// full the message is dropped and the client's Dropped counter is
// incremented.
func (b *Broadcaster) Broadcast(msg TransitionMessage) {
	if b.closed.Load() {
		return
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("websocket broadcaster: marshal failed", slog.Any("error", err))
		return
	}

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("websocket broadcaster: client buffer full, dropping transition",
				slog.String("client_id", c.id),
			)
		}
		return true
	})
}

// Subscribe registers an anonymous subscriber and returns a channel on
// which storage.Transition values will be delivered. The channel is
// closed automatically when ctx is cancelled or when Close is called.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan storage.Transition {
	ch := make(chan storage.Transition, b.bufSize)
	if b.closed.Load() {
		close(ch)
		return ch
	}
	b.subs.Store(ch, ch)

	if ctx != nil {
		go func() {
			<-ctx.Done()
			b.Unsubscribe(ch)
		}()
	}

	return ch
}

// Unsubscribe removes the subscription associated with ch and closes the
// channel so the consumer loop exits cleanly. Safe to call after the
// broadcaster has been closed.
func (b *Broadcaster) Unsubscribe(ch <-chan storage.Transition) {
	if actual, loaded := b.subs.LoadAndDelete(ch); loaded {
		close(actual.(chan storage.Transition))
	}
}

// Publish delivers t to every anonymous subscriber and also converts it to
// a TransitionMessage that is broadcast to every registered WebSocket
// client.
func (b *Broadcaster) Publish(t storage.Transition) {
	if b.closed.Load() {
		return
	}

	b.subs.Range(func(key, value any) bool {
		ch := value.(chan storage.Transition)
		select {
		case ch <- t:
		default:
			b.logger.Warn("websocket broadcaster: subscriber buffer full, dropping transition",
				slog.String("transition_id", t.TransitionID),
				slog.String("watch_name", t.WatchName),
			)
		}
		return true
	})

	b.Broadcast(TransitionMessage{
		Type: "transition",
		Data: TransitionData{
			TransitionID: t.TransitionID,
			HostID:       t.HostID,
			WatchName:    t.WatchName,
			PID:          t.PID,
			FromState:    t.FromState,
			ToState:      t.ToState,
			OccurredAt:   t.OccurredAt.UTC().Format(time.RFC3339),
		},
	})
}

// Close removes all subscriptions and registered clients and closes every
// channel; values already buffered stay readable until the consumer drains
// them. After Close
// returns, Publish and Broadcast are no-ops and Subscribe returns a
// closed channel.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.subs.Range(func(key, value any) bool {
			b.subs.Delete(key)
			close(value.(chan storage.Transition))
			return true
		})

		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			c := value.(*Client)
			close(c.send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
