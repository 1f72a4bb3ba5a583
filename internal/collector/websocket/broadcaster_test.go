package websocket_test

import (
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tripwire/warden/internal/collector/storage"
	ws "github.com/tripwire/warden/internal/collector/websocket"
)

func newTestBroadcaster() *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, 16)
}

func testTransition() storage.Transition {
	return storage.Transition{
		TransitionID: "t-1",
		HostID:       "host-1",
		WatchName:    "nginx",
		PID:          4821,
		FromState:    "RUNNING",
		ToState:      "STOPPED",
		OccurredAt:   time.Date(2026, 2, 26, 10, 0, 0, 0, time.UTC),
		ReceivedAt:   time.Date(2026, 2, 26, 10, 0, 1, 0, time.UTC),
	}
}

// TestBroadcasterRegisterUnregister verifies that Register/Unregister work and
// that ClientCount tracks the number of connected clients.
func TestBroadcasterRegisterUnregister(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients after init, got %d", got)
	}

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")

	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	if c1.ID() != "c1" {
		t.Errorf("client ID mismatch: got %q, want %q", c1.ID(), "c1")
	}

	bc.Unregister("c1")
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel to be closed after Unregister")
		}
	default:
		t.Error("expected send channel to be closed (readable), not blocked")
	}

	bc.Unregister("c2")
	_ = c2
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

// TestBroadcasterBroadcast verifies that Broadcast delivers the message to all
// registered clients with correct JSON structure.
func TestBroadcasterBroadcast(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	c1 := bc.Register("c1")
	c2 := bc.Register("c2")
	defer bc.Unregister("c1")
	defer bc.Unregister("c2")

	msg := ws.TransitionMessage{
		Type: "transition",
		Data: ws.TransitionData{
			TransitionID: "transition-uuid",
			HostID:       "host-uuid",
			WatchName:    "nginx",
			PID:          4821,
			FromState:    "RUNNING",
			ToState:      "STOPPED",
			OccurredAt:   "2026-02-26T10:00:00Z",
		},
	}

	bc.Broadcast(msg)

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got ws.TransitionMessage
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "transition" {
				t.Errorf("got type %q, want %q", got.Type, "transition")
			}
			if got.Data.TransitionID != "transition-uuid" {
				t.Errorf("got transition_id %q, want %q", got.Data.TransitionID, "transition-uuid")
			}
			if got.Data.ToState != "STOPPED" {
				t.Errorf("got to_state %q, want %q", got.Data.ToState, "STOPPED")
			}
		case <-deadline:
			t.Fatal("timeout waiting for broadcast message")
		}
	}
}

// TestBroadcasterDropsWhenBufferFull verifies that a slow client's send buffer
// fills up and subsequent messages are dropped (Dropped counter is incremented).
func TestBroadcasterDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 2) // tiny buffer

	c := bc.Register("slow-client")
	defer bc.Unregister("slow-client")

	msg := ws.TransitionMessage{Type: "transition", Data: ws.TransitionData{TransitionID: "x"}}

	bc.Broadcast(msg)
	bc.Broadcast(msg)

	// This one should be dropped.
	bc.Broadcast(msg)

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

// TestBroadcasterUnregisterNonexistent verifies that unregistering an unknown
// client ID is a no-op and does not panic.
func TestBroadcasterUnregisterNonexistent(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Unregister("does-not-exist")
}

// TestBroadcastEmptyRoom verifies that broadcasting with no clients registered
// does not panic or block.
func TestBroadcastEmptyRoom(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	bc.Broadcast(ws.TransitionMessage{Type: "transition", Data: ws.TransitionData{TransitionID: "x"}})
}

// TestBroadcasterPublishFansOutToSubscribersAndClients verifies that Publish
// delivers the raw storage.Transition to anonymous subscribers and the
// converted TransitionMessage to registered WebSocket clients.
func TestBroadcasterPublishFansOutToSubscribersAndClients(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()

	client := bc.Register("c1")
	defer bc.Unregister("c1")

	sub := bc.Subscribe(nil)
	defer bc.Unsubscribe(sub)

	bc.Publish(testTransition())

	select {
	case got := <-sub:
		if got.TransitionID != "t-1" {
			t.Errorf("got transition_id %q, want %q", got.TransitionID, "t-1")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for subscriber delivery")
	}

	select {
	case raw := <-client.Send():
		var msg ws.TransitionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Data.TransitionID != "t-1" {
			t.Errorf("got transition_id %q, want %q", msg.Data.TransitionID, "t-1")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for client delivery")
	}
}

// TestBroadcasterCloseClosesAllChannels verifies that Close closes every
// registered client and subscriber channel.
func TestBroadcasterCloseClosesAllChannels(t *testing.T) {
	t.Parallel()

	bc := newTestBroadcaster()
	client := bc.Register("c1")
	sub := bc.Subscribe(nil)

	bc.Close()

	select {
	case _, ok := <-client.Send():
		if ok {
			t.Error("expected client channel closed after Close")
		}
	default:
		t.Error("expected client channel to be immediately readable (closed)")
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("expected subscriber channel closed after Close")
		}
	default:
		t.Error("expected subscriber channel to be immediately readable (closed)")
	}

	if got := bc.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after Close, got %d", got)
	}
}
