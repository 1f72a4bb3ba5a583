package report_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tripwire/warden/internal/report"
	"github.com/tripwire/warden/internal/statem"
)

func openMemQueue(t *testing.T) *report.Queue {
	t.Helper()
	q, err := report.Open(":memory:")
	if err != nil {
		t.Fatalf("report.Open(:memory:): %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func sampleRecord() statem.TransitionRecord {
	return statem.TransitionRecord{WatchName: "web", PID: 123, From: statem.Stopped, To: statem.Starting}
}

func TestOpen_InMemory_EmptyDepth(t *testing.T) {
	q := openMemQueue(t)
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after open, want 0", d)
	}
}

func TestOpen_FileDB_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.db")
	q, err := report.Open(path)
	if err != nil {
		t.Fatalf("report.Open(%q): %v", path, err)
	}
	_ = q.Close()
}

func TestEnqueue_IncreasesDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, sampleRecord(), "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth = %d after one Enqueue, want 1", d)
	}
}

func TestDequeue_ReturnsOldestFirst(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	first := sampleRecord()
	first.WatchName = "first"
	second := sampleRecord()
	second.WatchName = "second"

	if err := q.Enqueue(ctx, first, "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue first: %v", err)
	}
	if err := q.Enqueue(ctx, second, "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue second: %v", err)
	}

	rows, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].Record.WatchName != "first" || rows[1].Record.WatchName != "second" {
		t.Errorf("unexpected order: %+v", rows)
	}
	if rows[0].Record.From != statem.Stopped || rows[0].Record.To != statem.Starting {
		t.Errorf("round-tripped states = %v -> %v, want STOPPED -> STARTING", rows[0].Record.From, rows[0].Record.To)
	}
}

func TestAck_RemovesFromDequeueAndDepth(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, sampleRecord(), "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rows, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}

	if err := q.Ack(ctx, []int64{rows[0].ID}); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth = %d after Ack, want 0", d)
	}

	rows, err = q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after Ack: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("len(rows) = %d after Ack, want 0", len(rows))
	}
}

func TestAck_IsIdempotent(t *testing.T) {
	q := openMemQueue(t)
	ctx := context.Background()

	if err := q.Enqueue(ctx, sampleRecord(), "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rows, err := q.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Ack(ctx, []int64{rows[0].ID}); err != nil {
		t.Fatalf("first Ack: %v", err)
	}
	if err := q.Ack(ctx, []int64{rows[0].ID}); err != nil {
		t.Fatalf("second Ack: %v", err)
	}
}

func TestDequeue_UnackedSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.db")

	q, err := report.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := q.Enqueue(context.Background(), sampleRecord(), "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := report.Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if d := reopened.Depth(); d != 1 {
		t.Errorf("Depth after reopen = %d, want 1", d)
	}
	rows, err := reopened.Dequeue(context.Background(), 10)
	if err != nil {
		t.Fatalf("Dequeue after reopen: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("len(rows) after reopen = %d, want 1", len(rows))
	}
}
