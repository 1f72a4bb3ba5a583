package report_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripwire/warden/internal/report"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReporter_DeliversAndAcksBatch(t *testing.T) {
	var received atomic.Int64
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth.Store(req.Header.Get("Authorization"))
		var batch []map[string]any
		if err := json.NewDecoder(req.Body).Decode(&batch); err != nil {
			t.Errorf("decode batch: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received.Add(int64(len(batch)))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := openMemQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, sampleRecord(), "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := report.NewReporter(report.Config{
		CollectorAddr:  srv.URL,
		CollectorToken: "tok-123",
		DrainInterval:  10 * time.Millisecond,
	}, q, discardLogger())

	runCtx, cancel := context.WithCancel(ctx)
	go r.Run(runCtx)
	defer cancel()

	deadline := time.After(2 * time.Second)
	for received.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("collector did not receive a batch in time")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if auth, _ := gotAuth.Load().(string); auth != "Bearer tok-123" {
		t.Errorf("Authorization header = %q, want \"Bearer tok-123\"", auth)
	}

	deadline = time.After(2 * time.Second)
	for q.Depth() != 0 {
		select {
		case <-deadline:
			t.Fatal("queue depth did not reach 0 after delivery")
		case <-time.After(10 * time.Millisecond):
		}
	}

	r.Stop()
}

func TestReporter_RetriesOnServerError(t *testing.T) {
	var attempts atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n := attempts.Add(1)
		io.Copy(io.Discard, req.Body)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	q := openMemQueue(t)
	ctx := context.Background()
	if err := q.Enqueue(ctx, sampleRecord(), "host-a", time.Now()); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	r := report.NewReporter(report.Config{
		CollectorAddr:  srv.URL,
		DrainInterval:  10 * time.Millisecond,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
	}, q, discardLogger())

	runCtx, cancel := context.WithCancel(ctx)
	go r.Run(runCtx)
	defer cancel()

	deadline := time.After(3 * time.Second)
	for q.Depth() != 0 {
		select {
		case <-deadline:
			t.Fatalf("queue depth did not reach 0; attempts=%d", attempts.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if attempts.Load() < 3 {
		t.Errorf("attempts = %d, want at least 3", attempts.Load())
	}

	r.Stop()
}
