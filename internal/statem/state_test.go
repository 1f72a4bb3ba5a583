//go:build linux

package statem_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tripwire/warden/internal/config"
	"github.com/tripwire/warden/internal/statem"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitForValue polls s.Value() until it equals want or the deadline passes,
// returning the last observed value.
func waitForValue(t *testing.T, s *statem.State, want statem.Value, timeout time.Duration) statem.Value {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var got statem.Value
	for time.Now().Before(deadline) {
		got = s.Value()
		if got == want {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return got
}

// recordingListener collects every TransitionRecord it receives, guarded by
// a mutex since the SM notifies from its own goroutine.
type recordingListener struct {
	mu  sync.Mutex
	got []statem.TransitionRecord
}

func (r *recordingListener) listen(rec statem.TransitionRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, rec)
}

func (r *recordingListener) records() []statem.TransitionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]statem.TransitionRecord, len(r.got))
	copy(out, r.got)
	return out
}

// waitForRecord polls rec until it holds a TransitionRecord for from -> to or
// the deadline passes, reporting whether one was seen.
func waitForRecord(rec *recordingListener, from, to statem.Value, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, r := range rec.records() {
			if r.From == from && r.To == to {
				return true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// TestWarmUp_LivePIDEndsInRunning is the regression test for the warm-up
// pass: a freshly-constructed State whose PID file names a live process must
// reach RUNNING on its own, without any external SetState call, because
// New's initial value (UNMONITORED) differs from Run's initial "last"
// (INIT) and so drives the INIT -> UNMONITORED transition on the very first
// wake.
func TestWarmUp_LivePIDEndsInRunning(t *testing.T) {
	dir := t.TempDir()
	writePIDFile(t, dir, "svc", os.Getpid())

	watch := config.Watch{Name: "svc", Start: []string{"/bin/true"}}
	s := statem.New(watch, statem.Env{PIDDir: dir, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if got := waitForValue(t, s, statem.Running, 2*time.Second); got != statem.Running {
		t.Fatalf("Value() = %s after warm-up with a live PID, want RUNNING", got)
	}
	if pid := s.PID(); pid != os.Getpid() {
		t.Errorf("PID() = %d, want %d", pid, os.Getpid())
	}
}

// TestWarmUp_NoPIDEndsInStarting covers the other half of the warm-up path:
// no PID file at all drives INIT -> UNMONITORED -> STOPPED, and the stopped
// action then requests a re-spawn, so the watch settles in STARTING.
func TestWarmUp_NoPIDEndsInStarting(t *testing.T) {
	dir := t.TempDir()

	watch := config.Watch{Name: "svc", Start: []string{"/bin/true"}}
	s := statem.New(watch, statem.Env{PIDDir: dir, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	if got := waitForValue(t, s, statem.Starting, 2*time.Second); got != statem.Starting {
		t.Fatalf("Value() = %s after warm-up with no PID file, want STARTING", got)
	}
}

// TestTransitionTable_LegalTransitionSucceeds drives a single legal cell
// (STARTING -> RUNNING) and checks it takes effect and notifies listeners,
// without being rolled back.
func TestTransitionTable_LegalTransitionSucceeds(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingListener{}

	watch := config.Watch{Name: "svc", Start: []string{"/bin/true"}}
	s := statem.New(watch, statem.Env{PIDDir: dir, Logger: discardLogger()}, rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// Let the warm-up pass settle at STARTING (no PID file in dir, so
	// UNMONITORED -> STOPPED -> STARTING) before driving the transition under
	// test.
	if !waitForRecord(rec, statem.Stopped, statem.Starting, 2*time.Second) {
		t.Fatalf("warm-up did not settle at STARTING, got %s", s.Value())
	}

	s.SetState(statem.Running)
	if !waitForRecord(rec, statem.Starting, statem.Running, 2*time.Second) {
		t.Error("no TransitionRecord observed for STARTING -> RUNNING")
	}
	if got := s.Value(); got != statem.Running {
		t.Fatalf("Value() = %s after STARTING -> RUNNING, want RUNNING (rolled back?)", got)
	}
}

// TestRollbackOnIllegalTransition checks that an illegal transitionTable
// cell (RUNNING -> STARTING is not in the table) leaves value rolled back to
// the last-accepted value instead of sticking at the rejected target.
func TestRollbackOnIllegalTransition(t *testing.T) {
	dir := t.TempDir()
	writePIDFile(t, dir, "svc", os.Getpid())
	rec := &recordingListener{}

	watch := config.Watch{Name: "svc", Start: []string{"/bin/true"}}
	s := statem.New(watch, statem.Env{PIDDir: dir, Logger: discardLogger()}, rec.listen)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// The PID file names this live process, so warm-up settles at RUNNING.
	if !waitForRecord(rec, statem.Unmonitored, statem.Running, 2*time.Second) {
		t.Fatalf("warm-up did not settle at RUNNING, got %s", s.Value())
	}

	s.SetState(statem.Starting)

	// Give the SM a chance to process (and reject) the illegal transition,
	// then confirm it rolled back rather than staying at STARTING.
	time.Sleep(100 * time.Millisecond)
	if got := s.Value(); got != statem.Running {
		t.Fatalf("Value() = %s after illegal RUNNING -> STARTING, want rollback to RUNNING", got)
	}

	for _, r := range rec.records() {
		if r.To == statem.Starting {
			t.Error("listener was notified of a transition that should have been rolled back")
		}
	}
}

// TestQuitDominance checks that once value reaches QUIT, Run exits
// immediately on its next wake regardless of what last was, and never calls
// processState (so no listener fires) for the QUIT transition itself.
func TestQuitDominance(t *testing.T) {
	dir := t.TempDir()
	rec := &recordingListener{}

	watch := config.Watch{Name: "svc", Start: []string{"/bin/true"}}
	s := statem.New(watch, statem.Env{PIDDir: dir, Logger: discardLogger()}, rec.listen)

	// Force QUIT before Run ever observes a value: last stays INIT, current
	// is QUIT on the very first wake.
	s.SetState(statem.Quit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit promptly once value reached QUIT")
	}

	if got := s.Value(); got != statem.Quit {
		t.Fatalf("Value() = %s after Run exited, want QUIT", got)
	}
	for _, r := range rec.records() {
		if r.To == statem.Quit {
			t.Error("listener was notified of a QUIT transition, but QUIT must bypass processState entirely")
		}
	}
}

func writePIDFile(t *testing.T, dir, name string, pid int) {
	t.Helper()
	path := filepath.Join(dir, name+".pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
}
