//go:build linux

package supervisor_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tripwire/warden/internal/config"
	"github.com/tripwire/warden/internal/supervisor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_SelectsPIDDirAndBuildsStates(t *testing.T) {
	cfg := &config.Config{
		LogLevel: "info",
		Watches: []config.Watch{
			{Name: "a", Start: []string{"/bin/true"}},
			{Name: "b", Start: []string{"/bin/true"}},
		},
	}

	sv, err := supervisor.New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if sv.PIDDir() == "" {
		t.Fatal("PIDDir() is empty after New")
	}
	if len(sv.States()) != 2 {
		t.Fatalf("len(States()) = %d, want 2", len(sv.States()))
	}
}

// TestRun_ShutsDownOnContextCancel requires CAP_NET_ADMIN to open the
// process connector socket; it is skipped otherwise.
func TestRun_ShutsDownOnContextCancel(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root / CAP_NET_ADMIN")
	}

	cfg := &config.Config{
		LogLevel: "info",
		Watches: []config.Watch{
			{Name: "a", Start: []string{"/bin/true"}},
		},
	}

	sv, err := supervisor.New(cfg, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sv.SetPollInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- sv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within 5 seconds of context cancellation")
	}

	for _, s := range sv.States() {
		select {
		case <-s.Done():
		default:
			t.Errorf("state %q did not terminate", s.Watch.Name)
		}
	}
}
