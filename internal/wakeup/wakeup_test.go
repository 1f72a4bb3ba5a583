//go:build linux

package wakeup_test

import (
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tripwire/warden/internal/wakeup"
)

func TestPostDrain(t *testing.T) {
	ch, err := wakeup.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	if err := ch.Post(); err != nil {
		t.Fatalf("Post: %v", err)
	}

	pfd := []unix.PollFd{{Fd: int32(ch.FD()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 100)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("poll returned %d ready fds, want 1 after Post", n)
	}

	if err := ch.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// After draining, the fd must no longer be readable.
	n, err = unix.Poll(pfd, 50)
	if err != nil {
		t.Fatalf("poll after drain: %v", err)
	}
	if n != 0 {
		t.Fatalf("poll returned %d ready fds after Drain, want 0", n)
	}
}

func TestPostCoalesces(t *testing.T) {
	ch, err := wakeup.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	for i := 0; i < 5; i++ {
		if err := ch.Post(); err != nil {
			t.Fatalf("Post #%d: %v", i, err)
		}
	}

	// eventfd without EFD_SEMAPHORE coalesces into a single counter; one
	// Drain clears everything regardless of how many Posts preceded it.
	if err := ch.Drain(); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	pfd := []unix.PollFd{{Fd: int32(ch.FD()), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, 50)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if n != 0 {
		t.Fatalf("poll returned %d ready fds after single Drain, want 0", n)
	}
}

func TestInstallUninstall(t *testing.T) {
	ch, err := wakeup.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer ch.Close()

	sig := wakeup.Install(ch)
	defer sig.Uninstall()

	if sig.Terminating() {
		t.Fatal("Terminating() = true before any signal was sent")
	}

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill SIGTERM: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !sig.Terminating() {
		time.Sleep(10 * time.Millisecond)
	}
	if !sig.Terminating() {
		t.Fatal("Terminating() still false after SIGTERM")
	}
}
