// Package wakeup is the wakeup channel (WC) from spec.md §4.2: an eventfd
// that lets a signal handler interrupt the event loop's epoll_wait, mirroring
// nyx->event / handle_eventfd() in the original C source (event.c). Go's
// runtime delivers signals to a dedicated goroutine rather than an async
// signal handler, so SIGTERM/SIGINT/SIGCHLD are received via os/signal.Notify
// and translated into a Post() on this channel instead of a signal handler
// writing straight to the eventfd, which is the idiomatic Go substitute for
// the C source's on_terminate()/setup_signals().
//
//go:build linux

package wakeup

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Channel wraps a non-blocking Linux eventfd used purely as a one-bit wakeup
// signal: Post increments the kernel counter, Drain resets it to zero. It
// never carries a payload — the reader always re-reads whatever shared state
// the post was about, per the SM's wakeup-conservation contract in
// internal/statem.
type Channel struct {
	fd int
}

// New creates an eventfd with an initial counter of 0, non-blocking so it can
// be registered with epoll (internal/eventloop) without a dedicated reader
// goroutine.
func New() (*Channel, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("wakeup: create eventfd: %w", err)
	}
	return &Channel{fd: fd}, nil
}

// FD returns the eventfd descriptor for epoll registration.
func (c *Channel) FD() int {
	return c.fd
}

// Post increments the eventfd counter by one, waking anything blocked in
// epoll_wait on this fd. Safe to call from any goroutine, including a signal
// handler goroutine.
func (c *Channel) Post() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(c.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wakeup: post: %w", err)
	}
	return nil
}

// Drain resets the eventfd counter to zero, mirroring handle_eventfd()'s
// read() call in event.c. It must be called after each epoll readiness
// notification on this fd, or epoll will report it ready forever (eventfd is
// level-triggered while its counter is non-zero).
func (c *Channel) Drain() error {
	var buf [8]byte
	_, err := unix.Read(c.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("wakeup: drain: %w", err)
	}
	return nil
}

// Close closes the eventfd.
func (c *Channel) Close() error {
	return unix.Close(c.fd)
}

// Signals bridges SIGTERM/SIGINT/SIGCHLD delivery to a Channel, replacing
// on_terminate()'s async-signal-handler flag with os/signal.Notify's
// dedicated goroutine, and SIGCHLD's synchronous "reap every exited child"
// loop with a non-blocking Wait4(-1, WNOHANG) loop run from that same
// goroutine — the direct translation of the C source's reap-on-SIGCHLD
// pattern into Go, since syscall.Wait4 is already non-blocking under
// WNOHANG and needs no further adaptation.
type Signals struct {
	wake *Channel

	mu        sync.Mutex
	terminate bool

	sigc chan os.Signal
	stop chan struct{}
	done chan struct{}
}

// Install starts the signal-handling goroutine. wake is posted to every time
// SIGTERM, SIGINT, or SIGCHLD arrives, so the event loop wakes up and can
// check Terminating(). On SIGCHLD the handler goroutine itself reaps exited
// children (reapAll) before posting.
func Install(wake *Channel) *Signals {
	s := &Signals{
		wake: wake,
		sigc: make(chan os.Signal, 8),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	signal.Notify(s.sigc, syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD)
	go s.run()
	return s
}

func (s *Signals) run() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		case sig := <-s.sigc:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				s.mu.Lock()
				s.terminate = true
				s.mu.Unlock()
			case syscall.SIGCHLD:
				reapAll()
			}
			_ = s.wake.Post()
		}
	}
}

// Terminating reports whether a SIGTERM or SIGINT has been received.
func (s *Signals) Terminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminate
}

// Uninstall stops receiving signals and waits for the handler goroutine to
// exit.
func (s *Signals) Uninstall() {
	signal.Stop(s.sigc)
	close(s.stop)
	<-s.done
}

// reapAll performs a non-blocking wait for every child that has already
// exited, so zombies do not accumulate between SIGCHLD deliveries. The exit
// status itself is discarded here: internal/statem's to_unmonitored
// transition re-derives liveness from procutil.CheckProcessRunning rather
// than from the wait status, matching the C source's design where SIGCHLD
// only triggers re-evaluation, not direct state assignment.
func reapAll() {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, syscall.WNOHANG, nil)
		if pid <= 0 || err != nil {
			return
		}
	}
}
