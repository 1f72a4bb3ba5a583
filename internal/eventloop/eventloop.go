// Package eventloop is the event loop (EL) from spec.md §4.2: a single epoll
// instance multiplexing the process connector socket (internal/procevent)
// against the wakeup eventfd (internal/wakeup), with one reusable 16-entry
// event buffer, directly translating handle_process_event() in
// original_source/src/event.c.
//
//go:build linux

package eventloop

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxEvents matches the C source's "static int max_conn = 16" buffer size
// passed to epoll_create/epoll_wait.
const maxEvents = 16

// Source is anything that can be registered with the Loop: a file descriptor
// plus a callback invoked when it becomes readable.
type Source struct {
	FD int
	// OnReadable is invoked once per epoll_wait iteration reporting this fd
	// ready. It must not block.
	OnReadable func()
}

// Loop wraps one epoll instance, mirroring the epfd/events pair that
// handle_process_event() allocates locally rather than storing on nyx_t.
type Loop struct {
	epfd     int
	eventBuf [maxEvents]unix.EpollEvent
	handlers map[int32]func()
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &Loop{epfd: epfd, handlers: make(map[int32]func())}, nil
}

// Add registers src for level-triggered readability, mirroring
// add_epoll_socket() in the C source.
func (l *Loop) Add(src Source) error {
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(src.FD)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, src.FD, ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", src.FD, err)
	}
	l.handlers[int32(src.FD)] = src.OnReadable
	return nil
}

// Remove deregisters fd.
func (l *Loop) Remove(fd int) error {
	delete(l.handlers, int32(fd))
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Close closes the epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}

// Poll blocks until at least one registered fd is readable, or timeoutMs
// elapses (-1 blocks indefinitely, matching epoll_wait(..., -1) in the C
// source's event_loop). It invokes the OnReadable callback of every ready fd
// in turn and returns the number dispatched. EINTR is treated as "no events,
// try again" rather than an error, matching the C source's explicit EINTR
// handling around recv().
func (l *Loop) Poll(timeoutMs int) (int, error) {
	n, err := unix.EpollWait(l.epfd, l.eventBuf[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := l.eventBuf[i].Fd
		if cb, ok := l.handlers[fd]; ok && cb != nil {
			cb()
		}
	}
	return n, nil
}
