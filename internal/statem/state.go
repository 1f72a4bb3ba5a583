// Package statem implements the per-watch state machine (SM): the lifecycle
// StateValue, the State that pairs a Watch with its runtime value and child
// PID, the transition table, and the transition actions. It is a direct
// translation of original_source/src/state.c's state_t / transition_table /
// process_state / state_loop, generalised from the C source's semaphore +
// pthread design to a Go channel-backed counting wakeup primitive and
// goroutine.
package statem

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tripwire/warden/internal/config"
	"github.com/tripwire/warden/internal/pidstore"
	"github.com/tripwire/warden/internal/procutil"
)

// Value is one of the lifecycle states from spec.md §3. QUIT is terminal.
type Value int

const (
	Init Value = iota
	Unmonitored
	Starting
	Running
	Stopping
	Stopped
	Quit

	numStates
)

var names = [numStates]string{
	Init:        "INIT",
	Unmonitored: "UNMONITORED",
	Starting:    "STARTING",
	Running:     "RUNNING",
	Stopping:    "STOPPING",
	Stopped:     "STOPPED",
	Quit:        "QUIT",
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v < 0 || int(v) >= len(names) {
		return fmt.Sprintf("StateValue(%d)", int(v))
	}
	return names[v]
}

// ParseValue is the inverse of String, for decoding persisted or reported
// state names (audit log replay, report queue rows). Unrecognised names
// decode to Init.
func ParseValue(name string) Value {
	for v, n := range names {
		if n == name {
			return Value(v)
		}
	}
	return Init
}

// TransitionRecord is emitted for every accepted set_state call. It is the
// payload that feeds the audit log and the remote reporter (SPEC_FULL.md
// §4.8/§4.9); a transition never fails because of a listener being slow or
// absent.
type TransitionRecord struct {
	WatchName string
	PID       int
	From      Value
	To        Value
}

// Listener receives a copy of every accepted transition. Listeners are
// called one after another on the SM's own goroutine (State.notify), so a
// slow listener delays that SM's next transition.
type Listener func(TransitionRecord)

// Env is the set of collaborators a State needs that live outside this
// package: the PID directory for determine_pid, and a logger. It mirrors the
// nyx_t back-reference state.c's state_t holds, modelled as a non-owning
// handle per SPEC_FULL.md §9 rather than a co-owning reference.
type Env struct {
	PIDDir string
	Logger *slog.Logger
}

// State is the runtime pairing of a Watch with its lifecycle Value and child
// PID, equivalent to state_t in state.c.
type State struct {
	Watch config.Watch
	env   Env

	mu    sync.Mutex
	value Value
	pid   atomic.Int64

	// wake is the wakeup primitive from spec.md §3, a capacity-1 coalescing
	// channel rather than an unbounded counting semaphore: the SM only ever
	// acts on the CURRENT StateValue when it wakes (never on a queued
	// sequence of past values), so collapsing N pending posts into "wake up
	// at least once more" preserves the "Wakeup conservation" property
	// (spec.md §8) without needing true unbounded counting. It starts with
	// one token posted so the SM performs one warm-up pass immediately, per
	// spec.md §3's "initial count 1".
	wake chan struct{}

	listeners []Listener

	done chan struct{}
}

// New creates a State for watch in the UNMONITORED starting value, with one
// wakeup token already posted (the warm-up pass). value starts at
// Unmonitored (not Init) so that warm-up pass observes last=Init,
// current=Unmonitored and actually runs the INIT -> UNMONITORED transition,
// matching state.c:279's state_t initialisation
// (state->state = STATE_UNMONITORED while the loop's own "last seen" value
// starts implicitly at the zero state).
func New(watch config.Watch, env Env, listeners ...Listener) *State {
	s := &State{
		Watch:     watch,
		env:       env,
		value:     Unmonitored,
		wake:      make(chan struct{}, 1),
		listeners: listeners,
		done:      make(chan struct{}),
	}
	s.wake <- struct{}{}
	return s
}

// Value returns the current StateValue. Safe for concurrent use.
func (s *State) Value() Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}

// PID returns the last known child PID, or 0. Safe for concurrent use; reads
// are tolerated to be stale per spec.md §5 (the owning SM is the only
// writer).
func (s *State) PID() int {
	return int(s.pid.Load())
}

// SetState is the ONLY permitted writer of State.value from outside the
// owning SM goroutine (spec.md §5): it writes the new value, then posts
// exactly one wakeup token. It is also called by the SM's own transition
// actions (to_unmonitored, stopped) to request the next transition.
func (s *State) SetState(value Value) {
	s.mu.Lock()
	s.value = value
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
		// Channel full: a wakeup is already pending, which is sufficient —
		// the SM will observe the latest value on its next read regardless.
	}
}

func (s *State) setPID(pid int) {
	s.pid.Store(int64(pid))
}

func (s *State) notify(from, to Value) {
	rec := TransitionRecord{WatchName: s.Watch.Name, PID: s.PID(), From: from, To: to}
	for _, l := range s.listeners {
		l(rec)
	}
}

// transitionFunc is a transition action, mirroring transition_func_t in
// state.c. It returns true on success; false means the transition is
// illegal or failed and last's previous value must be restored.
type transitionFunc func(s *State) bool

// transitionTable mirrors state.c's transition_table[STATE_SIZE][STATE_SIZE]
// exactly, including which cells are nil ("—" = illegal in spec.md §4.3).
var transitionTable = [numStates][numStates]transitionFunc{
	Init:        {Unmonitored: toUnmonitored},
	Unmonitored: {Starting: start, Running: running, Stopping: stop, Stopped: stopped},
	Starting:    {Unmonitored: toUnmonitored, Running: running, Stopping: stop, Stopped: stopped},
	Running:     {Unmonitored: toUnmonitored, Stopping: stop, Stopped: stopped},
	Stopping:    {Unmonitored: toUnmonitored, Stopped: stopped},
	Stopped:     {Unmonitored: toUnmonitored, Starting: start},
	Quit:        {},
}

// toUnmonitored consults the PID store and check_process_running for this
// watch and moves it to RUNNING or STOPPED accordingly. Mirrors
// to_unmonitored() in state.c.
func toUnmonitored(s *State) bool {
	pid := s.PID()

	if pid < 1 {
		pid = pidstore.DeterminePID(s.env.PIDDir, s.Watch.Name)
	}

	runningNow := false
	if pid > 0 {
		runningNow = procutil.CheckProcessRunning(pid)
		if runningNow {
			s.setPID(pid)
		} else {
			s.setPID(0)
		}
	}

	if runningNow {
		s.SetState(Running)
	} else {
		s.SetState(Stopped)
	}
	return true
}

// stop is a placeholder transition action, kept so future termination logic
// has a defined entry point without changing the table (spec.md §4.3, §9
// Open Question #2 — deliberately not implemented further here).
func stop(s *State) bool {
	s.env.logf(slog.LevelDebug, "stop requested for watch %q (no-op placeholder)", s.Watch.Name)
	return true
}

// start spawns the child and records its PID. Mirrors start()/start_state()
// in state.c.
func start(s *State) bool {
	pid, err := spawn(s.Watch)
	if err != nil {
		s.env.logf(slog.LevelError, "spawn failed for watch %q: %v", s.Watch.Name, err)
		return false
	}
	if pid > 0 {
		s.setPID(pid)
	}
	return true
}

// stopped schedules a re-spawn by moving the watch to STARTING. Mirrors
// stopped() in state.c.
func stopped(s *State) bool {
	s.SetState(Starting)
	return true
}

// running is no-op bookkeeping. Mirrors running() in state.c.
func running(s *State) bool {
	return true
}

func (e Env) logf(level slog.Level, format string, args ...any) {
	if e.Logger == nil {
		return
	}
	e.Logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

// processState looks up and invokes the transition action for (from, to),
// mirroring process_state() in state.c.
func processState(s *State, from, to Value) bool {
	if from == to {
		return true
	}
	fn := transitionTable[from][to]
	if fn == nil {
		s.env.logf(slog.LevelWarn, "illegal transition for watch %q: %s -> %s", s.Watch.Name, from, to)
		return false
	}
	return fn(s)
}

// Run is the SM's loop, mirroring state_loop()/state_loop_start() in
// state.c. It blocks on the wakeup primitive; on each wake it reads the
// current value once into a local, compares against last, and either exits
// (QUIT), invokes the transition action, or no-ops (spurious wake). It
// returns when the value reaches Quit or ctx is cancelled.
func (s *State) Run(ctx context.Context) {
	defer close(s.done)

	last := Init

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		current := s.Value()

		if current == Quit {
			s.env.logf(slog.LevelInfo, "watch %q terminating", s.Watch.Name)
			return
		}

		if last != current {
			from := last
			ok := processState(s, last, current)
			if !ok {
				s.mu.Lock()
				s.value = last
				s.mu.Unlock()
				s.env.logf(slog.LevelWarn, "processing state of watch %q failed (pid %d)", s.Watch.Name, s.PID())
			} else {
				s.notify(from, current)
			}
		}

		last = current
	}
}

// Done returns a channel closed when Run has returned.
func (s *State) Done() <-chan struct{} {
	return s.done
}
