// Package dispatch is the dispatcher (DP) from spec.md §4.3: dispatch_event,
// a logging-only hook that observes every decoded process event without
// feeding it into the state machine, and dispatch_poll_result, which scans
// every watch for one whose tracked PID matches and requests a transition to
// RUNNING or STOPPED. Both are direct translations of the same-named
// functions in original_source/src/state.c.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/tripwire/warden/internal/procevent"
	"github.com/tripwire/warden/internal/statem"
)

// Event logs every decoded process event at debug level and otherwise does
// nothing, mirroring dispatch_event()'s body exactly: the C source receives
// a pid and a process_event_data_t and only logs them, never driving a state
// transition from a FORK/EXIT notification directly. SPEC_FULL.md §9 records
// this as a deliberate decision, not an oversight: transitions are driven
// exclusively by dispatch_poll_result's PID liveness scan.
func Event(ctx context.Context, logger *slog.Logger, ev procevent.Event) {
	if logger == nil {
		return
	}
	switch ev.Type {
	case procevent.Fork:
		logger.DebugContext(ctx, "incoming fork event",
			slog.Int("parent_pid", ev.Fork.ParentPID),
			slog.Int("child_pid", ev.Fork.ChildPID))
	case procevent.Exit:
		logger.DebugContext(ctx, "incoming exit event",
			slog.Int("pid", ev.Exit.PID),
			slog.Int("exit_code", int(ev.Exit.ExitCode)))
	default:
		logger.DebugContext(ctx, "incoming process event (unhandled type)")
	}
}

// PollResult scans states for the one(s) whose tracked PID equals pid and, if
// its current value disagrees with running, requests the corresponding
// transition by calling State.SetState. It mirrors dispatch_poll_result()'s
// linear list scan; multiple states can legitimately share a PID only
// transiently (e.g. during a respawn race), so every match is updated, not
// just the first.
func PollResult(logger *slog.Logger, states []*statem.State, pid int, running bool) {
	if logger != nil {
		logger.Debug("incoming polling data", slog.Int("pid", pid), slog.Bool("running", running))
	}

	next := statem.Stopped
	if running {
		next = statem.Running
	}

	for _, s := range states {
		if s.PID() == pid && s.Value() != next {
			s.SetState(next)
		}
	}
}
