// Package supervisor is the top-level orchestrator (SV) from spec.md §4.7:
// it selects the PID directory, constructs one State per configured watch,
// installs signal handling, runs the event loop until asked to stop, and
// tears everything down in the order original_source/src/nyx.c and
// state.c's state_destroy specify.
//
//go:build linux

package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/warden/internal/config"
	"github.com/tripwire/warden/internal/dispatch"
	"github.com/tripwire/warden/internal/eventloop"
	"github.com/tripwire/warden/internal/pidstore"
	"github.com/tripwire/warden/internal/procevent"
	"github.com/tripwire/warden/internal/procutil"
	"github.com/tripwire/warden/internal/statem"
	"github.com/tripwire/warden/internal/wakeup"
)

// defaultPollInterval is how often the supervisor re-checks the liveness of
// every watch's tracked PID and feeds the result to dispatch.PollResult.
// spec.md §4.6 leaves the polling scheme itself external to the core; this
// is warden's own choice of driver.
const defaultPollInterval = 2 * time.Second

// Supervisor is the SV component. Create one with New, then call Run; Run
// blocks until ctx is cancelled or a termination signal arrives, and
// performs orderly teardown before returning.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger
	pidDir string

	states []*statem.State

	pollInterval time.Duration

	wg sync.WaitGroup
}

// New implements initialize()/watches_init(): it chooses a PID directory
// from the default candidate list and constructs one State per watch in
// cfg. listeners are attached to every State (e.g. audit/report fan-out from
// SPEC_FULL.md §4.8/§4.9).
func New(cfg *config.Config, logger *slog.Logger, listeners ...statem.Listener) (*Supervisor, error) {
	dir, err := pidstore.Select(pidstore.DefaultCandidates())
	if err != nil {
		return nil, fmt.Errorf("supervisor: initialize: %w", err)
	}

	sv := &Supervisor{
		cfg:          cfg,
		logger:       logger,
		pidDir:       dir,
		pollInterval: defaultPollInterval,
	}

	env := statem.Env{PIDDir: dir, Logger: logger}
	for _, w := range cfg.Watches {
		sv.states = append(sv.states, statem.New(w, env, listeners...))
	}

	logger.Info("supervisor initialized", slog.String("pid_dir", dir), slog.Int("watches", len(sv.states)))
	return sv, nil
}

// PIDDir returns the selected PID directory.
func (sv *Supervisor) PIDDir() string {
	return sv.pidDir
}

// States returns the live per-watch states, for status reporting.
func (sv *Supervisor) States() []*statem.State {
	return sv.states
}

// SetPollInterval overrides the default liveness-poll cadence. Must be
// called before Run.
func (sv *Supervisor) SetPollInterval(d time.Duration) {
	if d > 0 {
		sv.pollInterval = d
	}
}

// Run implements run(): opens ES, subscribes, installs signal handling,
// starts one goroutine per State running the SM loop, runs the EL until a
// termination signal arrives or ctx is cancelled, then performs destroy():
// QUIT every State, join it, unsubscribe and close ES.
func (sv *Supervisor) Run(ctx context.Context) error {
	wake, err := wakeup.New()
	if err != nil {
		return fmt.Errorf("supervisor: run: %w", err)
	}
	defer wake.Close()

	sigs := wakeup.Install(wake)
	defer sigs.Uninstall()

	src, err := procevent.Open()
	if err != nil {
		return fmt.Errorf("supervisor: run: %w", err)
	}
	defer src.Close()

	loop, err := eventloop.New()
	if err != nil {
		return fmt.Errorf("supervisor: run: %w", err)
	}
	defer loop.Close()

	if err := loop.Add(eventloop.Source{FD: wake.FD(), OnReadable: func() {
		_ = wake.Drain()
	}}); err != nil {
		return fmt.Errorf("supervisor: run: %w", err)
	}

	if err := loop.Add(eventloop.Source{FD: src.FD(), OnReadable: func() {
		events, err := src.Read()
		if err != nil {
			sv.logger.Warn("event source read failed", slog.Any("error", err))
			return
		}
		for _, ev := range events {
			dispatch.Event(ctx, sv.logger, ev)
		}
	}}); err != nil {
		return fmt.Errorf("supervisor: run: %w", err)
	}

	smCtx, smCancel := context.WithCancel(context.Background())
	defer smCancel()
	for _, s := range sv.states {
		sv.wg.Add(1)
		go func(s *statem.State) {
			defer sv.wg.Done()
			s.Run(smCtx)
		}(s)
	}

	pollCtx, pollCancel := context.WithCancel(ctx)
	sv.wg.Add(1)
	go sv.pollLoop(pollCtx)

	// Let an external ctx cancellation interrupt epoll_wait the same way a
	// signal does, without requiring a real signal to have been delivered.
	go func() {
		<-ctx.Done()
		_ = wake.Post()
	}()

	sv.logger.Info("supervisor running")

runLoop:
	for {
		if sigs.Terminating() {
			break
		}
		select {
		case <-ctx.Done():
			break runLoop
		default:
		}
		if _, err := loop.Poll(-1); err != nil {
			sv.logger.Error("event loop poll failed", slog.Any("error", err))
			break
		}
	}

	pollCancel()
	sv.destroy()
	sv.wg.Wait()

	sv.logger.Info("supervisor stopped")
	return nil
}

// destroy implements state_destroy for every State: set QUIT (which also
// posts the wakeup primitive so the SM goroutine wakes immediately) and wait
// for its goroutine to exit, mirroring the C source's set_state(QUIT) +
// pthread_join sequence.
func (sv *Supervisor) destroy() {
	for _, s := range sv.states {
		s.SetState(statem.Quit)
	}
	for _, s := range sv.states {
		<-s.Done()
	}
}

// pollLoop periodically probes every State's tracked PID for liveness and
// feeds the result through dispatch.PollResult, acting as the "whatever
// polling scheme the surrounding system uses" spec.md §4.6 leaves external.
func (sv *Supervisor) pollLoop(ctx context.Context) {
	defer sv.wg.Done()

	ticker := time.NewTicker(sv.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sv.pollOnce()
		}
	}
}

func (sv *Supervisor) pollOnce() {
	seen := make(map[int]bool)
	for _, s := range sv.states {
		pid := s.PID()
		if pid <= 0 || seen[pid] {
			continue
		}
		seen[pid] = true
		running := procutil.CheckProcessRunning(pid)
		dispatch.PollResult(sv.logger, sv.states, pid, running)
	}
}
