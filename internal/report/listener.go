package report

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/tripwire/warden/internal/statem"
)

// ListenerFor returns a statem.Listener that enqueues every TransitionRecord
// onto queue for later delivery to a remote collector. Enqueue failures are
// logged and otherwise swallowed, mirroring audit.ListenerFor: reporting
// must never block or fail the state machine's own transition.
func ListenerFor(queue *Queue, errLog *slog.Logger) statem.Listener {
	hostname, _ := os.Hostname()

	return func(rec statem.TransitionRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := queue.Enqueue(ctx, rec, hostname, time.Now().UTC()); err != nil {
			if errLog != nil {
				errLog.Warn("report: failed to enqueue transition record", slog.Any("error", err))
			}
		}
	}
}
