package audit

import (
	"encoding/json"
	"log/slog"
	"os"

	"github.com/tripwire/warden/internal/statem"
)

// transitionPayload is the JSON shape recorded for every accepted
// statem.TransitionRecord, per SPEC_FULL.md §4.8.
type transitionPayload struct {
	WatchName string `json:"watch_name"`
	PID       int    `json:"pid"`
	From      string `json:"from"`
	To        string `json:"to"`
	Hostname  string `json:"hostname"`
}

// ListenerFor returns a statem.Listener that appends every TransitionRecord
// to logger as an audit entry. Append failures are logged and otherwise
// swallowed: SPEC_FULL.md §4.3 requires the audit side effect to never block
// or fail the state machine's own transition.
func ListenerFor(logger *Logger, errLog *slog.Logger) statem.Listener {
	hostname, _ := os.Hostname()

	return func(rec statem.TransitionRecord) {
		payload := transitionPayload{
			WatchName: rec.WatchName,
			PID:       rec.PID,
			From:      rec.From.String(),
			To:        rec.To.String(),
			Hostname:  hostname,
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			if errLog != nil {
				errLog.Warn("audit: failed to marshal transition record", slog.Any("error", err))
			}
			return
		}
		if _, err := logger.Append(raw); err != nil {
			if errLog != nil {
				errLog.Warn("audit: failed to append transition record", slog.Any("error", err))
			}
		}
	}
}
