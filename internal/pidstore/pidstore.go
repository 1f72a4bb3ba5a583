// Package pidstore selects the supervisor's PID directory and reads
// per-watch PID files from it. It is the PID-file contract described in
// spec.md §6: read-only from this system's point of view — nothing in this
// module ever writes a watch's PID file; that is an external collaborator's
// job. The directory itself is still created by the supervisor, which is why
// MkdirP lives in procutil and is invoked from here.
package pidstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tripwire/warden/internal/procutil"
)

// DefaultCandidates is the ordered probe list from spec.md §6. The first
// candidate that procutil.MkdirP reports writable is selected.
func DefaultCandidates() []string {
	home, _ := os.UserHomeDir()
	candidates := []string{"/var/run/warden"}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, ".warden", "pid"))
	}
	candidates = append(candidates, "/tmp/warden/pid")
	return candidates
}

// Select probes each candidate in order and returns the first one that can
// be created and is writable. It returns an error if none succeed.
func Select(candidates []string) (string, error) {
	for _, c := range candidates {
		if procutil.MkdirP(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("pidstore: no writable PID directory among %v", candidates)
}

// PathFor returns the PID file path for a watch named name under dir.
func PathFor(dir, name string) string {
	return filepath.Join(dir, name+".pid")
}

// DeterminePID reads the PID file for watch name under dir and returns the
// contained PID, or 0 if no candidate is available (file absent, empty, or
// unparsable). It never returns an error: spec.md §4.1 defines "0" as the
// sole way to express "no candidate".
func DeterminePID(dir, name string) int {
	data, err := os.ReadFile(PathFor(dir, name))
	if err != nil {
		return 0
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0
	}
	pid, err := strconv.Atoi(text)
	if err != nil || pid <= 0 {
		return 0
	}
	return pid
}
