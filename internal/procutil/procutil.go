// Package procutil provides the small filesystem and identity helpers that
// watch.c treats as external collaborators: user/group name resolution,
// liveness probing of an arbitrary PID, and directory creation/existence
// checks used when selecting the PID directory and a watch's working
// directory.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// LookupUser resolves name to a (uid, gid) pair via the platform user
// database, mirroring get_user() from state.c. gid is the user's primary
// group.
func LookupUser(name string) (uid, gid int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("procutil: lookup user %q: %w", name, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("procutil: parse uid for user %q: %w", name, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("procutil: parse gid for user %q: %w", name, err)
	}
	return uid, gid, nil
}

// LookupGroup resolves name to a gid via the platform group database,
// mirroring get_group() from state.c.
func LookupGroup(name string) (gid int, err error) {
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, fmt.Errorf("procutil: lookup group %q: %w", name, err)
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("procutil: parse gid for group %q: %w", name, err)
	}
	return gid, nil
}

// SupplementaryGIDs returns the list of group IDs the named user belongs to,
// mirroring initgroups() as used by spawn() in state.c step 5.
func SupplementaryGIDs(username string) ([]uint32, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("procutil: lookup user %q: %w", username, err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("procutil: group ids for user %q: %w", username, err)
	}
	gids := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			continue
		}
		gids = append(gids, uint32(n))
	}
	return gids, nil
}

// CheckProcessRunning reports whether pid identifies a live process, by
// sending signal 0 (no actual signal delivered; only existence/permission is
// checked). This is the direct translation of the C source's use of
// kill(pid, 0) in check_process_running().
func CheckProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but we lack permission to signal it —
	// still "running" from the supervisor's point of view.
	return errors.Is(err, syscall.EPERM)
}

// DirExists reports whether path exists and is a directory.
func DirExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

// MkdirP creates path (and any missing parents) with mode 0o755 and reports
// whether the directory exists (or was created) and is writable by the
// calling process. It mirrors mkdir_p()'s boolean "did this become usable"
// contract rather than returning a raw error, since callers (PID directory
// selection) only ever need a yes/no per candidate.
func MkdirP(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	probe := path + "/.warden-writable-probe"
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
