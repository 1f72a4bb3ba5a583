package statem

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/tripwire/warden/internal/config"
	"github.com/tripwire/warden/internal/procutil"
)

// spawn starts watch.Start[0] with watch.Start[1:] as arguments, performing
// the identity/session/FD setup from spec.md §4.4 in the exact order it
// specifies. It returns the child's PID.
//
// Go cannot safely call a bare fork(2) and keep running user code before
// exec — the runtime's goroutine scheduler and thread pool are not fork-safe
// past that point — so instead of translating spawn()'s fork()+child-side-
// setup literally, the identity/session steps are expressed as
// syscall.SysProcAttr fields evaluated by the kernel between its own
// fork+exec, and os/exec performs the exec. This is the idiomatic, and only
// safe, Go translation of steps 1-9; see DESIGN.md for the Open Question
// this resolves.
func spawn(watch config.Watch) (int, error) {
	if len(watch.Start) == 0 {
		return 0, errors.New("statem: watch has empty start command")
	}

	executable, err := exec.LookPath(watch.Start[0])
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			// step 10: absent binary is treated as "nothing to do".
			return 0, nil
		}
		return 0, fmt.Errorf("statem: resolve %q: %w", watch.Start[0], err)
	}

	cmd := exec.Command(executable, watch.Start[1:]...)

	// step 7: chdir to watch.Dir if it exists, else "/".
	if procutil.DirExists(watch.Dir) {
		cmd.Dir = watch.Dir
	} else {
		cmd.Dir = "/"
	}

	// step 8: stdin/stdout/stderr reopened as /dev/null in
	// read-only/write-only/read-write order, restoring conventional modes.
	devNullR, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("statem: open %s O_RDONLY: %w", os.DevNull, err)
	}
	defer devNullR.Close()
	devNullW, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return 0, fmt.Errorf("statem: open %s O_WRONLY: %w", os.DevNull, err)
	}
	defer devNullW.Close()
	devNullRW, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("statem: open %s O_RDWR: %w", os.DevNull, err)
	}
	defer devNullRW.Close()

	cmd.Stdin = devNullR
	cmd.Stdout = devNullW
	cmd.Stderr = devNullRW

	attr := &syscall.SysProcAttr{
		// step 3: detach from the controlling terminal by creating a new
		// session.
		Setsid: true,
	}

	uid, gid, haveUID, haveGID, err := resolveIdentity(watch)
	if err != nil {
		return 0, err
	}

	if haveGID {
		cred := &syscall.Credential{Gid: uint32(gid)}

		// step 4: supplementary groups set to the single-element list
		// [gid], then the primary group is finalised.
		cred.Groups = []uint32{uint32(gid)}
		cred.NoSetGroups = false

		// step 5: if both uid and gid are set, initialise supplementary
		// groups from the user's membership list instead of the
		// single-element [gid] list above.
		if haveUID {
			if groups, err := procutil.SupplementaryGIDs(watch.UID); err == nil && len(groups) > 0 {
				cred.Groups = groups
			}
		}

		// step 6: set the real/effective user last, after group changes.
		if haveUID {
			cred.Uid = uint32(uid)
		}

		attr.Credential = cred
	}

	cmd.SysProcAttr = attr
	cmd.Env = os.Environ()

	// step 2: reset the file-creation mask to 0 for the child. syscall.Umask
	// is process-wide and there is no SysProcAttr hook to scope it to only
	// the forked child, so it is bracketed tightly around Start (which forks
	// then execs in one syscall sequence) and restored immediately after —
	// the same window the C source's single-threaded fork() leaves open, now
	// made explicit rather than implicit.
	oldMask := syscall.Umask(0)
	err = cmd.Start()
	syscall.Umask(oldMask)

	if err != nil {
		var pathErr *os.SyscallError
		if errors.As(err, &pathErr) && errors.Is(pathErr.Err, syscall.ENOENT) {
			// step 10: ENOENT from exec is success-and-exit, not failure.
			return 0, nil
		}
		return 0, fmt.Errorf("statem: spawn %q: %w", executable, err)
	}

	pid := cmd.Process.Pid

	// The parent only needs the PID (spec.md §4.4: "the child performs...").
	// Deliberately never call cmd.Wait here: the supervisor's SIGCHLD
	// handler (internal/wakeup.reapAll) already does Wait4(-1, WNOHANG) for
	// every terminated child, and is the spec's single designated reaper
	// (§4.2/§5). A second Wait here would race it for the same child.
	return pid, nil
}

// resolveIdentity implements step 1 of spec.md §4.4: resolve uid/gid from
// names via the platform user database; if only gid is supplied, resolve it
// too.
func resolveIdentity(watch config.Watch) (uid, gid int, haveUID, haveGID bool, err error) {
	if watch.UID != "" {
		u, g, err := procutil.LookupUser(watch.UID)
		if err != nil {
			return 0, 0, false, false, fmt.Errorf("statem: resolve uid %q: %w", watch.UID, err)
		}
		uid, gid, haveUID, haveGID = u, g, true, true
	}

	if watch.GID != "" {
		g, err := procutil.LookupGroup(watch.GID)
		if err != nil {
			return 0, 0, false, false, fmt.Errorf("statem: resolve gid %q: %w", watch.GID, err)
		}
		gid, haveGID = g, true
	}

	return uid, gid, haveUID, haveGID, nil
}
