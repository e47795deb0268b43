//go:build linux || darwin

package host

import (
	"os/user"
	"runtime"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

// dropPrivileges adopts targetUser's effective uid/gid for the calling
// goroutine's OS thread, for the duration of one callback. It locks the goroutine to its OS thread for
// that duration: changing credentials only affects the current thread, and
// Go may otherwise migrate the goroutine mid-call.
//
// This approach is a stopgap; the long-term answer is hosting user-scoped
// modules under SubprocessHost with the child launched under the target
// uid, which needs no in-process privilege switching at all.
func dropPrivileges(targetUser string) (restore func(), err error) {
	if targetUser == "" {
		return func() {}, nil
	}

	u, err := user.Lookup(targetUser)
	if err != nil {
		return nil, errors.Wrapf(err, "host: lookup user %q", targetUser)
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, errors.Wrapf(err, "host: parse uid for %q", targetUser)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, errors.Wrapf(err, "host: parse gid for %q", targetUser)
	}

	runtime.LockOSThread()

	origEUID := syscall.Geteuid()
	origEGID := syscall.Getegid()

	if err := syscall.Setegid(gid); err != nil {
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "host: setegid(%d)", gid)
	}
	if err := syscall.Seteuid(uid); err != nil {
		syscall.Setegid(origEGID)
		runtime.UnlockOSThread()
		return nil, errors.Wrapf(err, "host: seteuid(%d)", uid)
	}

	return func() {
		syscall.Seteuid(origEUID)
		syscall.Setegid(origEGID)
		runtime.UnlockOSThread()
	}, nil
}
