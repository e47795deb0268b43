//go:build linux || darwin

package host

import (
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

// setCmdCredential arranges for cmd's child process to run under
// targetUser's uid/gid from the start: the whole subprocess, not just one
// callback, runs as that user.
func setCmdCredential(cmd *exec.Cmd, targetUser string) error {
	u, err := user.Lookup(targetUser)
	if err != nil {
		return errors.Wrapf(err, "host: lookup user %q", targetUser)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return errors.Wrapf(err, "host: parse uid for %q", targetUser)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return errors.Wrapf(err, "host: parse gid for %q", targetUser)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)},
	}
	return nil
}
