//go:build !linux && !darwin

package host

import (
	"os/exec"

	"github.com/pkg/errors"
)

func setCmdCredential(cmd *exec.Cmd, targetUser string) error {
	return errors.New("host: subprocess user credential is only supported on POSIX")
}
