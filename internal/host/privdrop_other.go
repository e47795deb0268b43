//go:build !linux && !darwin

package host

import "github.com/pkg/errors"

func dropPrivileges(targetUser string) (restore func(), err error) {
	if targetUser == "" {
		return func() {}, nil
	}
	return nil, errors.New("host: per-callback privilege drop is only supported on POSIX")
}
