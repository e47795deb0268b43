// Package userdir provides module.UserDirectory implementations:
// the set of real local users eligible for per-user module instantiation.
package userdir

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Posix lists users from /etc/passwd (or an overridden path, for tests),
// filtered to the configured uid range, treating only "real" human
// accounts (uid >= MinUID) as module-eligible.
type Posix struct {
	PasswdPath string
	MinUID     int
	MaxUID     int
}

// NewPosix builds a Posix directory with the conventional human-account uid
// range (1000-59999, excluding the nobody/system range above it).
func NewPosix() *Posix {
	return &Posix{PasswdPath: "/etc/passwd", MinUID: 1000, MaxUID: 59999}
}

// Users implements module.UserDirectory.
func (p *Posix) Users() ([]string, error) {
	f, err := os.Open(p.PasswdPath)
	if err != nil {
		return nil, errors.Wrapf(err, "userdir: opening %s", p.PasswdPath)
	}
	defer f.Close()

	var out []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ":")
		if len(fields) < 3 {
			continue
		}
		uid, err := strconv.Atoi(fields[2])
		if err != nil {
			continue
		}
		if uid < p.MinUID || uid > p.MaxUID {
			continue
		}
		out = append(out, fields[0])
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "userdir: reading %s", p.PasswdPath)
	}
	return out, nil
}
