package userdir

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fpemud/selfnetd/internal/module"
)

func writePasswd(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "passwd")
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing test passwd file: %v", err)
	}
	return path
}

func TestPosixUsersFiltersByUIDRange(t *testing.T) {
	path := writePasswd(t, ""+
		"root:x:0:0:root:/root:/bin/bash\n"+
		"daemon:x:1:1:daemon:/usr/sbin:/usr/sbin/nologin\n"+
		"alice:x:1000:1000:Alice:/home/alice:/bin/bash\n"+
		"bob:x:1001:1001:Bob:/home/bob:/bin/bash\n"+
		"nobody:x:65534:65534:nobody:/nonexistent:/usr/sbin/nologin\n")

	p := &Posix{PasswdPath: path, MinUID: 1000, MaxUID: 59999}
	users, err := p.Users()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Fatalf("expected [alice bob], got %v", users)
	}
}

func TestPosixUsersSkipsBlankAndCommentLines(t *testing.T) {
	path := writePasswd(t, ""+
		"# a comment\n"+
		"\n"+
		"alice:x:1000:1000:Alice:/home/alice:/bin/bash\n")

	p := &Posix{PasswdPath: path, MinUID: 1000, MaxUID: 59999}
	users, err := p.Users()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 || users[0] != "alice" {
		t.Fatalf("expected [alice], got %v", users)
	}
}

func TestPosixUsersMissingFile(t *testing.T) {
	p := &Posix{PasswdPath: "/no/such/file", MinUID: 1000, MaxUID: 59999}
	if _, err := p.Users(); err == nil {
		t.Fatalf("expected an error for a missing passwd file")
	}
}

var _ module.UserDirectory = (*Posix)(nil)
var _ module.UserDirectory = (*LDAP)(nil)
