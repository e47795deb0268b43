package userdir

import (
	"fmt"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// LDAPConfig configures the LDAP-backed UserDirectory. Grounded
// on the shape of 4nonX-D-PlaneOS's internal/ldap.Config, trimmed to the
// subset a directory lookup (rather than an authentication flow) needs.
type LDAPConfig struct {
	Server            string
	Port              int
	UseTLS            bool
	BindDN            string
	BindPassword      string
	BaseDN            string
	UserFilter        string // e.g. "(objectClass=posixAccount)"
	UserNameAttribute string // e.g. "uid"
}

// LDAP lists users by querying a directory server for every entry matching
// UserFilter under BaseDN, once per Users() call.
type LDAP struct {
	cfg LDAPConfig
}

// NewLDAP builds an LDAP-backed UserDirectory.
func NewLDAP(cfg LDAPConfig) *LDAP {
	return &LDAP{cfg: cfg}
}

// Users implements module.UserDirectory.
func (l *LDAP) Users() ([]string, error) {
	address := fmt.Sprintf("%s:%d", l.cfg.Server, l.cfg.Port)

	var conn *ldap.Conn
	var err error
	if l.cfg.UseTLS {
		conn, err = ldap.DialTLS("tcp", address, nil)
	} else {
		conn, err = ldap.Dial("tcp", address)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "userdir: dialing LDAP server %s", address)
	}
	defer conn.Close()

	if l.cfg.BindDN != "" {
		if err := conn.Bind(l.cfg.BindDN, l.cfg.BindPassword); err != nil {
			return nil, errors.Wrap(err, "userdir: LDAP bind")
		}
	}

	req := ldap.NewSearchRequest(
		l.cfg.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		l.cfg.UserFilter,
		[]string{l.cfg.UserNameAttribute},
		nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, errors.Wrap(err, "userdir: LDAP search")
	}

	out := make([]string, 0, len(res.Entries))
	for _, entry := range res.Entries {
		name := entry.GetAttributeValue(l.cfg.UserNameAttribute)
		if name != "" {
			out = append(out, name)
		}
	}
	return out, nil
}
