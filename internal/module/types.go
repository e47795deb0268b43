// Package module holds the types and interfaces shared by every part of the
// local module manager: the identity triple, the wire frame taxonomy, the
// config/catalogue shapes, and the contracts the manager consumes from its
// external collaborators (transport, config, user directory).
package module

import (
	"fmt"
	"sort"
)

// Scope is whether a module is instantiated once per system or once per
// eligible local user.
type Scope string

const (
	ScopeSys Scope = "sys"
	ScopeUsr Scope = "usr"
)

// Role is the second field encoded in a module name ("<class>-<role>-<tag>").
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
	RolePeer   Role = "peer"
)

// State is a Module Instance's position in the FSM.
type State int

const (
	StateInit State = iota
	StateInactive
	StateActive
	StateReject
	StatePeerReject
	StateExcept
	StatePeerExcept
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateInactive:
		return "INACTIVE"
	case StateActive:
		return "ACTIVE"
	case StateReject:
		return "REJECT"
	case StatePeerReject:
		return "PEER_REJECT"
	case StateExcept:
		return "EXCEPT"
	case StatePeerExcept:
		return "PEER_EXCEPT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsFailure reports whether s is one of the four states that carry a
// non-empty FailMessage.
func (s State) IsFailure() bool {
	switch s {
	case StateReject, StatePeerReject, StateExcept, StatePeerExcept:
		return true
	default:
		return false
	}
}

// WorkState is a Module Instance's self-reported activity level.
type WorkState int

const (
	WorkIdle WorkState = iota
	WorkWorking
)

func (w WorkState) String() string {
	if w == WorkWorking {
		return "WORKING"
	}
	return "IDLE"
}

// Identity is the immutable (peer, user?, module) triple that names exactly
// one Module Instance.
// UserName is empty for system-scoped modules.
type Identity struct {
	PeerName   string
	UserName   string
	ModuleName string
}

func (id Identity) String() string {
	if id.UserName == "" {
		return fmt.Sprintf("%s/%s", id.PeerName, id.ModuleName)
	}
	return fmt.Sprintf("%s/%s/%s", id.PeerName, id.UserName, id.ModuleName)
}

// CatalogEntry is a module the local config enables. Name must match "<class>-<role>-<tag>".
type CatalogEntry struct {
	Name     string
	Scope    Scope
	Type     Role
	ID       string
	PropDict map[string]interface{}

	// Factory is the registry key used to resolve the module implementation.
	Factory string
}

// Standalone reports whether this entry's propDict says the module must be
// hosted in a subprocess.
func (e CatalogEntry) Standalone() bool {
	v, _ := e.PropDict["standalone"].(bool)
	return v
}

// AllowLocalPeer reports whether this entry opts in to being instantiated
// against the local host acting as its own peer.
func (e CatalogEntry) AllowLocalPeer() bool {
	v, _ := e.PropDict["allow-local-peer"].(bool)
	return v
}

// ParseModuleName splits "<class>-<role>-<tag>" and validates role.
func ParseModuleName(name string) (class string, role Role, tag string, err error) {
	parts := splitN3(name)
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("module name %q must have form <class>-<role>-<tag>", name)
	}
	r := Role(parts[1])
	switch r {
	case RoleServer, RoleClient, RolePeer:
	default:
		return "", "", "", fmt.Errorf("module name %q: role %q must be server, client, or peer", name, parts[1])
	}
	return parts[0], r, parts[2], nil
}

func splitN3(name string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(name); i++ {
		if name[i] == '-' {
			parts = append(parts, name[start:i])
			start = i + 1
		}
	}
	parts = append(parts, name[start:])
	return parts
}

// MappedModuleName flips the role token of a peer-advertised module name so
// it can be compared against this host's own catalogue: server<->client, peer unchanged.
func MappedModuleName(name string) string {
	class, role, tag, err := ParseModuleName(name)
	if err != nil {
		// Not the core's job to validate peer input beyond this mapping;
		// an unparsable name simply never matches anything locally.
		return name
	}
	switch role {
	case RoleServer:
		role = RoleClient
	case RoleClient:
		role = RoleServer
	}
	return fmt.Sprintf("%s-%s-%s", class, role, tag)
}

// ModuleKey identifies one advertised module entry within a SysInfo, scoped
// to an (optional) user.
type ModuleKey struct {
	ModuleName string `json:"moduleName"`
	UserName   string `json:"userName,omitempty"` // empty for system scope
}

// SysInfo is a host's self-description: which users it has, and
// which (module, user?) pairs it advertises. Equality is structural over
// both sets.
type SysInfo struct {
	Users   map[string]struct{}
	Modules map[ModuleKey]struct{}
}

func NewSysInfo() *SysInfo {
	return &SysInfo{
		Users:   make(map[string]struct{}),
		Modules: make(map[ModuleKey]struct{}),
	}
}

func (s *SysInfo) AddUser(name string) {
	s.Users[name] = struct{}{}
}

func (s *SysInfo) AddModule(moduleName, userName string) {
	s.Modules[ModuleKey{ModuleName: moduleName, UserName: userName}] = struct{}{}
}

// Equal reports structural equality of both sets.
func (s *SysInfo) Equal(o *SysInfo) bool {
	if s == nil || o == nil {
		return s == o
	}
	if len(s.Users) != len(o.Users) || len(s.Modules) != len(o.Modules) {
		return false
	}
	for u := range s.Users {
		if _, ok := o.Users[u]; !ok {
			return false
		}
	}
	for m := range s.Modules {
		if _, ok := o.Modules[m]; !ok {
			return false
		}
	}
	return true
}

// SortedUsers returns Users as a sorted slice, for deterministic display and
// wire encoding.
func (s *SysInfo) SortedUsers() []string {
	out := make([]string, 0, len(s.Users))
	for u := range s.Users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// SortedModules returns Modules as a sorted slice, for deterministic display
// and wire encoding.
func (s *SysInfo) SortedModules() []ModuleKey {
	out := make([]ModuleKey, 0, len(s.Modules))
	for m := range s.Modules {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModuleName != out[j].ModuleName {
			return out[i].ModuleName < out[j].ModuleName
		}
		return out[i].UserName < out[j].UserName
	})
	return out
}
