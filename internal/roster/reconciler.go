// Package roster diffs a peer's advertised SysInfo against the set of
// module instances owned locally for that peer, and turns the difference
// into FSM events.
package roster

import (
	"github.com/fpemud/selfnetd/internal/fsm"
	"github.com/fpemud/selfnetd/internal/module"
)

// Owned describes one locally-owned MI belonging to the peer being
// reconciled: enough to test against the peer's claims, nothing more. The
// caller (the Local Manager) is the only place that knows the full
// Descriptor; the Reconciler only needs this narrow view.
type Owned struct {
	UserName   string
	ModuleName string
}

// claim is a (userName, mappedModuleName) pair extracted from a peer's
// advertisement, after the server/client module-name mapping.
type claim struct {
	userName   string
	moduleName string
}

// Reconcile computes, for each of owned, whether the peer's current
// advertisement info (nil for a removal) still claims it, and returns the
// FSM event to post for that MI. The caller is responsible for actually
// posting these events through fsm.Engine, in owned order — cross-MI
// ordering is not otherwise guaranteed.
func Reconcile(owned []Owned, info *module.SysInfo) []fsm.Event {
	isRemoval := info == nil

	var claims map[claim]struct{}
	if !isRemoval {
		claims = make(map[claim]struct{}, len(info.Modules))
		for key := range info.Modules {
			claims[claim{
				userName:   key.UserName,
				moduleName: module.MappedModuleName(key.ModuleName),
			}] = struct{}{}
		}
	}

	events := make([]fsm.Event, len(owned))
	for i, mi := range owned {
		matches := false
		if !isRemoval {
			_, matches = claims[claim{userName: mi.UserName, moduleName: mi.ModuleName}]
		}

		if isRemoval {
			events[i] = fsm.Event{Kind: fsm.EvPeerRemoved}
		} else if matches {
			events[i] = fsm.Event{Kind: fsm.EvPeerMatchAppears}
		} else {
			events[i] = fsm.Event{Kind: fsm.EvPeerMatchGone}
		}
	}
	return events
}
