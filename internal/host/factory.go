package host

import (
	"fmt"
	"os"

	"github.com/fpemud/selfnetd/internal/instance"
	"github.com/fpemud/selfnetd/internal/module"
)

// Factory resolves a CatalogEntry to the right instance.Host, dispatching
// to SpawnSubprocess for standalone modules and to
// NewInProcess for everything else. It is the manager.HostFactory the
// Local Manager is built with.
type Factory struct {
	registry *module.Registry
	childExe string
	env      []string
}

// NewFactory builds a Factory. registry resolves non-standalone modules by
// CatalogEntry.Factory name; childExe is the path to re-exec (cmd/moduled's
// own binary, normally DefaultChildExe's os.Executable path) for standalone
// modules.
func NewFactory(registry *module.Registry, childExe string, env []string) *Factory {
	return &Factory{registry: registry, childExe: childExe, env: env}
}

// Build implements the manager.HostFactory signature.
func (f *Factory) Build(
	id module.Identity,
	cat module.CatalogEntry,
	tmpDir string,
	schedule Scheduler,
	onComplete CompletionFunc,
	setWorkState func(module.WorkState),
	send func([]byte),
) (instance.Host, error) {
	targetUser := ""
	if cat.Scope == module.ScopeUsr {
		targetUser = id.UserName
	}

	if cat.Standalone() {
		onSend := func(peerName, userName, moduleName string, payload []byte) {
			send(payload)
		}
		return SpawnSubprocess(id, f.childExe, cat.Factory, tmpDir, f.env, targetUser, schedule, onComplete, onSend, setWorkState)
	}

	newMod, ok := f.registry.Lookup(cat.Factory)
	if !ok {
		return nil, fmt.Errorf("host: no factory registered for %q", cat.Factory)
	}
	return NewInProcess(newMod(), id, tmpDir, targetUser, schedule, onComplete, setWorkState, send), nil
}

// DefaultChildExe returns this process's own executable path, for use as
// childExe when standalone modules re-exec the daemon binary itself.
func DefaultChildExe() (string, error) {
	return os.Executable()
}
