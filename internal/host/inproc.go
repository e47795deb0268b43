package host

import (
	"os"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/module"
)

// Scheduler defers a closure to run later on the manager's single
// cooperative loop goroutine.
// Both host variants use it so that a module callback's eventual
// RETURN/EXCEPT notification is always delivered from the loop goroutine,
// never from whatever goroutine happened to observe completion.
type Scheduler func(func())

// CompletionFunc reports a callback's outcome to the FSM Engine. err is nil
// on success.
type CompletionFunc func(cbName string, err error)

// InProcessHost wraps a factory-produced Module object and runs its
// callbacks synchronously inside a Scheduler-deferred closure: the callback
// body blocks the manager's single loop goroutine for its duration, by
// design. Standalone hosting
// (SubprocessHost) is the escape hatch for modules that must not be allowed
// to do that.
type InProcessHost struct {
	mod    module.Module
	id     module.Identity
	tmpDir string

	// targetUser, if non-empty, is the local user whose effective uid/gid
	// this host adopts for the duration of each callback. Empty for system-scoped modules.
	targetUser string

	schedule     Scheduler
	onComplete   CompletionFunc
	setWorkState func(module.WorkState)
	send         func(payload []byte)

	inert bool
}

func NewInProcess(
	mod module.Module,
	id module.Identity,
	tmpDir string,
	targetUser string,
	schedule Scheduler,
	onComplete CompletionFunc,
	setWorkState func(module.WorkState),
	send func(payload []byte),
) *InProcessHost {
	return &InProcessHost{
		mod:          mod,
		id:           id,
		tmpDir:       tmpDir,
		targetUser:   targetUser,
		schedule:     schedule,
		onComplete:   onComplete,
		setWorkState: setWorkState,
		send:         send,
	}
}

// Dispatch implements instance.Host.
func (h *InProcessHost) Dispatch(cbName string, payload []byte) {
	if h.inert {
		return
	}
	h.schedule(func() { h.run(cbName, payload) })
}

// Shutdown implements instance.Host. In-process hosts have no external
// resource to release beyond marking themselves inert.
func (h *InProcessHost) Shutdown() {
	h.inert = true
}

func (h *InProcessHost) run(cbName string, payload []byte) {
	if h.inert {
		return
	}

	if err := os.MkdirAll(h.tmpDir, 0700); err != nil {
		log.Error("host: in-process %v: creating tmpDir: %v", h.id, err)
	}

	ctx := module.NewContext(h.id, h.tmpDir, h.setWorkState, h.send)

	err := h.invoke(cbName, ctx, payload)

	if err != nil {
		log.Debug("host: in-process %v: %s: %v", h.id, cbName, err)
	}

	if err != nil {
		// After any EXCEPT the host goes inert for this identity; a
		// RejectError out of onRecv is not an exception, so the host stays
		// live and the FSM converts it to a REJECT transition instead.
		if _, isReject := module.AsReject(err); !isReject {
			h.inert = true
		}
	}

	os.RemoveAll(h.tmpDir)
	h.onComplete(cbName, err)
}

func (h *InProcessHost) invoke(cbName string, ctx *module.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()

	restore, dropErr := dropPrivileges(h.targetUser)
	if dropErr != nil {
		return dropErr
	}
	defer restore()

	switch cbName {
	case "onInit":
		return h.mod.OnInit(ctx)
	case "onActive":
		return h.mod.OnActive(ctx)
	case "onInactive":
		return h.mod.OnInactive(ctx)
	case "onRecv":
		return h.mod.OnRecv(ctx, payload)
	default:
		panic("host: unknown callback " + cbName)
	}
}
