package host

import (
	"os"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/module"
)

// RunChild is the standalone-module side of the subprocess wire protocol: it
// owns the process's stdin/stdout, receives CALL/RECV/SHUTDOWN from the
// parent, invokes the named callback on mod, and reports back RETURN/EXCEPT.
// A module-originated Context.Send becomes a SEND message. This is the loop
// cmd/moduled enters when re-exec'd with --run-module; it never returns except on SHUTDOWN or a pipe error.
//
// Grounded on minimega's internal/minitunnel.Tunnel client loop (the
// read-dispatch-write pattern, minus its generic stream multiplexing).
func RunChild(id module.Identity, tmpDir string, mod module.Module) {
	p := newPipe(stdioRWC{WriteCloser: os.Stdout, ReadCloser: os.Stdin})
	defer p.Close()

	send := func(payload []byte) {
		p.send(wireMessage{
			Kind:       wireSend,
			PeerName:   id.PeerName,
			UserName:   id.UserName,
			ModuleName: id.ModuleName,
			Payload:    payload,
		})
	}
	setWorkState := func(ws module.WorkState) {
		p.send(wireMessage{Kind: wireWorkState, Working: ws == module.WorkWorking})
	}

	for {
		msg, err := p.recv()
		if err != nil {
			return
		}

		switch msg.Kind {
		case wireShutdown:
			return

		case wireCall, wireRecv:
			os.MkdirAll(tmpDir, 0700)
			ctx := module.NewContext(id, tmpDir, setWorkState, send)
			err := invokeChild(mod, msg.CBName, ctx, msg.Payload)
			os.RemoveAll(tmpDir)
			if err != nil {
				kind, message, trace := classifyChildError(err)
				p.send(wireMessage{Kind: wireExcept, ErrKind: kind, ErrMessage: message, ErrTrace: trace})
			} else {
				p.send(wireMessage{Kind: wireReturn})
			}

		default:
			log.Warn("host: child %v: unexpected message %v from parent", id, msg.Kind)
		}
	}
}

func invokeChild(mod module.Module, cbName string, ctx *module.Context, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()

	switch cbName {
	case "onInit":
		return mod.OnInit(ctx)
	case "onActive":
		return mod.OnActive(ctx)
	case "onInactive":
		return mod.OnInactive(ctx)
	case "onRecv":
		return mod.OnRecv(ctx, payload)
	default:
		panic("host: unknown callback " + cbName)
	}
}

func classifyChildError(err error) (kind, message, trace string) {
	if r, ok := module.AsReject(err); ok {
		return "reject", r.Message, ""
	}
	return "except", err.Error(), Trace(err)
}
