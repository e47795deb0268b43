package host

import (
	"io"
	"os"
	"os/exec"
	"sync"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/module"
)

// SendHandler is how a standalone module's SEND message (the child
// originating a send to its own peer counterpart) reaches the manager.
type SendHandler func(peerName, userName, moduleName string, payload []byte)

// SubprocessHost hosts one module.Module implementation in a child process,
// reached by name through the same Registry the in-process host resolves
// factories from. Parent and child exchange the
// seven wireMessage variants (including WORKSTATE) over the child's
// stdin/stdout.
//
// Grounded on minimega's internal/minitunnel (gob-framed mux loop over an
// io.ReadWriteCloser) and internal/ron/server.go's crash-reaping convention
// (a dead connection becomes a terminal notification, never a retry).
type SubprocessHost struct {
	id           module.Identity
	cmd          *exec.Cmd
	pipe         *pipe
	schedule     Scheduler
	onComplete   CompletionFunc
	onSend       SendHandler
	setWorkState func(module.WorkState)

	mu        sync.Mutex
	pendingCB string
	inert     bool
}

type stdioRWC struct {
	io.WriteCloser
	io.ReadCloser
}

func (s stdioRWC) Read(p []byte) (int, error)  { return s.ReadCloser.Read(p) }
func (s stdioRWC) Write(p []byte) (int, error) { return s.WriteCloser.Write(p) }
func (s stdioRWC) Close() error {
	werr := s.WriteCloser.Close()
	rerr := s.ReadCloser.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// SpawnSubprocess launches childExe (the same moduled binary, re-exec'd;
// see cmd/moduled's child mode) to host moduleName, and wires its
// stdin/stdout as the framed pipe.
func SpawnSubprocess(
	id module.Identity,
	childExe string,
	moduleName string,
	tmpDir string,
	env []string,
	targetUser string,
	schedule Scheduler,
	onComplete CompletionFunc,
	onSend SendHandler,
	setWorkState func(module.WorkState),
) (*SubprocessHost, error) {
	cmd := exec.Command(childExe, "--run-module", moduleName)
	cmd.Env = append(append([]string{}, env...),
		"SELFNETD_PEER="+id.PeerName,
		"SELFNETD_USER="+id.UserName,
		"SELFNETD_MODULE="+id.ModuleName,
		"SELFNETD_TMPDIR="+tmpDir,
	)
	if targetUser != "" {
		if err := setCmdCredential(cmd, targetUser); err != nil {
			return nil, err
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	h := &SubprocessHost{
		id:           id,
		cmd:          cmd,
		pipe:         newPipe(stdioRWC{WriteCloser: stdin, ReadCloser: stdout}),
		schedule:     schedule,
		onComplete:   onComplete,
		onSend:       onSend,
		setWorkState: setWorkState,
	}

	go h.readLoop()
	go h.waitLoop()

	return h, nil
}

// Dispatch implements instance.Host.
func (h *SubprocessHost) Dispatch(cbName string, payload []byte) {
	h.mu.Lock()
	if h.inert {
		h.mu.Unlock()
		return
	}
	h.pendingCB = cbName
	h.mu.Unlock()

	kind := wireCall
	if cbName == "onRecv" {
		kind = wireRecv
	}

	if err := h.pipe.send(wireMessage{Kind: kind, CBName: cbName, Payload: payload}); err != nil {
		h.fail("crashed", "failed to deliver "+cbName+": "+err.Error(), "")
	}
}

// Shutdown implements instance.Host.
func (h *SubprocessHost) Shutdown() {
	h.mu.Lock()
	if h.inert {
		h.mu.Unlock()
		return
	}
	h.inert = true
	h.mu.Unlock()

	h.pipe.send(wireMessage{Kind: wireShutdown})
	h.pipe.Close()
}

func (h *SubprocessHost) readLoop() {
	for {
		msg, err := h.pipe.recv()
		if err != nil {
			// EOF or decode failure: treat exactly like a crash, unless we initiated the shutdown.
			h.mu.Lock()
			alreadyInert := h.inert
			h.mu.Unlock()
			if !alreadyInert {
				h.fail("crashed", "subprocess pipe closed: "+safeErr(err), "")
			}
			return
		}

		switch msg.Kind {
		case wireSend:
			if h.onSend != nil {
				h.onSend(msg.PeerName, msg.UserName, msg.ModuleName, msg.Payload)
			}
		case wireWorkState:
			if h.setWorkState != nil {
				ws := module.WorkIdle
				if msg.Working {
					ws = module.WorkWorking
				}
				h.setWorkState(ws)
			}
		case wireReturn:
			h.complete(nil)
		case wireExcept:
			if msg.ErrKind == "reject" {
				h.complete(module.NewReject("%s", msg.ErrMessage))
			} else {
				h.complete(newExceptError(msg.ErrKind, msg.ErrMessage, msg.ErrTrace))
			}
		default:
			log.Warn("host: subprocess %v: unexpected message %v from child", h.id, msg.Kind)
		}
	}
}

func (h *SubprocessHost) waitLoop() {
	err := h.cmd.Wait()
	h.mu.Lock()
	alreadyInert := h.inert
	h.mu.Unlock()
	if !alreadyInert {
		h.fail("crashed", "subprocess exited: "+safeErr(err), "")
	}
}

func (h *SubprocessHost) complete(err error) {
	h.mu.Lock()
	cbName := h.pendingCB
	h.pendingCB = ""
	h.mu.Unlock()

	if cbName == "" {
		log.Warn("host: subprocess %v: completion with no pending callback", h.id)
		return
	}

	h.schedule(func() { h.onComplete(cbName, err) })
}

func (h *SubprocessHost) fail(kind, message, trace string) {
	h.mu.Lock()
	if h.inert {
		h.mu.Unlock()
		return
	}
	h.inert = true
	cbName := h.pendingCB
	h.pendingCB = ""
	h.mu.Unlock()

	if cbName == "" {
		// Nothing was in flight: an idle ACTIVE instance has no callback for
		// onComplete to complete through. Report it anyway with an empty
		// cbName, which the manager recognizes as an unsolicited crash and
		// routes straight to the FSM's Crashed path instead of Completed.
		log.Error("host: subprocess %v: %s: %s", h.id, kind, message)
		h.schedule(func() { h.onComplete("", newExceptError(kind, message, trace)) })
		return
	}

	h.schedule(func() { h.onComplete(cbName, newExceptError(kind, message, trace)) })
}

func safeErr(err error) string {
	if err == nil {
		return "eof"
	}
	return err.Error()
}
