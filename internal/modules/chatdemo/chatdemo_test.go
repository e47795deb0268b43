package chatdemo

import (
	"testing"

	"github.com/fpemud/selfnetd/internal/module"
)

func newTestContext(send func([]byte), setWorkState func(module.WorkState)) *module.Context {
	id := module.Identity{PeerName: "p", UserName: "alice", ModuleName: "chatdemo-server"}
	return module.NewContext(id, "", setWorkState, send)
}

func TestServerEchoesPrefixedWithUserName(t *testing.T) {
	var sent []byte
	ctx := newTestContext(func(p []byte) { sent = p }, nil)

	s := &Server{}
	if err := s.OnInit(ctx); err != nil {
		t.Fatalf("OnInit: %v", err)
	}
	if err := s.OnRecv(ctx, []byte("hello there")); err != nil {
		t.Fatalf("OnRecv: %v", err)
	}
	if string(sent) != "alice> hello there" {
		t.Fatalf("expected the echo to be prefixed with the user name, got %q", sent)
	}
}

func TestServerRejectsLinesContainingSpam(t *testing.T) {
	ctx := newTestContext(func([]byte) { t.Fatalf("should not send a reply for a rejected line") }, nil)
	s := &Server{}
	err := s.OnRecv(ctx, []byte("buy CHEAP SPAM now"))
	if err == nil {
		t.Fatalf("expected a reject error")
	}
	if _, ok := module.AsReject(err); !ok {
		t.Fatalf("expected a *RejectError, got %T", err)
	}
}

func TestClientGreetsOnActive(t *testing.T) {
	var sent []byte
	ctx := newTestContext(func(p []byte) { sent = p }, nil)
	c := &Client{}
	if err := c.OnActive(ctx); err != nil {
		t.Fatalf("OnActive: %v", err)
	}
	if string(sent) != "hello" {
		t.Fatalf("expected the client to greet with \"hello\", got %q", sent)
	}
}

func TestClientTogglesWorkStateAroundOnRecv(t *testing.T) {
	var states []module.WorkState
	ctx := newTestContext(func([]byte) {}, func(ws module.WorkState) { states = append(states, ws) })
	c := &Client{}
	if err := c.OnRecv(ctx, []byte("a line")); err != nil {
		t.Fatalf("OnRecv: %v", err)
	}
	if len(states) != 2 || states[0] != module.WorkWorking || states[1] != module.WorkIdle {
		t.Fatalf("expected [WORKING IDLE], got %v", states)
	}
}

func TestModulesAreRegistered(t *testing.T) {
	for _, name := range []string{"chatdemo-server", "chatdemo-client"} {
		factory, ok := module.DefaultRegistry.Lookup(name)
		if !ok {
			t.Fatalf("expected %q to be registered", name)
		}
		if factory() == nil {
			t.Fatalf("expected %q's factory to build a non-nil Module", name)
		}
	}
}
