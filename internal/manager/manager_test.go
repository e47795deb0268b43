package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/fpemud/selfnetd/internal/host"
	"github.com/fpemud/selfnetd/internal/instance"
	"github.com/fpemud/selfnetd/internal/module"
)

type fakeConfig struct {
	self      string
	hosts     []string
	catalogue []module.CatalogEntry
	blacklist []string
}

func (c *fakeConfig) SelfName() string                     { return c.self }
func (c *fakeConfig) HostNames() []string                   { return c.hosts }
func (c *fakeConfig) ModuleCatalogue() []module.CatalogEntry { return c.catalogue }
func (c *fakeConfig) UserBlacklist() []string                { return c.blacklist }

type fakeUsers struct{ names []string }

func (u *fakeUsers) Users() ([]string, error) { return u.names, nil }

// fakeHost auto-completes every Dispatch with a nil error, via schedule, so
// the onInit/onActive callbacks the engine issues always resolve on the
// manager's own loop goroutine, matching how a real instance.Host behaves.
type fakeHost struct {
	schedule   host.Scheduler
	onComplete host.CompletionFunc
}

func (h *fakeHost) Dispatch(cbName string, payload []byte) {
	h.schedule(func() { h.onComplete(cbName, nil) })
}
func (h *fakeHost) Shutdown() {}

func newFakeHostFactory() HostFactory {
	return func(id module.Identity, cat module.CatalogEntry, tmpDir string, schedule host.Scheduler, onComplete host.CompletionFunc, setWorkState func(module.WorkState), send func([]byte)) (instance.Host, error) {
		return &fakeHost{schedule: schedule, onComplete: onComplete}, nil
	}
}

// fakeTransport records every AdvertiseLocal call; Start/Stop/SendFrame are
// no-ops since no test drives a real connection through it.
type fakeTransport struct {
	mu        sync.Mutex
	handler   module.TransportHandler
	advertise int
}

func (tr *fakeTransport) Start(handler module.TransportHandler) error {
	tr.handler = handler
	return nil
}
func (tr *fakeTransport) Stop() error { return nil }
func (tr *fakeTransport) SendFrame(peerName, userName, moduleName string, frame module.Frame) error {
	return nil
}
func (tr *fakeTransport) AdvertiseLocal(info *module.SysInfo) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.advertise++
}
func (tr *fakeTransport) advertiseCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.advertise
}

func waitForState(t *testing.T, m *Manager, id module.Identity, want module.State) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if s, _, ok := m.GetModuleState(id); ok && s == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	s, _, ok := m.GetModuleState(id)
	t.Fatalf("timed out waiting for %v to reach %s, last seen (%s, %v)", id, want, s, ok)
}

func TestInitActivatesSelfPeerLoopback(t *testing.T) {
	cfg := &fakeConfig{
		self:  "hosta",
		hosts: []string{"hosta"},
		catalogue: []module.CatalogEntry{
			{Name: "chat-server-demo", Scope: module.ScopeUsr, PropDict: map[string]interface{}{"allow-local-peer": true}},
			{Name: "chat-client-demo", Scope: module.ScopeUsr, PropDict: map[string]interface{}{"allow-local-peer": true}},
		},
	}
	users := &fakeUsers{names: []string{"alice"}}

	m := New(cfg, users, newFakeHostFactory(), t.TempDir(), nil, nil, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	id := module.Identity{PeerName: "hosta", UserName: "alice", ModuleName: "chat-server-demo"}
	waitForState(t, m, id, module.StateActive)

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
}

func TestInitSkipsLocalPeerWithoutOptIn(t *testing.T) {
	cfg := &fakeConfig{
		self:  "hosta",
		hosts: []string{"hosta"},
		catalogue: []module.CatalogEntry{
			{Name: "chat-server-demo", Scope: module.ScopeUsr},
		},
	}
	users := &fakeUsers{names: []string{"alice"}}

	m := New(cfg, users, newFakeHostFactory(), t.TempDir(), nil, nil, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if keys := m.GetModuleKeys(); len(keys) != 0 {
		t.Fatalf("expected no descriptors without allow-local-peer, got %v", keys)
	}

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
}

func TestGetLocalInfoExcludesBlacklistedUsers(t *testing.T) {
	cfg := &fakeConfig{
		self:      "hosta",
		hosts:     []string{"hosta"},
		blacklist: []string{"bob"},
		catalogue: []module.CatalogEntry{
			{Name: "chat-server-demo", Scope: module.ScopeUsr},
		},
	}
	users := &fakeUsers{names: []string{"alice", "bob"}}

	m := New(cfg, users, newFakeHostFactory(), t.TempDir(), nil, nil, nil)
	info, err := m.GetLocalInfo()
	if err != nil {
		t.Fatalf("GetLocalInfo: %v", err)
	}
	if got := info.SortedUsers(); len(got) != 1 || got[0] != "alice" {
		t.Fatalf("expected only alice, got %v", got)
	}
}

func TestDisposeReportsNonQuiescentInstances(t *testing.T) {
	cfg := &fakeConfig{
		self:  "hosta",
		hosts: []string{"hosta", "hostb"},
		catalogue: []module.CatalogEntry{
			{Name: "chat-server-demo", Scope: module.ScopeSys},
		},
	}
	users := &fakeUsers{}

	m := New(cfg, users, newFakeHostFactory(), t.TempDir(), nil, nil, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	// Activate the hostb-owned descriptor directly, as a real peer
	// connection would via OnPeerChange. Dispose only ever reconciles the
	// self-peer's own entries, so this one is left stranded ACTIVE and
	// Dispose must report it.
	info := module.NewSysInfo()
	info.AddModule("chat-client-demo", "")
	m.OnPeerChange("hostb", info)

	id := module.Identity{PeerName: "hostb", ModuleName: "chat-server-demo"}
	waitForState(t, m, id, module.StateActive)

	if err := m.Dispose(); err == nil {
		t.Fatalf("expected Dispose to report the stranded ACTIVE instance")
	}
}

func TestInitAdvertisesLocalInfoToTransport(t *testing.T) {
	cfg := &fakeConfig{
		self:  "hosta",
		hosts: []string{"hosta", "hostb"},
		catalogue: []module.CatalogEntry{
			{Name: "chat-server-demo", Scope: module.ScopeSys},
		},
	}
	users := &fakeUsers{}
	tr := &fakeTransport{}

	m := New(cfg, users, newFakeHostFactory(), t.TempDir(), tr, nil, nil)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if tr.advertiseCount() == 0 {
		t.Fatalf("expected Init to advertise local info once the transport started")
	}

	before := tr.advertiseCount()
	m.OnPeerConnect("hostb")
	if tr.advertiseCount() <= before {
		t.Fatalf("expected OnPeerConnect to trigger another advertisement")
	}

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
}
