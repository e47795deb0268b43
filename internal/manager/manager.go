// Package manager implements the Local Manager façade and Self-Peer
// Loopback: it builds every Module Instance Descriptor the local config
// permits, owns the single cooperative event loop that every Descriptor
// mutation runs on, and routes external events (peer frames, roster
// changes, module-originated sends) to the Roster Reconciler and FSM
// Engine.
//
// Grounded on the loop/queue idiom of minimega's internal/meshage.Node
// message-handling goroutine and internal/ron.Server's response dispatch
// loop.
package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/fsm"
	"github.com/fpemud/selfnetd/internal/host"
	"github.com/fpemud/selfnetd/internal/instance"
	"github.com/fpemud/selfnetd/internal/module"
	"github.com/fpemud/selfnetd/internal/roster"
)

// HostFactory builds the instance.Host that will run a given Descriptor's
// callbacks, in-process or standalone depending on cat.Standalone().
type HostFactory func(id module.Identity, cat module.CatalogEntry, tmpDir string, schedule host.Scheduler, onComplete host.CompletionFunc, setWorkState func(module.WorkState), send func([]byte)) (instance.Host, error)

// WorkStateObserver is notified exactly once per IDLE<->WORKING edge of the
// aggregate work state.
type WorkStateObserver func(module.WorkState)

// StateObserver is notified after every FSM transition applied to any
// Descriptor, for an introspection surface to relay onward. Purely
// advisory: nothing in the core depends on it being installed.
type StateObserver func(id module.Identity, state module.State, failMessage string)

// Manager is the Local Manager façade. Its transport event inputs
// (OnPeerChange, OnPeerRemove, OnPeerFrame) enqueue work onto the internal
// loop goroutine and return without waiting for it to run, matching the
// "deferred, not synchronous" rule that makes self-loopback safe. The Get*
// queries read state directly, and OnPeerConnect/OnAfterResume advertise
// the local roster directly.
type Manager struct {
	config  module.ConfigProvider
	users   module.UserDirectory
	newHost HostFactory
	runDir  string

	transport     module.PeerTransport
	observer      WorkStateObserver
	stateObserver StateObserver

	engine *fsm.Engine

	tasks chan func()
	done  chan struct{}

	mu          sync.RWMutex
	descriptors map[module.Identity]*instance.Descriptor
	byPeer      map[string][]module.Identity // all identities, keyed by peer, for reconciliation
	aggWork     module.WorkState
}

// New constructs a Manager but does not yet build any descriptor; call
// Init to do that.
func New(config module.ConfigProvider, users module.UserDirectory, newHost HostFactory, runDir string, transport module.PeerTransport, observer WorkStateObserver, stateObserver StateObserver) *Manager {
	m := &Manager{
		config:        config,
		users:         users,
		newHost:       newHost,
		runDir:        runDir,
		transport:     transport,
		observer:      observer,
		stateObserver: stateObserver,
		tasks:         make(chan func(), 256),
		done:          make(chan struct{}),
		descriptors:   make(map[module.Identity]*instance.Descriptor),
		byPeer:        make(map[string][]module.Identity),
	}
	m.engine = fsm.New(m.sendFrame)
	if stateObserver != nil {
		m.engine.SetStateChangeFunc(func(d *instance.Descriptor) {
			stateObserver(d.Identity(), d.State(), d.FailMessage())
		})
	}
	return m
}

// schedule is the host.Scheduler every instance.Host is built with: it
// defers f onto the loop goroutine, never runs it on the caller's stack.
func (m *Manager) schedule(f func()) {
	m.tasks <- f
}

// loop is the single cooperative event loop. It must run on its
// own goroutine for the Manager's lifetime; every Descriptor mutation
// happens here and nowhere else.
func (m *Manager) loop() {
	for {
		select {
		case f := <-m.tasks:
			f()
		case <-m.done:
			return
		}
	}
}

// Init builds every Descriptor the local config and user directory permit,
// dispatches onInit on each, and schedules the self-roster event so
// local-peer instances can activate once every onInit has returned. It returns once every onInit has been dispatched,
// not necessarily completed.
func (m *Manager) Init() error {
	go m.loop()

	users, err := m.eligibleUsers()
	if err != nil {
		return fmt.Errorf("manager: init: %w", err)
	}

	selfName := m.config.SelfName()
	peers := m.config.HostNames()

	for _, cat := range m.config.ModuleCatalogue() {
		if _, _, _, err := module.ParseModuleName(cat.Name); err != nil {
			return fmt.Errorf("manager: init: %w", err)
		}

		for _, peer := range peers {
			if peer == selfName && !cat.AllowLocalPeer() {
				continue
			}

			if cat.Scope == module.ScopeUsr {
				for _, u := range users {
					m.buildDescriptor(module.Identity{PeerName: peer, UserName: u, ModuleName: cat.Name}, cat)
				}
			} else {
				m.buildDescriptor(module.Identity{PeerName: peer, ModuleName: cat.Name}, cat)
			}
		}
	}

	m.mu.RLock()
	all := make([]*instance.Descriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		all = append(all, d)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	m.schedule(func() {
		for _, d := range all {
			m.engine.Init(d)
		}
		close(done)
	})
	<-done

	if m.transport != nil {
		if err := m.transport.Start(m); err != nil {
			return fmt.Errorf("manager: starting transport: %w", err)
		}
		m.advertiseLocal()
	}

	// Schedule the self-roster event: local-peer instances (if any) observe
	// their own advertisement and may activate.
	m.scheduleSelfRoster()

	return nil
}

func (m *Manager) buildDescriptor(id module.Identity, cat module.CatalogEntry) {
	tmpDir := filepath.Join(m.runDir, sanitizeDirName(id.String()))

	var d *instance.Descriptor
	h, err := m.newHost(
		id, cat, tmpDir,
		m.schedule,
		func(cbName string, err error) {
			if cbName == "" {
				// An unsolicited crash report: no callback was in flight for
				// the host to complete, so there is nothing for Completed to
				// match against.
				m.engine.Crashed(d, err)
				return
			}
			m.engine.Completed(d, cbName, err)
		},
		func(ws module.WorkState) { m.onWorkState(d, ws) },
		func(payload []byte) { m.sendData(id, payload) },
	)
	if err != nil {
		log.Error("manager: building host for %v: %v", id, err)
		return
	}

	d = instance.New(id, cat, h, tmpDir)

	m.mu.Lock()
	m.descriptors[id] = d
	m.byPeer[id.PeerName] = append(m.byPeer[id.PeerName], id)
	m.mu.Unlock()
}

func sanitizeDirName(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

func (m *Manager) eligibleUsers() ([]string, error) {
	all, err := m.users.Users()
	if err != nil {
		return nil, err
	}
	blacklist := make(map[string]struct{})
	for _, b := range m.config.UserBlacklist() {
		blacklist[b] = struct{}{}
	}
	out := make([]string, 0, len(all))
	for _, u := range all {
		if _, blocked := blacklist[u]; !blocked {
			out = append(out, u)
		}
	}
	return out, nil
}

// GetLocalInfo builds this host's SysInfo:
// blacklisted users excluded, one module entry per (catalogue entry, user)
// the same way Init expanded descriptors.
func (m *Manager) GetLocalInfo() (*module.SysInfo, error) {
	users, err := m.eligibleUsers()
	if err != nil {
		return nil, err
	}
	info := module.NewSysInfo()
	for _, u := range users {
		info.AddUser(u)
	}
	for _, cat := range m.config.ModuleCatalogue() {
		if cat.Scope == module.ScopeUsr {
			for _, u := range users {
				info.AddModule(cat.Name, u)
			}
		} else {
			info.AddModule(cat.Name, "")
		}
	}
	return info, nil
}

// scheduleSelfRoster synthesises a peer-change event for this host's own
// SysInfo against every descriptor whose PeerName is the local host,
// driving local-peer activation without a network hop.
func (m *Manager) scheduleSelfRoster() {
	info, err := m.GetLocalInfo()
	if err != nil {
		log.Error("manager: self-roster: %v", err)
		return
	}
	selfName := m.config.SelfName()
	m.schedule(func() { m.reconcilePeer(selfName, info) })
}

// GetWorkState reports WORKING iff any descriptor's workState is WORKING.
func (m *Manager) GetWorkState() module.WorkState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.aggWork
}

func (m *Manager) onWorkState(d *instance.Descriptor, ws module.WorkState) {
	m.schedule(func() {
		if !d.SetWorkState(ws) {
			return
		}
		m.recomputeAggregateWorkState()
	})
}

func (m *Manager) recomputeAggregateWorkState() {
	m.mu.Lock()
	working := module.WorkIdle
	for _, d := range m.descriptors {
		if d.WorkState() == module.WorkWorking {
			working = module.WorkWorking
			break
		}
	}
	changed := working != m.aggWork
	m.aggWork = working
	m.mu.Unlock()

	if changed && m.observer != nil {
		m.observer(working)
	}
}

// GetModuleKeys returns every locally-owned Descriptor's identity.
func (m *Manager) GetModuleKeys() []module.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]module.Identity, 0, len(m.descriptors))
	for id := range m.descriptors {
		out = append(out, id)
	}
	return out
}

// GetModuleState returns one Descriptor's (state, failMessage) pair.
func (m *Manager) GetModuleState(id module.Identity) (module.State, string, bool) {
	m.mu.RLock()
	d, ok := m.descriptors[id]
	m.mu.RUnlock()
	if !ok {
		return 0, "", false
	}
	return d.State(), d.FailMessage(), true
}

// OnPeerChange implements the transport-facing event input.
func (m *Manager) OnPeerChange(peerName string, info *module.SysInfo) {
	m.schedule(func() { m.reconcilePeer(peerName, info) })
}

// OnPeerRemove implements the transport-facing event input.
func (m *Manager) OnPeerRemove(peerName string) {
	m.schedule(func() { m.reconcilePeer(peerName, nil) })
}

// OnPeerConnect implements the transport-facing event input: a connection to
// peerName now exists but nothing has been exchanged over it yet. The
// manager responds by pushing its own SysInfo to every connected peer so
// peerName's roster reconciler has this host's advertisement to act on.
func (m *Manager) OnPeerConnect(peerName string) {
	m.advertiseLocal()
}

// advertiseLocal pushes GetLocalInfo() to the transport, if one is wired.
// Called after the transport starts, on every new peer connection, and on
// resume, since any of those may be the first chance a given peer has had to
// see this host's current roster.
func (m *Manager) advertiseLocal() {
	if m.transport == nil {
		return
	}
	info, err := m.GetLocalInfo()
	if err != nil {
		log.Error("manager: advertising local info: %v", err)
		return
	}
	m.transport.AdvertiseLocal(info)
}

func (m *Manager) reconcilePeer(peerName string, info *module.SysInfo) {
	m.mu.RLock()
	ids := append([]module.Identity(nil), m.byPeer[peerName]...)
	m.mu.RUnlock()

	owned := make([]roster.Owned, len(ids))
	descs := make([]*instance.Descriptor, len(ids))
	for i, id := range ids {
		m.mu.RLock()
		d := m.descriptors[id]
		m.mu.RUnlock()
		descs[i] = d
		owned[i] = roster.Owned{UserName: id.UserName, ModuleName: id.ModuleName}
	}

	events := roster.Reconcile(owned, info)
	for i, ev := range events {
		m.engine.Post(descs[i], ev)
	}
}

// OnPeerFrame implements the transport-facing event input: a
// frame addressed to (peerName, userName, srcModuleName) from peerName's
// point of view. The local Descriptor is identified by mapping
// srcModuleName through the server/client name flip.
func (m *Manager) OnPeerFrame(peerName, userName, srcModuleName string, frame module.Frame) {
	m.schedule(func() {
		id := module.Identity{PeerName: peerName, UserName: userName, ModuleName: module.MappedModuleName(srcModuleName)}
		m.deliverFrame(id, frame)
	})
}

func (m *Manager) deliverFrame(id module.Identity, frame module.Frame) {
	m.mu.RLock()
	d, ok := m.descriptors[id]
	m.mu.RUnlock()
	if !ok {
		log.Debug("manager: frame for unknown instance %v dropped", id)
		return
	}

	switch f := frame.(type) {
	case module.DataFrame:
		m.engine.Post(d, fsm.Event{Kind: fsm.EvRecvData, Payload: f.Payload})
	case module.RejectFrame:
		m.engine.Post(d, fsm.Event{Kind: fsm.EvRecvReject, Message: f.Message})
	case module.ExceptFrame:
		m.engine.Post(d, fsm.Event{Kind: fsm.EvRecvExcept})
	}
}

// sendData implements the module-originated send: it
// routes to the transport, except for the self-peer, which is re-injected
// into the inbound queue via the loop rather than delivered synchronously
// — this is what keeps a sendData issued from inside
// onRecv from recursing into another callback while pending is still set.
func (m *Manager) sendData(id module.Identity, payload []byte) {
	selfName := m.config.SelfName()
	if id.PeerName == selfName {
		m.schedule(func() {
			peerID := module.Identity{PeerName: selfName, UserName: id.UserName, ModuleName: module.MappedModuleName(id.ModuleName)}
			m.deliverFrame(peerID, module.DataFrame{Payload: payload})
		})
		return
	}

	if m.transport == nil {
		log.Warn("manager: sendData for %v: no transport configured", id)
		return
	}
	if err := m.transport.SendFrame(id.PeerName, id.UserName, id.ModuleName, module.DataFrame{Payload: payload}); err != nil {
		log.Error("manager: sendData for %v: %v", id, err)
	}
}

// sendFrame is the fsm.SendFunc: it hands REJECT/EXCEPT frames emitted by
// the engine to the same routing sendData uses for DATA.
func (m *Manager) sendFrame(id module.Identity, frame module.Frame) {
	selfName := m.config.SelfName()
	if id.PeerName == selfName {
		m.schedule(func() {
			peerID := module.Identity{PeerName: selfName, UserName: id.UserName, ModuleName: module.MappedModuleName(id.ModuleName)}
			m.deliverFrame(peerID, frame)
		})
		return
	}
	if m.transport == nil {
		return
	}
	if err := m.transport.SendFrame(id.PeerName, id.UserName, id.ModuleName, frame); err != nil {
		log.Error("manager: sending %T for %v: %v", frame, id, err)
	}
}

// OnBeforeSuspend and OnAfterResume are the sleep/resume hooks a host
// power-management integration calls around a suspend cycle. Treating resume
// as a fresh self-roster event re-fires the same activation path Init used
// at startup, without tearing down any Descriptor; re-advertising lets any
// peer that dropped the connection during suspend pick the roster back up
// once it reconnects.
func (m *Manager) OnBeforeSuspend() {
	log.Info("manager: suspending")
}

func (m *Manager) OnAfterResume() {
	log.Info("manager: resumed, re-running self-roster")
	m.scheduleSelfRoster()
	m.advertiseLocal()
}

// Dispose forces every self-peer Descriptor to peer-removed, then asserts
// every Descriptor ends in INACTIVE or EXCEPT. Callers must not invoke any other method afterward.
func (m *Manager) Dispose() error {
	selfName := m.config.SelfName()

	done := make(chan struct{})
	var badStates []string
	m.schedule(func() {
		m.reconcilePeer(selfName, nil)

		m.mu.RLock()
		for id, d := range m.descriptors {
			s := d.State()
			if s != module.StateInactive && s != module.StateExcept {
				badStates = append(badStates, fmt.Sprintf("%v: %s", id, s))
			}
		}
		m.mu.RUnlock()
		close(done)
	})
	<-done

	if m.transport != nil {
		if err := m.transport.Stop(); err != nil {
			log.Error("manager: stopping transport: %v", err)
		}
	}

	m.mu.RLock()
	for _, d := range m.descriptors {
		d.Host().Shutdown()
	}
	m.mu.RUnlock()

	close(m.done)
	os.RemoveAll(m.runDir)

	if len(badStates) > 0 {
		return fmt.Errorf("manager: dispose: instances not quiescent: %v", badStates)
	}
	return nil
}
