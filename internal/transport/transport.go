// Package transport is a reference module.PeerTransport: one
// persistent mutual-TLS connection per configured peer in a static
// federation, carrying SysInfo advertisements and module frames as
// gob-encoded envelopes. There is no discovery and no multi-hop routing —
// every peer is either dialed directly or accepted directly.
//
// Grounded on minimega's internal/meshage/client.go: one goroutine per
// connection decoding into a Message loop, a lock-guarded gob.Encoder for
// writes, and exactly the mux-loop idiom minus route.go's Dijkstra
// multi-hop forwarding (the federation here is flat, so it has no role).
package transport

import (
	"context"
	"crypto/tls"
	"encoding/gob"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	log "github.com/fpemud/selfnetd/pkg/minilog"

	"github.com/fpemud/selfnetd/internal/module"
)

// Peer is one entry in the static federation. Address is empty for a peer this host only accepts
// connections from (it dials us instead).
type Peer struct {
	Name    string
	Address string
}

// Config configures the Transport.
type Config struct {
	SelfName   string
	ListenAddr string
	Peers      []Peer
	TLSConfig  *tls.Config // nil only in tests that bypass TLS entirely
}

func init() {
	gob.Register(envelope{})
}

type envelopeKind int

const (
	envHello envelopeKind = iota
	envSysInfo
	envData
	envReject
	envExcept
)

// envelope is the single wire type multiplexed over a peer connection,
// carrying both roster announcements and module frames.
type envelope struct {
	Kind envelopeKind

	// envHello
	PeerName     string
	InstanceID   string

	// envSysInfo
	Users   []string
	Modules []module.ModuleKey

	// envData / envReject
	UserName   string
	ModuleName string
	Payload    []byte
	Message    string
}

// Transport implements module.PeerTransport.
type Transport struct {
	cfg     Config
	clock   clock.Clock
	handler module.TransportHandler

	mu      sync.Mutex
	conns   map[string]*peerConn // live connection per peer name
	cancel  map[string]context.CancelFunc
	stopped bool

	listener net.Listener
}

// New builds a Transport. Call Start to begin connecting.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		clock:  clock.New(),
		conns:  make(map[string]*peerConn),
		cancel: make(map[string]context.CancelFunc),
	}
}

// Start implements module.PeerTransport.
func (t *Transport) Start(handler module.TransportHandler) error {
	t.handler = handler

	if t.cfg.ListenAddr != "" {
		ln, err := t.listen()
		if err != nil {
			return errors.Wrap(err, "transport: listen")
		}
		t.listener = ln
		go t.acceptLoop(ln)
	}

	for _, p := range t.cfg.Peers {
		if p.Address == "" {
			continue // accept-only peer; it dials us
		}
		// Avoid both ends dialing each other: the lexicographically
		// smaller name is the dialer.
		if t.cfg.SelfName >= p.Name {
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		t.mu.Lock()
		t.cancel[p.Name] = cancel
		t.mu.Unlock()
		go t.dialLoop(ctx, p)
	}

	return nil
}

// Stop implements module.PeerTransport.
func (t *Transport) Stop() error {
	t.mu.Lock()
	t.stopped = true
	for _, cancel := range t.cancel {
		cancel()
	}
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if t.listener != nil {
		return t.listener.Close()
	}
	return nil
}

// SendFrame implements module.PeerTransport.
func (t *Transport) SendFrame(peerName, userName, moduleName string, frame module.Frame) error {
	t.mu.Lock()
	c, ok := t.conns[peerName]
	t.mu.Unlock()
	if !ok {
		return errors.Errorf("transport: no connection to peer %q", peerName)
	}

	env := envelope{UserName: userName, ModuleName: moduleName}
	switch f := frame.(type) {
	case module.DataFrame:
		env.Kind = envData
		env.Payload = f.Payload
	case module.RejectFrame:
		env.Kind = envReject
		env.Message = f.Message
	case module.ExceptFrame:
		env.Kind = envExcept
	default:
		return errors.Errorf("transport: unknown frame type %T", frame)
	}
	return c.send(env)
}

// AdvertiseLocal implements module.PeerTransport. The manager calls this on
// every OnPeerConnect and whenever its own getLocalInfo may have changed;
// broadcasting unconditionally to every connection is always correct since
// roster feeding is idempotent.
func (t *Transport) AdvertiseLocal(info *module.SysInfo) {
	env := envelope{Users: info.SortedUsers(), Modules: info.SortedModules()}
	env.Kind = envSysInfo

	t.mu.Lock()
	conns := make([]*peerConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		if err := c.send(env); err != nil {
			log.Debug("transport: advertising to %s: %v", c.peerName, err)
		}
	}
}

func sysInfoFromEnvelope(env envelope) *module.SysInfo {
	info := module.NewSysInfo()
	for _, u := range env.Users {
		info.AddUser(u)
	}
	for _, m := range env.Modules {
		info.AddModule(m.ModuleName, m.UserName)
	}
	return info
}

func (t *Transport) listen() (net.Listener, error) {
	if t.cfg.TLSConfig != nil {
		return tls.Listen("tcp", t.cfg.ListenAddr, t.cfg.TLSConfig)
	}
	return net.Listen("tcp", t.cfg.ListenAddr)
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if !stopped {
				log.Error("transport: accept: %v", err)
			}
			return
		}
		go t.handshakeInbound(conn)
	}
}

func (t *Transport) handshakeInbound(conn net.Conn) {
	pc := newPeerConn(conn)
	if err := pc.send(envelope{Kind: envHello, PeerName: t.cfg.SelfName, InstanceID: uuid.NewString()}); err != nil {
		conn.Close()
		return
	}
	env, err := pc.recv()
	if err != nil || env.Kind != envHello {
		conn.Close()
		return
	}
	pc.peerName = env.PeerName
	t.adopt(pc)
	t.readLoop(pc)
}

// dialLoop maintains an outbound connection to p, reconnecting with
// exponential backoff.
func (t *Transport) dialLoop(ctx context.Context, p Peer) {
	b := backoff.NewExponentialBackOff()
	b.Clock = t.clock
	bo := backoff.WithContext(b, ctx)

	for {
		connectedAt := t.clock.Now()
		err := t.dialOnce(ctx, p)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("transport: dial %s (%s): %v", p.Name, p.Address, err)
		}
		if t.clock.Now().Sub(connectedAt) > 2*b.MaxInterval {
			// the session lasted long enough to count as healthy; don't
			// let an old backoff state punish a fresh reconnect attempt.
			b.Reset()
		}
		d := bo.NextBackOff()
		if d == backoff.Stop {
			return
		}
		select {
		case <-t.clock.After(d):
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) dialOnce(ctx context.Context, p Peer) error {
	var conn net.Conn
	var err error
	if t.cfg.TLSConfig != nil {
		d := tls.Dialer{Config: t.cfg.TLSConfig}
		conn, err = d.DialContext(ctx, "tcp", p.Address)
	} else {
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", p.Address)
	}
	if err != nil {
		return err
	}

	pc := newPeerConn(conn)
	if err := pc.send(envelope{Kind: envHello, PeerName: t.cfg.SelfName, InstanceID: uuid.NewString()}); err != nil {
		conn.Close()
		return err
	}
	env, err := pc.recv()
	if err != nil || env.Kind != envHello {
		conn.Close()
		return errors.New("transport: handshake failed")
	}
	pc.peerName = p.Name

	t.adopt(pc)
	t.readLoop(pc) // blocks until the connection drops
	return nil
}

// adopt registers pc as the live connection for its peer. The handshake
// alone carries no SysInfo, so adopt tells the handler a connection now
// exists via OnPeerConnect; the handler is expected to respond with
// AdvertiseLocal (see Transport.AdvertiseLocal), which is what actually puts
// an envSysInfo on the wire. Callers are responsible for running
// readLoop(pc) themselves, since both the inbound and outbound call sites
// are already on their own goroutine.
func (t *Transport) adopt(pc *peerConn) {
	t.mu.Lock()
	t.conns[pc.peerName] = pc
	t.mu.Unlock()

	if t.handler != nil {
		t.handler.OnPeerConnect(pc.peerName)
	}
}

func (t *Transport) readLoop(pc *peerConn) {
	defer t.drop(pc)
	for {
		env, err := pc.recv()
		if err != nil {
			return
		}

		switch env.Kind {
		case envSysInfo:
			if t.handler != nil {
				t.handler.OnPeerChange(pc.peerName, sysInfoFromEnvelope(env))
			}
		case envData:
			if t.handler != nil {
				t.handler.OnPeerFrame(pc.peerName, env.UserName, env.ModuleName, module.DataFrame{Payload: env.Payload})
			}
		case envReject:
			if t.handler != nil {
				t.handler.OnPeerFrame(pc.peerName, env.UserName, env.ModuleName, module.RejectFrame{Message: env.Message})
			}
		case envExcept:
			if t.handler != nil {
				t.handler.OnPeerFrame(pc.peerName, env.UserName, env.ModuleName, module.ExceptFrame{})
			}
		}
	}
}

func (t *Transport) drop(pc *peerConn) {
	t.mu.Lock()
	if t.conns[pc.peerName] == pc {
		delete(t.conns, pc.peerName)
	}
	t.mu.Unlock()
	pc.Close()

	if t.handler != nil {
		t.handler.OnPeerRemove(pc.peerName)
	}
}

type peerConn struct {
	peerName string
	conn     net.Conn
	enc      *gob.Encoder
	dec      *gob.Decoder
	sendMu   sync.Mutex
}

func newPeerConn(conn net.Conn) *peerConn {
	return &peerConn{conn: conn, enc: gob.NewEncoder(conn), dec: gob.NewDecoder(conn)}
}

func (c *peerConn) send(env envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.enc.Encode(&env)
}

func (c *peerConn) recv() (envelope, error) {
	var env envelope
	err := c.dec.Decode(&env)
	return env, err
}

func (c *peerConn) Close() error {
	return c.conn.Close()
}
