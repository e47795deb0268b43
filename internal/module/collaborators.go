package module

// ConfigProvider is consumed by the manager at init. It must be
// stable for the lifetime of one manager: the manager never polls it for
// changes, but reads it again after init (SelfName, ModuleCatalogue and
// UserBlacklist are consulted by later queries and sends).
type ConfigProvider interface {
	// SelfName is this host's own name in HostNames.
	SelfName() string

	// HostNames lists every peer in the static federation, including self.
	HostNames() []string

	// ModuleCatalogue lists every module this host enables. A name that
	// does not parse as "<class>-<role>-<tag>" is a config error
	// and must have been rejected before this is called.
	ModuleCatalogue() []CatalogEntry

	// UserBlacklist lists user names to exclude from getLocalInfo and from
	// per-user module instantiation.
	UserBlacklist() []string
}

// UserDirectory provides the set of real local users.
type UserDirectory interface {
	Users() ([]string, error)
}

// TransportHandler receives events from a PeerTransport: frames addressed to
// this host, and roster changes for peers. Implemented by the manager.
type TransportHandler interface {
	OnPeerChange(peerName string, info *SysInfo)
	OnPeerRemove(peerName string)
	OnPeerFrame(peerName, userName, srcModuleName string, frame Frame)

	// OnPeerConnect fires once a connection to peerName is established,
	// before any SysInfo has been exchanged over it. The handler is
	// expected to respond with AdvertiseLocal so the peer's roster
	// reconciler has something to act on.
	OnPeerConnect(peerName string)
}

// PeerTransport is the external collaborator that moves frames and roster
// announcements between hosts. The core trusts every frame
// PeerTransport delivers; authentication is the transport's job.
type PeerTransport interface {
	// Start begins delivering events to handler. Must be called exactly
	// once, before any SendFrame.
	Start(handler TransportHandler) error

	// Stop tears down all peer connections. Idempotent.
	Stop() error

	// SendFrame transmits frame to (peerName, userName, moduleName) on the
	// wire. moduleName is this host's own module name (the peer flips its
	// server/client role before dispatch).
	SendFrame(peerName, userName, moduleName string, frame Frame) error

	// AdvertiseLocal pushes info to every currently connected peer.
	// Idempotent: a peer that already has the current SysInfo simply
	// reconciles against an unchanged roster.
	AdvertiseLocal(info *SysInfo)
}
