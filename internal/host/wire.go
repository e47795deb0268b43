package host

import (
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// wireMessage is the single envelope type multiplexed over a standalone
// module's parent/child pipe: one tagged struct with a Kind discriminator,
// rather than comparing dynamic types directly over gob.
//
// Grounded on the gob-handshake-then-mux loop of minimega's
// internal/minitunnel/minitunnel.go, trimmed from a general-purpose
// multiplexed tunnel down to this fixed small message protocol.
type wireMessage struct {
	Kind wireKind

	// parent -> child
	CBName  string // CALL
	Args    []byte // CALL, RECV
	Payload []byte // RECV

	// child -> parent
	PeerName   string // SEND
	UserName   string // SEND
	ModuleName string // SEND
	Result     []byte // RETURN
	ErrKind    string // EXCEPT
	ErrMessage string // EXCEPT
	ErrTrace   string // EXCEPT
	Working    bool   // WORKSTATE
}

type wireKind int

const (
	wireCall wireKind = iota
	wireRecv
	wireShutdown
	wireSend
	wireReturn
	wireExcept
	wireWorkState
)

func (k wireKind) String() string {
	switch k {
	case wireCall:
		return "CALL"
	case wireRecv:
		return "RECV"
	case wireShutdown:
		return "SHUTDOWN"
	case wireSend:
		return "SEND"
	case wireReturn:
		return "RETURN"
	case wireExcept:
		return "EXCEPT"
	case wireWorkState:
		return "WORKSTATE"
	default:
		return fmt.Sprintf("wireKind(%d)", int(k))
	}
}

func init() {
	gob.Register(wireMessage{})
}

// pipe wraps a gob encoder/decoder pair over an io.ReadWriteCloser, exactly
// as minimega's minitunnel.Tunnel wraps a transport. Sends are
// serialized; reads are expected to happen from a single goroutine (the
// mux loop).
type pipe struct {
	rwc io.ReadWriteCloser
	enc *gob.Encoder
	dec *gob.Decoder

	sendMu sync.Mutex
}

func newPipe(rwc io.ReadWriteCloser) *pipe {
	return &pipe{
		rwc: rwc,
		enc: gob.NewEncoder(rwc),
		dec: gob.NewDecoder(rwc),
	}
}

func (p *pipe) send(m wireMessage) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.enc.Encode(&m)
}

func (p *pipe) recv() (wireMessage, error) {
	var m wireMessage
	err := p.dec.Decode(&m)
	return m, err
}

func (p *pipe) Close() error {
	return p.rwc.Close()
}
