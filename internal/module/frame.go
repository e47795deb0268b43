package module

// Frame is the peer-wire taxonomy the core recognises: DATA,
// REJECT, EXCEPT, and nothing else. Payload inside a DataFrame is opaque to
// the core and passed verbatim to the module.
type Frame interface {
	isFrame()
}

type DataFrame struct {
	Payload []byte
}

type RejectFrame struct {
	Message string
}

type ExceptFrame struct{}

func (DataFrame) isFrame()   {}
func (RejectFrame) isFrame() {}
func (ExceptFrame) isFrame() {}
