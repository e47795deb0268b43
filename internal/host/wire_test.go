package host

import (
	"errors"
	"io"
	"testing"

	"github.com/fpemud/selfnetd/internal/module"
)

// rwcPipe adapts a pair of io.Pipe ends into the io.ReadWriteCloser newPipe
// wants, so pipe.send/recv can be tested without a real subprocess.
type rwcPipe struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p rwcPipe) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p rwcPipe) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p rwcPipe) Close() error {
	p.r.Close()
	return p.w.Close()
}

func connectedPipes() (*pipe, *pipe) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	// a's writes are b's reads, and vice versa.
	a := newPipe(rwcPipe{r: ar, w: bw})
	b := newPipe(rwcPipe{r: br, w: aw})
	return a, b
}

func TestPipeSendRecvRoundTrip(t *testing.T) {
	a, b := connectedPipes()
	defer a.Close()
	defer b.Close()

	want := wireMessage{Kind: wireRecv, CBName: "onRecv", Payload: []byte("hello")}

	errc := make(chan error, 1)
	go func() { errc <- a.send(want) }()

	got, err := b.recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	if got.Kind != want.Kind || got.CBName != want.CBName || string(got.Payload) != string(want.Payload) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestWireKindString(t *testing.T) {
	cases := map[wireKind]string{
		wireCall:      "CALL",
		wireRecv:      "RECV",
		wireShutdown:  "SHUTDOWN",
		wireSend:      "SEND",
		wireReturn:    "RETURN",
		wireExcept:    "EXCEPT",
		wireWorkState: "WORKSTATE",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("wireKind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

func TestClassifyChildErrorDistinguishesRejectFromExcept(t *testing.T) {
	kind, message, trace := classifyChildError(module.NewReject("line rejected"))
	if kind != "reject" || message != "line rejected" || trace != "" {
		t.Errorf("reject: got (%q, %q, %q)", kind, message, trace)
	}

	kind, message, _ = classifyChildError(errors.New("boom"))
	if kind != "except" || message != "boom" {
		t.Errorf("except: got (%q, %q)", kind, message)
	}
}

type panickyModule struct{}

func (panickyModule) OnInit(ctx *module.Context) error     { return nil }
func (panickyModule) OnActive(ctx *module.Context) error   { return nil }
func (panickyModule) OnInactive(ctx *module.Context) error { return nil }
func (panickyModule) OnRecv(ctx *module.Context, payload []byte) error {
	panic("kaboom")
}

func TestInvokeChildRecoversPanics(t *testing.T) {
	ctx := module.NewContext(module.Identity{}, t.TempDir(), nil, nil)
	err := invokeChild(panickyModule{}, "onRecv", ctx, nil)
	if err == nil {
		t.Fatalf("expected invokeChild to turn a panic into an error")
	}
}
