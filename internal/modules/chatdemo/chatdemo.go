// Package chatdemo is a minimal server/client module pair: a user-scoped
// chat channel where the client sends lines and the server echoes or
// rejects them. It exists as a worked example of implementing module.Module,
// not as part of the core.
package chatdemo

import (
	"fmt"
	"strings"

	"github.com/fpemud/selfnetd/internal/module"
)

func init() {
	module.DefaultRegistry.Register("chatdemo-server", func() module.Module { return &Server{} })
	module.DefaultRegistry.Register("chatdemo-client", func() module.Module { return &Client{} })
}

// Server is the "chat-server" side: it echoes every line it receives,
// prefixed with the sending user's name, and rejects anything containing
// the word "spam".
type Server struct {
	id module.Identity
}

func (s *Server) OnInit(ctx *module.Context) error {
	s.id = ctx.Identity
	return nil
}

func (s *Server) OnActive(ctx *module.Context) error {
	return nil
}

func (s *Server) OnInactive(ctx *module.Context) error {
	return nil
}

func (s *Server) OnRecv(ctx *module.Context, payload []byte) error {
	line := string(payload)
	if strings.Contains(strings.ToLower(line), "spam") {
		return module.NewReject("line rejected as spam: %q", line)
	}
	reply := fmt.Sprintf("%s> %s", ctx.Identity.UserName, line)
	ctx.Send([]byte(reply))
	return nil
}

// Client is the "chat-client" side: on activation it greets the server;
// on each received line it reports work by toggling WorkState for the
// duration of "processing" the line.
type Client struct {
	id module.Identity
}

func (c *Client) OnInit(ctx *module.Context) error {
	c.id = ctx.Identity
	return nil
}

func (c *Client) OnActive(ctx *module.Context) error {
	ctx.Send([]byte("hello"))
	return nil
}

func (c *Client) OnInactive(ctx *module.Context) error {
	return nil
}

func (c *Client) OnRecv(ctx *module.Context, payload []byte) error {
	ctx.SetWorkState(module.WorkWorking)
	defer ctx.SetWorkState(module.WorkIdle)
	_ = string(payload) // a real client would render this somewhere
	return nil
}
