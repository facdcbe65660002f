package server

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/handshake"
	"github.com/koltyakov/duplex/internal/session"
)

// Hub is the one capability every mounted hub has: a route and the methods
// clients may invoke on it.
type Hub interface {
	Route() string
	Bind(b *Binder) error
}

// SessionHub hubs get a per-identity session store when mounted.
type SessionHub interface {
	Hub
	AttachSessions(store *session.Store)
}

// AuthHub hubs protect their primary route with bearer tokens and expose an
// anonymous auth route that issues them.
type AuthHub interface {
	Hub
	AuthRoute() string
	Authorize(ctx context.Context, credential jsoniter.RawMessage, caller handshake.Caller) (auth.Result, any, error)
	ValidationParameters() *auth.ValidationParameters
}

// ConnectHook is called once a connection is registered, before its first
// inbound message is read.
type ConnectHook interface {
	OnConnected(c *Conn)
}

// DisconnectHook is called after a connection is torn down. err is nil for a
// clean close.
type DisconnectHook interface {
	OnDisconnected(c *Conn, err error)
}

// IdentityProvider overrides how a connection's identity is derived.
type IdentityProvider interface {
	Identity(c *Conn) string
}

// Binder is handed to Hub.Bind to install server methods.
type Binder struct {
	table   *dispatch.Table
	clients *Clients
}

// On binds a method with typed parameters.
func (b *Binder) On(name string, h dispatch.Handler, params ...dispatch.ParamType) error {
	binding, err := dispatch.NewBinding(name, h, params...)
	if err != nil {
		return err
	}
	return b.table.Add(binding)
}

// Stream binds a server-to-client stream producer.
func (b *Binder) Stream(name string, fn dispatch.StreamFunc, params ...dispatch.ParamType) error {
	binding, err := dispatch.NewStreamBinding(name, fn, params...)
	if err != nil {
		return err
	}
	return b.table.Add(binding)
}

// Contract binds every method member of c from impl.
func (b *Binder) Contract(c *dispatch.Contract, impl dispatch.Impl) (dispatch.BindReport, error) {
	return dispatch.Bind(b.table, c, impl)
}

// Clients returns the connection registry of the hub being bound.
func (b *Binder) Clients() *Clients { return b.clients }

// Caller returns the connection an invocation arrived on.
func Caller(inv *dispatch.Invocation) (*Conn, bool) {
	if inv == nil {
		return nil, false
	}
	c, ok := inv.Caller.(*Conn)
	return c, ok && c != nil
}
