package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/hubproto"
	"github.com/koltyakov/duplex/internal/metrics"
	"github.com/koltyakov/duplex/internal/session"
)

// Conn is one client connected to a hub route.
type Conn struct {
	id         string
	route      string
	identity   string
	remoteAddr string
	header     http.Header
	claims     *auth.Claims

	ws   *websocket.Conn
	pump *hubproto.WSWritePump
	ref  *session.Ref
	ep   *endpoint

	ctx    context.Context
	cancel context.CancelFunc

	pending      sync.Map // invocation id -> chan hubproto.Message
	streams      sync.Map // stream id -> context.CancelFunc
	seq          atomic.Uint64
	lastSeen     atomic.Int64
	closing      atomic.Bool
	shutdownOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

// ConnectionID is ID under the name handshake validators expect.
func (c *Conn) ConnectionID() string { return c.id }

func (c *Conn) Route() string { return c.route }

// Identity is the session key of the connection: the token subject unless
// the hub provides its own.
func (c *Conn) Identity() string { return c.identity }

func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Header returns a header of the upgrade request.
func (c *Conn) Header(key string) string { return c.header.Get(key) }

// Claims are the verified bearer token claims, nil on anonymous routes.
func (c *Conn) Claims() *auth.Claims { return c.claims }

// Context is cancelled when the connection goes away.
func (c *Conn) Context() context.Context { return c.ctx }

// Session returns the current snapshot of the connection's session.
func (c *Conn) Session() (session.Session, bool) {
	if c.ref == nil {
		return session.Session{}, false
	}
	return c.ref.Session()
}

// Send invokes target on the client without waiting for it to run.
func (c *Conn) Send(ctx context.Context, target string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := hubproto.Invocation("", target, args...)
	if err != nil {
		return err
	}
	return c.writeInvocation("send "+target, msg)
}

// Invoke calls target on the client and waits until the client reports the
// handler finished.
func (c *Conn) Invoke(ctx context.Context, target string, args ...any) error {
	id := strconv.FormatUint(c.seq.Add(1), 10)
	msg, err := hubproto.Invocation(id, target, args...)
	if err != nil {
		return err
	}
	reply := make(chan hubproto.Message, 1)
	c.pending.Store(id, reply)
	defer c.pending.Delete(id)

	if err := c.writeInvocation("invoke "+target, msg); err != nil {
		return err
	}
	select {
	case m := <-reply:
		return m.RemoteErr(target)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.opError("invoke "+target, domain.ErrConnectionClosed)
	}
}

// Close sends a close notice with reason and disconnects the client.
func (c *Conn) Close(reason string) {
	if c.closing.Swap(true) {
		return
	}
	_ = c.pump.Write(hubproto.Message{Kind: hubproto.KindClose, Error: reason})
	c.shutdown()
}

func (c *Conn) writeInvocation(op string, msg hubproto.Message) error {
	if err := c.pump.Write(msg); err != nil {
		if errors.Is(err, hubproto.ErrWSWritePumpClosed) {
			err = domain.ErrConnectionClosed
		}
		return c.opError(op, err)
	}
	c.ep.srv.metrics.Invoked(c.route, metrics.Outbound)
	return nil
}

func (c *Conn) opError(op string, err error) error {
	return &domain.HubError{Route: c.route, ConnID: c.id, Op: op, Err: err}
}

// complete hands a completion to the Invoke waiting on it.
func (c *Conn) complete(msg hubproto.Message) bool {
	v, ok := c.pending.LoadAndDelete(msg.ID)
	if !ok {
		return false
	}
	v.(chan hubproto.Message) <- msg
	return true
}

func (c *Conn) cancelStream(id string) bool {
	v, ok := c.streams.LoadAndDelete(id)
	if !ok {
		return false
	}
	v.(context.CancelFunc)()
	return true
}

func (c *Conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
	if c.ref != nil {
		c.ref.Touch()
	}
}

func (c *Conn) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *Conn) shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancel()
		c.pump.Close()
		_ = c.ws.Close()
	})
}
