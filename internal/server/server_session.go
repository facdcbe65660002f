package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/hubproto"
	"github.com/koltyakov/duplex/internal/netutil"
)

var errDuplicateStream = errors.New("duplicate stream id")

func (s *Server) handleConnect(ep *endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.closed.Load() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		if !websocket.IsWebSocketUpgrade(r) {
			http.Error(w, "websocket upgrade required", http.StatusBadRequest)
			return
		}
		remoteAddr := netutil.ClientAddress(r, s.cfg.TrustProxy)

		var claims *auth.Claims
		if ep.params != nil {
			token := netutil.BearerToken(r)
			if token == "" {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			c, err := ep.params.Validate(r.Context(), token)
			if err != nil {
				s.log.Info("hub connection rejected", "route", ep.route, "remote_addr", remoteAddr, "err", err)
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			claims = c
		}

		ws, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Error("websocket upgrade failed", "route", ep.route, "err", err)
			return
		}
		ws.SetReadLimit(s.cfg.MaxMessageBytes)

		conn := s.newConn(ep, ws, r, remoteAddr, claims)
		s.conns.Add(1)
		defer s.conns.Done()
		s.serveConn(conn)
	}
}

func (s *Server) newConn(ep *endpoint, ws *websocket.Conn, r *http.Request, remoteAddr string, claims *auth.Claims) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:         uuid.NewString(),
		route:      ep.route,
		remoteAddr: remoteAddr,
		header:     r.Header.Clone(),
		claims:     claims,
		ws:         ws,
		pump:       hubproto.NewWSWritePump(ws, wsWriteTimeout, wsControlQueueSize, wsDataQueueSize),
		ep:         ep,
		ctx:        ctx,
		cancel:     cancel,
	}
	c.identity = c.id
	if claims != nil && claims.Subject != "" {
		c.identity = claims.Subject
	}
	if ip, ok := ep.hub.(IdentityProvider); ok {
		if id := ip.Identity(c); id != "" {
			c.identity = id
		}
	}
	c.touch(s.now())
	return c
}

func (s *Server) serveConn(c *Conn) {
	ep := c.ep
	if ep.sessions != nil {
		_, c.ref = ep.sessions.GetOrCreate(c.identity, c.remoteAddr)
		s.metrics.SetSessions(ep.route, ep.sessions.Len())
	}
	ep.conns.Store(c.id, c)
	s.metrics.ConnectionOpened(ep.route)
	s.log.Info("hub client connected", "route", ep.route, "conn_id", c.id, "identity", c.identity, "remote_addr", c.remoteAddr)

	if hook, ok := ep.hub.(ConnectHook); ok {
		hook.OnConnected(c)
	}

	err := s.readLoop(c)
	s.teardown(c, err)
}

func (s *Server) teardown(c *Conn, err error) {
	ep := c.ep
	c.closing.Store(true)
	c.shutdown()
	ep.conns.Delete(c.id)
	s.metrics.ConnectionClosed(ep.route)
	if c.ref != nil {
		c.ref.Release()
		s.metrics.SetSessions(ep.route, ep.sessions.Len())
	}
	if err != nil {
		s.log.Info("hub client disconnected", "route", ep.route, "conn_id", c.id, "identity", c.identity, "err", err)
	} else {
		s.log.Info("hub client disconnected", "route", ep.route, "conn_id", c.id, "identity", c.identity)
	}
	if hook, ok := ep.hub.(DisconnectHook); ok {
		hook.OnDisconnected(c, err)
	}
}

// readLoop consumes inbound frames until the peer goes away. A nil result
// means the connection closed cleanly.
func (s *Server) readLoop(c *Conn) error {
	for {
		msg, err := hubproto.ReadMessage(c.ws)
		if err != nil {
			if errors.Is(err, hubproto.ErrMalformedMessage) {
				s.log.Debug("ignoring malformed hub message", "route", c.route, "conn_id", c.id, "err", err)
				continue
			}
			if c.closing.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		c.touch(s.now())

		switch msg.Kind {
		case hubproto.KindInvocation:
			s.handleInvocation(c, msg)
		case hubproto.KindStreamInvocation:
			s.handleStreamInvocation(c, msg)
		case hubproto.KindCancelStream:
			c.cancelStream(msg.ID)
		case hubproto.KindCompletion:
			if !c.complete(msg) {
				s.log.Debug("completion without pending invocation", "route", c.route, "conn_id", c.id, "id", msg.ID)
			}
		case hubproto.KindPing:
			_ = c.pump.Write(hubproto.Message{Kind: hubproto.KindPong})
		case hubproto.KindPong:
		case hubproto.KindClose:
			return nil
		default:
			s.log.Debug("ignoring unexpected hub message", "route", c.route, "conn_id", c.id, "kind", msg.Kind)
		}
	}
}

func (s *Server) handleInvocation(c *Conn, msg hubproto.Message) {
	in := dispatch.Inbound{ID: msg.ID, Target: msg.Target, Args: msg.Arguments, Caller: c}
	if msg.ID != "" {
		id := msg.ID
		in.Done = func(err error) {
			if err != nil {
				s.log.Debug("hub invocation failed", "route", c.route, "conn_id", c.id, "target", msg.Target, "err", err)
			}
			if werr := c.pump.Write(hubproto.Completion(id, err)); werr != nil && !c.closing.Load() {
				s.log.Debug("completion not delivered", "route", c.route, "conn_id", c.id, "err", werr)
			}
		}
	}
	if err := c.ep.dispatcher.Dispatch(c.ctx, in); err != nil {
		s.log.Debug("hub invocation rejected", "route", c.route, "conn_id", c.id, "target", msg.Target, "err", err)
	}
}

func (s *Server) handleStreamInvocation(c *Conn, msg hubproto.Message) {
	id := msg.ID
	ctx, cancel := context.WithCancel(c.ctx)
	if _, loaded := c.streams.LoadOrStore(id, context.CancelFunc(cancel)); loaded {
		cancel()
		_ = c.pump.Write(hubproto.StreamComplete(id, errDuplicateStream))
		return
	}
	in := dispatch.Inbound{
		ID:     id,
		Target: msg.Target,
		Args:   msg.Arguments,
		Caller: c,
		Done: func(err error) {
			c.streams.Delete(id)
			cancel()
			if werr := c.pump.Write(hubproto.StreamComplete(id, err)); werr != nil && !c.closing.Load() {
				s.log.Debug("stream completion not delivered", "route", c.route, "conn_id", c.id, "err", werr)
			}
		},
	}
	emit := func(item any) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		m, err := hubproto.StreamItem(id, item)
		if err != nil {
			return err
		}
		return c.pump.Write(m)
	}
	if err := c.ep.dispatcher.DispatchStream(ctx, in, emit); err != nil {
		s.log.Debug("hub stream rejected", "route", c.route, "conn_id", c.id, "target", msg.Target, "err", err)
	}
}
