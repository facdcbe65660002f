package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/hubproto"
)

// sessionRuntime is one live WebSocket connection. A reconnect builds a new
// runtime; invocations pending on the old one fail with ErrConnectionClosed.
type sessionRuntime struct {
	client *Client
	conn   *websocket.Conn
	writer *hubproto.WSWritePump

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	errOnce   sync.Once
	err       error

	pending sync.Map // invocation id -> chan hubproto.Message
	streams sync.Map // stream id -> *clientStream
}

func newSessionRuntime(c *Client, conn *websocket.Conn) *sessionRuntime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &sessionRuntime{
		client: c,
		conn:   conn,
		writer: hubproto.NewWSWritePump(conn, clientWSWriteTimeout, wsWriteControlQueueSize, wsWriteDataQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	rt.startKeepaliveLoop()
	rt.startReadLoop()
	return rt
}

func (rt *sessionRuntime) write(msg hubproto.Message) error {
	if err := rt.writer.Write(msg); err != nil {
		if errors.Is(err, hubproto.ErrWSWritePumpClosed) {
			return domain.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// fail records the first error that ended the connection and tears it down.
func (rt *sessionRuntime) fail(err error) {
	rt.errOnce.Do(func() { rt.err = err })
	rt.cancel()
}

// wait blocks until the connection ends or ctx is cancelled. A nil result
// means ctx ended it.
func (rt *sessionRuntime) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-rt.ctx.Done():
		rt.errOnce.Do(func() { rt.err = domain.ErrConnectionClosed })
		return rt.err
	}
}

func (rt *sessionRuntime) close() {
	rt.closeOnce.Do(func() {
		rt.cancel()
		rt.writer.Close()
		_ = rt.conn.Close()
		rt.streams.Range(func(k, v any) bool {
			rt.streams.Delete(k)
			v.(*clientStream).end(domain.ErrConnectionClosed)
			return true
		})
	})
}

func (rt *sessionRuntime) startKeepaliveLoop() {
	interval := rt.client.cfg.PingInterval
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case <-ticker.C:
				if err := rt.write(hubproto.Message{Kind: hubproto.KindPing}); err != nil {
					rt.fail(fmt.Errorf("keepalive: %w", err))
					return
				}
			}
		}
	}()
}

func (rt *sessionRuntime) startReadLoop() {
	go func() {
		for {
			msg, err := hubproto.ReadMessage(rt.conn)
			if err != nil {
				if errors.Is(err, hubproto.ErrMalformedMessage) {
					rt.client.log.Debug("ignoring malformed hub message", "route", rt.client.route, "err", err)
					continue
				}
				rt.fail(err)
				return
			}
			if err := rt.handleMessage(msg); err != nil {
				rt.fail(err)
				return
			}
		}
	}()
}

func (rt *sessionRuntime) handleMessage(msg hubproto.Message) error {
	switch msg.Kind {
	case hubproto.KindInvocation:
		rt.handleInvocation(msg)
	case hubproto.KindCompletion:
		if v, ok := rt.pending.LoadAndDelete(msg.ID); ok {
			v.(chan hubproto.Message) <- msg
		}
	case hubproto.KindStreamItem:
		if v, ok := rt.streams.Load(msg.ID); ok {
			v.(*clientStream).push(msg.Item)
		}
	case hubproto.KindStreamComplete:
		if v, ok := rt.streams.LoadAndDelete(msg.ID); ok {
			v.(*clientStream).end(msg.RemoteErr(""))
		}
	case hubproto.KindPing:
		return rt.write(hubproto.Message{Kind: hubproto.KindPong})
	case hubproto.KindPong:
	case hubproto.KindClose:
		if msg.Error != "" {
			return fmt.Errorf("%w: %s", ErrServerClosed, msg.Error)
		}
		return ErrServerClosed
	case hubproto.KindStreamInvocation:
		return rt.write(hubproto.StreamComplete(msg.ID, dispatch.ErrNotStream))
	}
	return nil
}

func (rt *sessionRuntime) handleInvocation(msg hubproto.Message) {
	in := dispatch.Inbound{ID: msg.ID, Target: msg.Target, Args: msg.Arguments, Caller: rt.client}
	if msg.ID != "" {
		id := msg.ID
		in.Done = func(err error) {
			if werr := rt.write(hubproto.Completion(id, err)); werr != nil && rt.ctx.Err() == nil {
				rt.client.log.Debug("completion not delivered", "route", rt.client.route, "err", werr)
			}
		}
	}
	if err := rt.client.dispatcher.Dispatch(rt.ctx, in); err != nil {
		rt.client.log.Debug("server invocation rejected", "route", rt.client.route, "target", msg.Target, "err", err)
	}
}
