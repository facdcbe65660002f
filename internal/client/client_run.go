package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
)

// Start dials the hub once and returns the dial error, if any. After a
// successful dial the connection is kept alive in the background until Stop
// is called or ctx ends.
func (c *Client) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}
	rt, err := c.connect(ctx)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	go c.run(runCtx, rt, done)
	return nil
}

// Stop closes the connection and stops reconnecting. It waits for the
// background loop to exit.
func (c *Client) Stop() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) run(ctx context.Context, rt *sessionRuntime, done chan struct{}) {
	defer close(done)
	for {
		err := rt.wait(ctx)
		c.clearRuntime(rt)
		rt.close()
		c.fireDisconnected(err)
		if ctx.Err() != nil {
			c.log.Info("hub client stopped", "route", c.route)
			return
		}
		c.log.Warn("hub connection lost; reconnecting", "route", c.route, "err", err)

		rt = c.reconnect(ctx)
		if rt == nil {
			return
		}
	}
}

func (c *Client) reconnect(ctx context.Context) *sessionRuntime {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitialDelay
	if c.cfg.ReconnectMaxDelay > 0 {
		b.MaxInterval = c.cfg.ReconnectMaxDelay
	}
	b.MaxElapsedTime = 0

	var rt *sessionRuntime
	err := backoff.RetryNotify(func() error {
		r, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		rt = r
		return nil
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		if isTLSProvisioningInProgressError(err) {
			c.log.Info("server TLS certificate provisioning in progress; retrying", "route", c.route, "retry_in", next.Round(time.Millisecond).String())
			return
		}
		c.log.Warn("hub reconnect failed", "route", c.route, "err", shortenError(err), "retry_in", next.Round(time.Millisecond).String())
	})
	if err != nil {
		return nil
	}
	return rt
}

// connect dials once and installs the new connection.
func (c *Client) connect(ctx context.Context) (*sessionRuntime, error) {
	target, err := hubURL(c.cfg.ServerURL, c.route)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if !c.anonymous {
		token, err := c.currentToken(ctx)
		if err != nil {
			return nil, c.opError("connect", fmt.Errorf("token provider: %w", err))
		}
		if token == "" {
			return nil, c.opError("connect", ErrNoToken)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx := ctx
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	conn, resp, err := c.dialer.DialContext(dialCtx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, c.opError("connect", domain.ErrUnauthorized)
		}
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, c.opError("connect", domain.ErrRouteNotFound)
		}
		return nil, c.opError("connect", err)
	}
	if c.cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(c.cfg.MaxMessageBytes)
	}

	rt := newSessionRuntime(c, conn)
	c.setRuntime(rt)
	c.log.Info("hub connected", "route", c.route, "url", target)

	c.subsMu.Lock()
	subs := append([]dispatch.StreamSubscription(nil), c.subs...)
	c.subsMu.Unlock()
	for _, sub := range subs {
		c.openSubscription(rt, sub)
	}
	c.fireConnected()
	return rt, nil
}

// openSubscription streams a contract stream member for the lifetime of rt
// and hands every element to the member handler.
func (c *Client) openSubscription(rt *sessionRuntime, sub dispatch.StreamSubscription) {
	name := sub.Member.Name
	if len(sub.Member.Params) > 0 {
		c.log.Warn("stream subscription needs arguments; open it with Stream instead", "route", c.route, "stream", name)
		return
	}
	items, errs := c.Stream(rt.ctx, name)
	go func() {
		for raw := range items {
			item, err := sub.Member.Item.Decode(raw)
			if err != nil {
				c.log.Warn("stream element not decodable", "route", c.route, "stream", name, "err", err)
				continue
			}
			inv := &dispatch.Invocation{
				Target: name,
				Args:   dispatch.Args{item},
				Raw:    []dispatch.RawMessage{raw},
				Caller: c,
			}
			if err := sub.Handler(rt.ctx, inv); err != nil {
				c.log.Warn("stream handler failed", "route", c.route, "stream", name, "err", err)
			}
		}
		if err := <-errs; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, domain.ErrConnectionClosed) {
			c.log.Warn("stream subscription ended", "route", c.route, "stream", name, "err", err)
		}
	}()
}
