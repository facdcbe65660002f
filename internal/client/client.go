// Package client implements the hub client: it dials a hub route, keeps the
// connection alive across drops, and exposes invocations, streams and
// correlated waits over it.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/correlate"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/hubproto"
	"github.com/koltyakov/duplex/internal/metrics"
)

const (
	reconnectInitialDelay   = 500 * time.Millisecond
	clientWSWriteTimeout    = 15 * time.Second
	wsHandshakeTimeout      = 10 * time.Second
	wsWriteControlQueueSize = 32
	wsWriteDataQueueSize    = 256
	streamBufferSize        = 16
)

// TokenProvider returns the bearer token presented on every dial.
type TokenProvider func(ctx context.Context) (string, error)

// Client is a connection to one hub route.
type Client struct {
	cfg        config.ClientConfig
	log        *slog.Logger
	route      string
	anonymous  bool
	table      *dispatch.Table
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Collectors
	dialer     *websocket.Dialer

	tokenMu       sync.RWMutex
	token         string
	tokenProvider TokenProvider

	hookMu         sync.RWMutex
	onConnected    []func()
	onDisconnected []func(error)

	rtMu sync.RWMutex
	rt   *sessionRuntime

	subsMu sync.Mutex
	subs   []dispatch.StreamSubscription

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	seq atomic.Uint64
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records client activity on m.
func WithMetrics(m *metrics.Collectors) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTokenProvider replaces the static token with p. p is called on every
// dial, reconnects included.
func WithTokenProvider(p TokenProvider) Option {
	return func(c *Client) { c.tokenProvider = p }
}

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// Anonymous dials without a bearer token, as auth routes expect.
func Anonymous() Option {
	return func(c *Client) { c.anonymous = true }
}

// New returns a client for cfg.Route. It does not connect until Start.
func New(cfg config.ClientConfig, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		cfg:   cfg,
		log:   logger,
		route: cfg.Route,
		token: strings.TrimSpace(cfg.Token),
		table: dispatch.NewTable(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: wsHandshakeTimeout,
			TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = dispatch.NewDispatcher(c.table,
		dispatch.WithLogger(c.log),
		dispatch.WithInvokeHook(func(string) { c.metrics.Invoked(c.route, metrics.Inbound) }),
		dispatch.WithDropHook(func(string) { c.metrics.Dropped(c.route) }),
	)
	return c
}

// Route returns the hub route this client dials.
func (c *Client) Route() string { return c.route }

// SetToken replaces the bearer token used by the next dial.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = strings.TrimSpace(token)
	c.tokenMu.Unlock()
}

// Token returns the current static token.
func (c *Client) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.tokenMu.RLock()
	provider, token := c.tokenProvider, c.token
	c.tokenMu.RUnlock()
	if provider != nil {
		return provider(ctx)
	}
	return token, nil
}

// OnConnected registers fn to run after every successful dial.
func (c *Client) OnConnected(fn func()) {
	c.hookMu.Lock()
	c.onConnected = append(c.onConnected, fn)
	c.hookMu.Unlock()
}

// OnDisconnected registers fn to run after every connection loss. err is nil
// when the client was stopped.
func (c *Client) OnDisconnected(fn func(error)) {
	c.hookMu.Lock()
	c.onDisconnected = append(c.onDisconnected, fn)
	c.hookMu.Unlock()
}

func (c *Client) fireConnected() {
	c.hookMu.RLock()
	hooks := append([]func(){}, c.onConnected...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
}

func (c *Client) fireDisconnected(err error) {
	c.hookMu.RLock()
	hooks := append([]func(error){}, c.onDisconnected...)
	c.hookMu.RUnlock()
	for _, fn := range hooks {
		fn(err)
	}
}

// Connected reports whether a connection is currently up.
func (c *Client) Connected() bool {
	_, ok := c.runtime()
	return ok
}

func (c *Client) runtime() (*sessionRuntime, bool) {
	c.rtMu.RLock()
	rt := c.rt
	c.rtMu.RUnlock()
	if rt == nil || rt.ctx.Err() != nil {
		return nil, false
	}
	return rt, true
}

func (c *Client) setRuntime(rt *sessionRuntime) {
	c.rtMu.Lock()
	c.rt = rt
	c.rtMu.Unlock()
}

func (c *Client) clearRuntime(rt *sessionRuntime) {
	c.rtMu.Lock()
	if c.rt == rt {
		c.rt = nil
	}
	c.rtMu.Unlock()
}

// On binds a client method the server may invoke.
func (c *Client) On(name string, h dispatch.Handler, params ...dispatch.ParamType) error {
	b, err := dispatch.NewBinding(name, h, params...)
	if err != nil {
		return err
	}
	return c.table.Add(b)
}

// Remove unbinds name.
func (c *Client) Remove(name string) bool {
	return c.table.Remove(name)
}

// Bind installs every implemented member of contract. Stream members are
// opened on every connect and their elements delivered to the member handler.
func (c *Client) Bind(contract *dispatch.Contract, impl dispatch.Impl) (dispatch.BindReport, error) {
	report, err := dispatch.Bind(c.table, contract, impl)
	if err != nil {
		return report, err
	}
	if len(report.Streams) > 0 {
		c.subsMu.Lock()
		c.subs = append(c.subs, report.Streams...)
		c.subsMu.Unlock()
		if rt, ok := c.runtime(); ok {
			for _, sub := range report.Streams {
				c.openSubscription(rt, sub)
			}
		}
	}
	return report, nil
}

// Send invokes target on the server without waiting for it to run.
func (c *Client) Send(ctx context.Context, target string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rt, ok := c.runtime()
	if !ok {
		return c.opError("send "+target, ErrNotConnected)
	}
	msg, err := hubproto.Invocation("", target, args...)
	if err != nil {
		return err
	}
	if err := rt.write(msg); err != nil {
		return c.opError("send "+target, err)
	}
	c.metrics.Invoked(c.route, metrics.Outbound)
	return nil
}

// Invoke calls target on the server and waits for its completion.
func (c *Client) Invoke(ctx context.Context, target string, args ...any) error {
	rt, ok := c.runtime()
	if !ok {
		return c.opError("invoke "+target, ErrNotConnected)
	}
	id := c.nextID()
	msg, err := hubproto.Invocation(id, target, args...)
	if err != nil {
		return err
	}
	reply := make(chan hubproto.Message, 1)
	rt.pending.Store(id, reply)
	defer rt.pending.Delete(id)

	if err := rt.write(msg); err != nil {
		return c.opError("invoke "+target, err)
	}
	c.metrics.Invoked(c.route, metrics.Outbound)
	select {
	case m := <-reply:
		return m.RemoteErr(target)
	case <-ctx.Done():
		return ctx.Err()
	case <-rt.ctx.Done():
		return c.opError("invoke "+target, domain.ErrConnectionClosed)
	}
}

// Stream starts a server stream. Elements arrive on the first channel, which
// is closed when the stream ends; the second channel then yields the final
// error, if any. Cancelling ctx cancels the stream on the server.
func (c *Client) Stream(ctx context.Context, target string, args ...any) (<-chan hubproto.RawMessage, <-chan error) {
	st := newClientStream()
	rt, ok := c.runtime()
	if !ok {
		st.fail(c.opError("stream "+target, ErrNotConnected))
		return st.items, st.errs
	}
	id := c.nextID()
	msg, err := hubproto.StreamInvocation(id, target, args...)
	if err != nil {
		st.fail(err)
		return st.items, st.errs
	}
	rt.streams.Store(id, st)
	go st.forward(ctx, func() {
		if _, open := rt.streams.LoadAndDelete(id); open {
			_ = rt.write(hubproto.Message{Kind: hubproto.KindCancelStream, ID: id})
		}
	})
	if err := rt.write(msg); err != nil {
		rt.streams.Delete(id)
		st.end(c.opError("stream "+target, err))
		return st.items, st.errs
	}
	c.metrics.Invoked(c.route, metrics.Outbound)
	return st.items, st.errs
}

// AwaitOnce waits for the next server invocation of name with len(params)
// arguments.
func (c *Client) AwaitOnce(ctx context.Context, name string, params ...dispatch.ParamType) (correlate.Tuple, error) {
	return correlate.AwaitOnce(ctx, c.table, name, params, c.awaitOptions())
}

// SendThenAwaitOnce sends target(args...) and waits for the reply invocation
// name. The reply listener is registered before the request goes out.
func (c *Client) SendThenAwaitOnce(ctx context.Context, name string, params []dispatch.ParamType, target string, args ...any) (correlate.Tuple, error) {
	return correlate.SendThenAwaitOnce(ctx, c.table, name, params, func(ctx context.Context) error {
		return c.Send(ctx, target, args...)
	}, c.awaitOptions())
}

func (c *Client) awaitOptions() correlate.Options {
	return correlate.Options{
		Timeout: c.cfg.AwaitTimeout,
		OnTimeout: func(name string) {
			c.metrics.AwaitTimedOut()
			c.log.Debug("await timed out", "route", c.route, "name", name)
		},
	}
}

func (c *Client) nextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

func (c *Client) opError(op string, err error) error {
	return &domain.HubError{Route: c.route, Op: op, Err: err}
}

func hubURL(base, route string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server URL %q has no host", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + route
	return u.String(), nil
}
