// Package demo is the sample secure hub served by `duplex server` and the
// typed stubs `duplex client` uses to talk to it.
package demo

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/handshake"
	"github.com/koltyakov/duplex/internal/server"
	"github.com/koltyakov/duplex/internal/session"
)

// Server method names.
const (
	MethodLogin   = "Login"
	MethodReplay  = "Replay"
	MethodCounter = "Counter"
)

// Listener method names the hub invokes on clients.
const (
	MethodLoginResult = "LoginResult"
	MethodReplayReply = "Replay"
)

// RejectedCredentialReason is relayed for unknown users, wrong passwords and
// unparseable credentials alike.
const RejectedCredentialReason = "Incorrect Authorize Data!"

const maxCounter = 10_000

// PrincipalResolver looks up active principals by name.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, username string) (domain.Principal, error)
}

// Options configure a Hub.
type Options struct {
	Route     string
	AuthRoute string
	// Principals is optional; without it only Secret authorizes.
	Principals PrincipalResolver
	// NotFound is the error Principals returns for unknown users.
	NotFound error
	// Secret is an optional shared credential accepted as-is.
	Secret string
	// Token is the issuance template; Subject, Role, NotBefore and Expires
	// are set per authorization.
	Token auth.TokenOptions
	TTL   time.Duration
}

// Hub is the secure demo hub. It needs a bearer token on Route, issues them
// on AuthRoute and keeps one session per authorized subject.
type Hub struct {
	opts   Options
	params *auth.ValidationParameters
	log    *slog.Logger

	mu       sync.RWMutex
	sessions *session.Store
	clients  *server.Clients
}

// NewHub validates opts and builds the validation parameters protected
// connections are checked against.
func NewHub(opts Options, logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Route == "" {
		opts.Route = config.DefaultRoute
	}
	if opts.AuthRoute == "" {
		opts.AuthRoute = config.DefaultAuthRoute
	}
	if opts.TTL <= 0 {
		return nil, errors.New("demo hub: token ttl must be > 0")
	}
	if opts.Principals == nil && opts.Secret == "" {
		return nil, errors.New("demo hub: no principal store and no shared secret")
	}
	params, err := auth.NewValidationParameters(opts.Token)
	if err != nil {
		return nil, err
	}
	return &Hub{opts: opts, params: params.RequireExpiry(), log: logger}, nil
}

func (h *Hub) Route() string { return h.opts.Route }

func (h *Hub) AuthRoute() string { return h.opts.AuthRoute }

func (h *Hub) ValidationParameters() *auth.ValidationParameters { return h.params }

func (h *Hub) AttachSessions(store *session.Store) {
	h.mu.Lock()
	h.sessions = store
	h.mu.Unlock()
}

// Sessions returns the store attached at mount time, or nil.
func (h *Hub) Sessions() *session.Store {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions
}

func (h *Hub) Bind(b *server.Binder) error {
	h.mu.Lock()
	h.clients = b.Clients()
	h.mu.Unlock()

	if err := b.On(MethodLogin, h.login, dispatch.Param[string](), dispatch.Param[string]()); err != nil {
		return err
	}
	if err := b.On(MethodReplay, h.replay, dispatch.Param[string]()); err != nil {
		return err
	}
	return b.Stream(MethodCounter, h.counter, dispatch.Param[int]())
}

func (h *Hub) OnConnected(c *server.Conn) {
	h.log.Info("demo client connected", "conn_id", c.ID(), "identity", c.Identity(), "remote", c.RemoteAddr())
}

func (h *Hub) OnDisconnected(c *server.Conn, err error) {
	if err != nil {
		h.log.Info("demo client disconnected", "conn_id", c.ID(), "identity", c.Identity(), "err", err)
		return
	}
	h.log.Info("demo client disconnected", "conn_id", c.ID(), "identity", c.Identity())
}

// login answers LoginResult(ok) to the caller. Without a principal store
// every login is accepted, since the connection already carries a token.
func (h *Hub) login(ctx context.Context, inv *dispatch.Invocation) error {
	c, ok := server.Caller(inv)
	if !ok {
		return errors.New("login: no caller")
	}
	user, err := dispatch.Arg[string](inv.Args, 0)
	if err != nil {
		return err
	}
	pass, err := dispatch.Arg[string](inv.Args, 1)
	if err != nil {
		return err
	}
	accepted := true
	if h.opts.Principals != nil {
		_, accepted, err = h.checkPassword(ctx, user, pass)
		if err != nil {
			return err
		}
	}
	return c.Send(ctx, MethodLoginResult, accepted)
}

func (h *Hub) replay(ctx context.Context, inv *dispatch.Invocation) error {
	c, ok := server.Caller(inv)
	if !ok {
		return errors.New("replay: no caller")
	}
	msg, err := dispatch.Arg[string](inv.Args, 0)
	if err != nil {
		return err
	}
	h.log.Debug("replay", "conn_id", c.ID(), "identity", c.Identity())
	return c.Send(ctx, MethodReplayReply, msg)
}

func (h *Hub) counter(ctx context.Context, inv *dispatch.Invocation, emit func(any) error) error {
	n, err := dispatch.Arg[int](inv.Args, 0)
	if err != nil {
		return err
	}
	if n < 0 || n > maxCounter {
		return errors.New("counter out of range")
	}
	for i := 1; i <= n; i++ {
		if err := emit(i); err != nil {
			return err
		}
	}
	return nil
}

// Credential is what clients send to the auth route. A bare JSON string is
// treated as Secret.
type Credential struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Secret   string `json:"secret,omitempty"`
}

func parseCredential(raw jsoniter.RawMessage) (Credential, bool) {
	var cred Credential
	if err := jsoniter.Unmarshal(raw, &cred); err == nil {
		return cred, true
	}
	var secret string
	if err := jsoniter.Unmarshal(raw, &secret); err == nil {
		return Credential{Secret: secret}, true
	}
	return Credential{}, false
}

// Authorize checks a credential and issues a token for the matched subject.
func (h *Hub) Authorize(ctx context.Context, raw jsoniter.RawMessage, caller handshake.Caller) (auth.Result, any, error) {
	cred, ok := parseCredential(raw)
	if !ok {
		return auth.Reject(RejectedCredentialReason), nil, nil
	}

	var subject, role string
	switch {
	case cred.Secret != "" && h.opts.Secret != "":
		if !auth.ConstantTimeHashEquals(auth.HashCredential(cred.Secret, ""), auth.HashCredential(h.opts.Secret, "")) {
			return auth.Reject(RejectedCredentialReason), nil, nil
		}
		subject, role = "shared", "admin"
		if cred.Username != "" {
			subject = cred.Username
		}
	case cred.Username != "" && h.opts.Principals != nil:
		p, ok, err := h.checkPassword(ctx, cred.Username, cred.Password)
		if err != nil {
			return auth.Result{}, nil, err
		}
		if !ok {
			return auth.Reject(RejectedCredentialReason), nil, nil
		}
		subject, role = p.Username, p.Role
	default:
		return auth.Reject(RejectedCredentialReason), nil, nil
	}

	opts := h.opts.Token
	now := time.Now()
	if opts.Now != nil {
		now = opts.Now()
	}
	opts.Subject = subject
	opts.Role = role
	opts.NotBefore = now
	opts.Expires = now.Add(h.opts.TTL)
	res, err := auth.Issue(opts)
	if err != nil {
		return auth.Result{}, nil, err
	}
	addr := ""
	if caller != nil {
		addr = caller.RemoteAddr()
	}
	h.log.Info("token issued", "subject", subject, "role", role, "remote", addr)
	return res, map[string]string{"user": subject, "role": role}, nil
}

// checkPassword reports whether password matches the active principal
// named user. Unknown users are a mismatch, not an error.
func (h *Hub) checkPassword(ctx context.Context, user, password string) (domain.Principal, bool, error) {
	p, err := h.opts.Principals.ResolvePrincipal(ctx, user)
	if err != nil {
		if h.opts.NotFound != nil && errors.Is(err, h.opts.NotFound) {
			return domain.Principal{}, false, nil
		}
		return domain.Principal{}, false, err
	}
	if !p.Active() || !auth.VerifyPasswordHash(p.PasswordHash, password) {
		return domain.Principal{}, false, nil
	}
	return p, true, nil
}

// Broadcast sends Replay(msg) to every connected client of the hub.
func (h *Hub) Broadcast(ctx context.Context, msg string) error {
	h.mu.RLock()
	clients := h.clients
	h.mu.RUnlock()
	if clients == nil {
		return errors.New("demo hub not mounted")
	}
	return clients.All().Send(ctx, MethodReplayReply, msg)
}
