// Package handshake implements the anonymous Authorize exchange: the server
// side validator registry and the client side attempt state machine.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/domain"
)

// ValidatorFailedReason is relayed when a validator returns an error.
const ValidatorFailedReason = "authorization failed"

// Caller exposes metadata of the anonymous connection that sent Authorize.
type Caller interface {
	ConnectionID() string
	RemoteAddr() string
	Header(key string) string
}

// Validator checks a credential and returns an issued or rejected result plus
// optional extra data relayed to the client.
type Validator func(ctx context.Context, credential jsoniter.RawMessage, caller Caller) (auth.Result, any, error)

// Registry maps auth route paths to validators. It is built at server
// startup and passed to the hubs that need it.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
	log        *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{validators: make(map[string]Validator), log: logger}
}

// Register installs v for route, replacing any previous validator.
func (r *Registry) Register(route string, v Validator) error {
	if route == "" {
		return errors.New("auth route is empty")
	}
	if v == nil {
		return fmt.Errorf("auth route %s: nil validator", route)
	}
	r.mu.Lock()
	r.validators[route] = v
	r.mu.Unlock()
	return nil
}

// Lookup returns the validator registered for route.
func (r *Registry) Lookup(route string) (Validator, bool) {
	r.mu.RLock()
	v, ok := r.validators[route]
	r.mu.RUnlock()
	return v, ok
}

// Authorize runs the route's validator and converts its outcome into the
// result relayed to the client. It never returns an error: every failure
// becomes a rejection.
func (r *Registry) Authorize(ctx context.Context, route string, credential jsoniter.RawMessage, caller Caller) domain.AuthorizeResult {
	v, ok := r.Lookup(route)
	if !ok {
		r.log.Warn("authorize rejected", "route", route, "conn_id", connID(caller), "err", domain.ErrNoAuthorizationHandler)
		return domain.RejectedResult(domain.NoAuthorizationHandlerReason)
	}

	res, extra, err := v(ctx, credential, caller)
	if err != nil {
		r.log.Warn("authorization validator failed", "route", route, "conn_id", connID(caller), "err", err)
		return domain.RejectedResult(ValidatorFailedReason)
	}
	if res.IsRejected() {
		return domain.RejectedResult(res.RejectionReason())
	}
	tok := res.Token()
	if tok == nil || tok.Raw == "" {
		r.log.Warn("authorization validator returned no token", "route", route, "conn_id", connID(caller))
		return domain.RejectedResult(ValidatorFailedReason)
	}

	var rawExtra jsoniter.RawMessage
	if extra != nil {
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(extra)
		if err != nil {
			r.log.Warn("authorization extra data not encodable", "route", route, "err", err)
			return domain.RejectedResult(ValidatorFailedReason)
		}
		rawExtra = b
	}
	return domain.AcceptedResult(tok.Raw, rawExtra)
}

func connID(c Caller) string {
	if c == nil {
		return ""
	}
	return c.ConnectionID()
}
