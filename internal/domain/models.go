// Package domain defines the wire types and sentinel errors shared across the
// duplex server, client, and handshake layers.
package domain

import (
	"errors"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// Method names of the anonymous authorization exchange.
const (
	MethodAuthorize       = "Authorize"
	MethodAuthorizeResult = "AuthorizeResult"
)

// NoAuthorizationHandlerReason is relayed when an auth route has no
// registered validator.
const NoAuthorizationHandlerReason = "No authorization handler for this route"

// AuthorizeResult is relayed by the server over the anonymous channel in
// reply to an Authorize invocation. Accepted results carry a token and no
// rejection reason; rejected results carry a reason and no token.
type AuthorizeResult struct {
	Accepted        bool                `json:"accepted"`
	RejectionReason string              `json:"rejection_reason,omitempty"`
	Token           string              `json:"token,omitempty"`
	ExtraData       jsoniter.RawMessage `json:"extra_data,omitempty"`
}

// AcceptedResult builds the success variant.
func AcceptedResult(token string, extra jsoniter.RawMessage) AuthorizeResult {
	return AuthorizeResult{Accepted: true, Token: token, ExtraData: extra}
}

// RejectedResult builds the rejection variant. An empty reason is replaced
// with a generic one so the variant stays well formed.
func RejectedResult(reason string) AuthorizeResult {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "authorization rejected"
	}
	return AuthorizeResult{Accepted: false, RejectionReason: reason}
}

// Validate reports whether r satisfies the accepted/rejected invariant.
func (r AuthorizeResult) Validate() error {
	if r.Accepted {
		if r.Token == "" {
			return errors.New("accepted authorize result without token")
		}
		if r.RejectionReason != "" {
			return errors.New("accepted authorize result with rejection reason")
		}
		return nil
	}
	if r.Token != "" {
		return errors.New("rejected authorize result carries a token")
	}
	if r.RejectionReason == "" {
		return errors.New("rejected authorize result without reason")
	}
	return nil
}

// Principal is a named account that may authorize against an auth route.
type Principal struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	DisabledAt   *time.Time
}

// Active reports whether the principal may still authorize.
func (p Principal) Active() bool {
	return p.DisabledAt == nil
}
