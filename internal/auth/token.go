package auth

import (
	"crypto"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultClockSkew is tolerated on lifetime checks when TokenOptions.ClockSkew is zero.
const DefaultClockSkew = 5 * time.Minute

// Keys holds the key material for one algorithm family. HMAC uses Secret;
// RSA, RSA-PSS and ECDSA use Private to sign and Public (or Private.Public())
// to verify.
type Keys struct {
	Secret  []byte
	Private crypto.Signer
	Public  crypto.PublicKey
}

func (k Keys) public() crypto.PublicKey {
	if k.Public != nil {
		return k.Public
	}
	if k.Private != nil {
		return k.Private.Public()
	}
	return nil
}

// LifetimeValidator replaces the default not-before/expiry window check.
// Either bound may be nil when the token omits it.
type LifetimeValidator func(notBefore, expires *time.Time, now time.Time) error

// TokenOptions configure token issuance and the validation parameters that
// accompany it.
type TokenOptions struct {
	Algorithm Algorithm
	Keys      Keys
	Issuer    string
	Audience  string
	Subject   string
	Role      string
	// Claims are merged into the payload; registered claims above win.
	Claims    map[string]any
	NotBefore time.Time
	// Expires is optional; when set the validator requires an exp claim.
	Expires   time.Time
	ClockSkew time.Duration

	// ValidateReplay rejects a second presentation of the same token id.
	ValidateReplay    bool
	ReplayCache       ReplayCache
	LifetimeValidator LifetimeValidator

	// Now overrides time.Now.
	Now func() time.Time
}

func (o TokenOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Token is an issued bearer token and its decoded parts.
type Token struct {
	Raw       string
	Payload   []byte
	Signature []byte
	// Zero bounds mean the token is not limited on that side.
	ValidNotBefore time.Time
	ValidUntil     time.Time
	Algorithm      Algorithm
}

func (t *Token) String() string {
	if t == nil {
		return ""
	}
	return t.Raw
}

// Result is the outcome of an issuance attempt. A rejected result never
// carries a token or validation parameters.
type Result struct {
	token    *Token
	params   *ValidationParameters
	rejected bool
	reason   string
}

// Reject builds the rejection variant.
func Reject(reason string) Result {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "authorization rejected"
	}
	return Result{rejected: true, reason: reason}
}

func (r Result) IsRejected() bool { return r.rejected }

func (r Result) RejectionReason() string { return r.reason }

// Token returns the issued token, or nil for a rejected result.
func (r Result) Token() *Token { return r.token }

// ValidationParameters returns the matching validation parameters, or nil
// for a rejected result.
func (r Result) ValidationParameters() *ValidationParameters { return r.params }

// Issue signs a token and builds the validation parameters that accept it.
func Issue(opts TokenOptions) (Result, error) {
	method, err := opts.Algorithm.signingMethod()
	if err != nil {
		return Result{}, err
	}
	key, err := opts.Algorithm.signingKey(opts.Keys)
	if err != nil {
		return Result{}, err
	}
	if !opts.Expires.IsZero() && !opts.NotBefore.IsZero() && !opts.Expires.After(opts.NotBefore) {
		return Result{}, errors.New("token expires before it becomes valid")
	}
	params, err := NewValidationParameters(opts)
	if err != nil {
		return Result{}, err
	}

	now := opts.now()
	claims := jwt.MapClaims{}
	maps.Copy(claims, opts.Claims)
	claims["iat"] = jwt.NewNumericDate(now)
	if opts.Issuer != "" {
		claims["iss"] = opts.Issuer
	}
	if opts.Audience != "" {
		claims["aud"] = opts.Audience
	}
	if opts.Subject != "" {
		claims["sub"] = opts.Subject
	}
	if opts.Role != "" {
		claims["role"] = opts.Role
	}
	if !opts.NotBefore.IsZero() {
		claims["nbf"] = jwt.NewNumericDate(opts.NotBefore)
	}
	if !opts.Expires.IsZero() {
		claims["exp"] = jwt.NewNumericDate(opts.Expires)
	}
	if opts.Subject != "" || opts.ValidateReplay {
		claims["jti"] = uuid.NewString()
	}

	raw, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return Result{}, fmt.Errorf("sign token: %w", err)
	}
	tok, err := decodeToken(raw, opts.Algorithm)
	if err != nil {
		return Result{}, err
	}
	tok.ValidNotBefore = opts.NotBefore
	tok.ValidUntil = opts.Expires
	return Result{token: tok, params: params}, nil
}

func decodeToken(raw string, alg Algorithm) (*Token, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}
	p := jwt.NewParser()
	payload, err := p.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	sig, err := p.DecodeSegment(parts[2])
	if err != nil {
		return nil, fmt.Errorf("decode signature: %w", err)
	}
	return &Token{Raw: raw, Payload: payload, Signature: sig, Algorithm: alg}, nil
}
