package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken wraps every token verification failure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenReplayed is returned when a token id was already presented.
	ErrTokenReplayed = errors.New("token replayed")
)

// Claims are the verified contents of a token.
type Claims struct {
	ID        string
	Subject   string
	Issuer    string
	Audience  []string
	Role      string
	IssuedAt  time.Time
	NotBefore time.Time
	ExpiresAt time.Time
	// Extra holds every claim, registered ones included.
	Extra map[string]any
}

// ValidationParameters is what a protected route applies to every bearer
// token it receives.
type ValidationParameters struct {
	Algorithm         Algorithm
	Issuer            string
	Audience          string
	RequireExpiration bool
	ClockSkew         time.Duration
	ReplayCache       ReplayCache
	LifetimeValidator LifetimeValidator

	key any
	now func() time.Time
}

// NewValidationParameters builds validation parameters without issuing a
// token, for servers that only verify.
func NewValidationParameters(opts TokenOptions) (*ValidationParameters, error) {
	if _, err := opts.Algorithm.signingMethod(); err != nil {
		return nil, err
	}
	key, err := opts.Algorithm.verifyKey(opts.Keys)
	if err != nil {
		return nil, err
	}
	skew := opts.ClockSkew
	if skew == 0 {
		skew = DefaultClockSkew
	}
	var cache ReplayCache
	if opts.ValidateReplay {
		cache = opts.ReplayCache
		if cache == nil {
			cache = NewMemoryReplayCache()
		}
	}
	return &ValidationParameters{
		Algorithm:         opts.Algorithm,
		Issuer:            opts.Issuer,
		Audience:          opts.Audience,
		RequireExpiration: !opts.Expires.IsZero(),
		ClockSkew:         skew,
		ReplayCache:       cache,
		LifetimeValidator: opts.LifetimeValidator,
		key:               key,
		now:               opts.now,
	}, nil
}

// RequireExpiry makes exp mandatory regardless of how the parameters were built.
func (v *ValidationParameters) RequireExpiry() *ValidationParameters {
	c := *v
	c.RequireExpiration = true
	return &c
}

// Validate verifies raw and returns its claims.
func (v *ValidationParameters) Validate(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	now := v.now()
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{string(v.Algorithm)}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(v.ClockSkew),
	}
	custom := v.LifetimeValidator != nil
	if custom {
		opts = append(opts, jwt.WithoutClaimsValidation())
	} else {
		if v.Issuer != "" {
			opts = append(opts, jwt.WithIssuer(v.Issuer))
		}
		if v.Audience != "" {
			opts = append(opts, jwt.WithAudience(v.Audience))
		}
		if v.RequireExpiration {
			opts = append(opts, jwt.WithExpirationRequired())
		}
	}

	mc := jwt.MapClaims{}
	_, err := jwt.NewParser(opts...).ParseWithClaims(raw, mc, func(*jwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, err := toClaims(mc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if custom {
		if err := v.checkCustom(claims, now); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
		}
	}
	if v.ReplayCache != nil {
		if err := v.checkReplay(ctx, claims, now); err != nil {
			return nil, err
		}
	}
	return claims, nil
}

func (v *ValidationParameters) checkCustom(c *Claims, now time.Time) error {
	if v.Issuer != "" && c.Issuer != v.Issuer {
		return fmt.Errorf("issuer %q not accepted", c.Issuer)
	}
	if v.Audience != "" && !slices.Contains(c.Audience, v.Audience) {
		return fmt.Errorf("audience %v not accepted", c.Audience)
	}
	if v.RequireExpiration && c.ExpiresAt.IsZero() {
		return errors.New("token has no expiry")
	}
	var nbf, exp *time.Time
	if !c.NotBefore.IsZero() {
		nbf = &c.NotBefore
	}
	if !c.ExpiresAt.IsZero() {
		exp = &c.ExpiresAt
	}
	return v.LifetimeValidator(nbf, exp, now)
}

func (v *ValidationParameters) checkReplay(ctx context.Context, c *Claims, now time.Time) error {
	if c.ID == "" {
		return fmt.Errorf("%w: token has no id", ErrInvalidToken)
	}
	until := c.ExpiresAt
	if until.IsZero() {
		until = now.Add(24 * time.Hour)
	}
	fresh, err := v.ReplayCache.TryAdd(ctx, c.ID, until.Add(v.ClockSkew))
	if err != nil {
		return fmt.Errorf("replay cache: %w", err)
	}
	if !fresh {
		return fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenReplayed)
	}
	return nil
}

func toClaims(mc jwt.MapClaims) (*Claims, error) {
	c := &Claims{Extra: map[string]any(mc)}
	var err error
	if c.Subject, err = mc.GetSubject(); err != nil {
		return nil, err
	}
	if c.Issuer, err = mc.GetIssuer(); err != nil {
		return nil, err
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return nil, err
	}
	c.Audience = []string(aud)
	for dst, get := range map[*time.Time]func() (*jwt.NumericDate, error){
		&c.IssuedAt:  mc.GetIssuedAt,
		&c.NotBefore: mc.GetNotBefore,
		&c.ExpiresAt: mc.GetExpirationTime,
	} {
		d, err := get()
		if err != nil {
			return nil, err
		}
		if d != nil {
			*dst = d.Time
		}
	}
	c.ID, _ = mc["jti"].(string)
	c.Role, _ = mc["role"].(string)
	return c, nil
}
