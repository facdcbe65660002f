package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var testNow = time.Unix(1_700_000_000, 0)

func clock() time.Time { return testNow }

func hmacOptions() TokenOptions {
	return TokenOptions{
		Algorithm: HS256,
		Keys:      Keys{Secret: []byte("0123456789abcdef0123456789abcdef")},
		Issuer:    "duplex",
		Audience:  "hubs",
		Subject:   "alice",
		Role:      "admin",
		Expires:   testNow.Add(time.Hour),
		Now:       clock,
	}
}

func TestIssueAndValidateHMAC(t *testing.T) {
	t.Parallel()

	res, err := Issue(hmacOptions())
	if err != nil {
		t.Fatal(err)
	}
	if res.IsRejected() || res.Token() == nil || res.ValidationParameters() == nil {
		t.Fatalf("expected accepted result, got %+v", res)
	}
	tok := res.Token()
	if tok.Algorithm != HS256 || len(tok.Signature) == 0 || !tok.ValidUntil.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("unexpected token %+v", tok)
	}
	var payload map[string]any
	if err := jsoniter.Unmarshal(tok.Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload["sub"] != "alice" || payload["role"] != "admin" || payload["jti"] == "" {
		t.Fatalf("unexpected payload %v", payload)
	}

	claims, err := res.ValidationParameters().Validate(context.Background(), tok.Raw)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "alice" || claims.Role != "admin" || claims.ID == "" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestRejectCarriesNoToken(t *testing.T) {
	t.Parallel()

	res := Reject("Incorrect Authorize Data!")
	if !res.IsRejected() || res.RejectionReason() != "Incorrect Authorize Data!" {
		t.Fatalf("unexpected rejection %+v", res)
	}
	if res.Token() != nil || res.ValidationParameters() != nil {
		t.Fatal("rejected result must not carry token or parameters")
	}
}

func TestKeyWrapAlgorithmsCannotSign(t *testing.T) {
	t.Parallel()

	for _, alg := range []Algorithm{A128KW, A192KW, A256KW, RSAOAEP, RSA1_5} {
		opts := hmacOptions()
		opts.Algorithm = alg
		if _, err := Issue(opts); !errors.Is(err, ErrUnsupportedAlgorithm) {
			t.Fatalf("%s: expected ErrUnsupportedAlgorithm, got %v", alg, err)
		}
	}
}

func TestValidateRejectsWrongAudienceAndIssuer(t *testing.T) {
	t.Parallel()

	res, err := Issue(hmacOptions())
	if err != nil {
		t.Fatal(err)
	}
	other := hmacOptions()
	other.Audience = "elsewhere"
	params, err := NewValidationParameters(other)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := params.Validate(context.Background(), res.Token().Raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected audience rejection, got %v", err)
	}

	other = hmacOptions()
	other.Issuer = "someone-else"
	params, _ = NewValidationParameters(other)
	if _, err := params.Validate(context.Background(), res.Token().Raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected issuer rejection, got %v", err)
	}
}

func TestValidateExpiryWithClockSkew(t *testing.T) {
	t.Parallel()

	opts := hmacOptions()
	opts.Expires = testNow.Add(-2 * time.Minute)
	opts.NotBefore = testNow.Add(-time.Hour)
	res, err := Issue(opts)
	if err != nil {
		t.Fatal(err)
	}
	// Within the default five minute skew.
	if _, err := res.ValidationParameters().Validate(context.Background(), res.Token().Raw); err != nil {
		t.Fatalf("expected token inside skew to validate: %v", err)
	}

	opts.ClockSkew = time.Second
	params, _ := NewValidationParameters(opts)
	if _, err := params.Validate(context.Background(), res.Token().Raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expired token, got %v", err)
	}
}

func TestValidateRequiresExpiryOnlyWhenConfigured(t *testing.T) {
	t.Parallel()

	opts := hmacOptions()
	opts.Expires = time.Time{}
	res, err := Issue(opts)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := res.ValidationParameters().Validate(context.Background(), res.Token().Raw); err != nil {
		t.Fatalf("token without expiry should validate: %v", err)
	}
	strict := res.ValidationParameters().RequireExpiry()
	if _, err := strict.Validate(context.Background(), res.Token().Raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected missing exp rejection, got %v", err)
	}
}

func TestValidateRejectsAlgorithmSwitch(t *testing.T) {
	t.Parallel()

	opts := hmacOptions()
	opts.Algorithm = HS512
	res, err := Issue(opts)
	if err != nil {
		t.Fatal(err)
	}
	params, _ := NewValidationParameters(hmacOptions())
	if _, err := params.Validate(context.Background(), res.Token().Raw); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected pinned algorithm rejection, got %v", err)
	}
}

func TestValidateReplayProtection(t *testing.T) {
	t.Parallel()

	opts := hmacOptions()
	opts.ValidateReplay = true
	res, err := Issue(opts)
	if err != nil {
		t.Fatal(err)
	}
	params := res.ValidationParameters()
	if _, err := params.Validate(context.Background(), res.Token().Raw); err != nil {
		t.Fatalf("first presentation: %v", err)
	}
	if _, err := params.Validate(context.Background(), res.Token().Raw); !errors.Is(err, ErrTokenReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestCustomLifetimeValidator(t *testing.T) {
	t.Parallel()

	opts := hmacOptions()
	var sawExpiry bool
	opts.LifetimeValidator = func(_, exp *time.Time, now time.Time) error {
		sawExpiry = exp != nil
		if now.Before(testNow) {
			return errors.New("clock went backwards")
		}
		return errors.New("lifetime rejected")
	}
	res, err := Issue(opts)
	if err != nil {
		t.Fatal(err)
	}
	_, err = res.ValidationParameters().Validate(context.Background(), res.Token().Raw)
	if err == nil || !strings.Contains(err.Error(), "lifetime rejected") {
		t.Fatalf("expected custom validator error, got %v", err)
	}
	if !sawExpiry {
		t.Fatal("custom validator should receive the expiry")
	}
}

func TestIssueRSAAndECDSA(t *testing.T) {
	t.Parallel()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		alg  Algorithm
		keys Keys
	}{
		{RS256, Keys{Private: rsaKey}},
		{PS384, Keys{Private: rsaKey, Public: &rsaKey.PublicKey}},
		{ES256, Keys{Private: ecKey}},
	}
	for _, c := range cases {
		opts := hmacOptions()
		opts.Algorithm = c.alg
		opts.Keys = c.keys
		res, err := Issue(opts)
		if err != nil {
			t.Fatalf("%s: %v", c.alg, err)
		}
		if _, err := res.ValidationParameters().Validate(context.Background(), res.Token().Raw); err != nil {
			t.Fatalf("%s validate: %v", c.alg, err)
		}
	}

	opts := hmacOptions()
	opts.Algorithm = ES256
	opts.Keys = Keys{Private: rsaKey}
	if _, err := Issue(opts); err == nil {
		t.Fatal("expected key family mismatch error")
	}
}

func TestIssueNone(t *testing.T) {
	t.Parallel()

	opts := hmacOptions()
	opts.Algorithm = None
	opts.Keys = Keys{}
	res, err := Issue(opts)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(res.Token().Raw, ".") {
		t.Fatalf("unsigned token should have empty signature: %s", res.Token().Raw)
	}
	if _, err := res.ValidationParameters().Validate(context.Background(), res.Token().Raw); err != nil {
		t.Fatalf("validate none: %v", err)
	}
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	for _, a := range Algorithms() {
		got, err := ParseAlgorithm(strings.ToLower(string(a)))
		if err != nil || got != a {
			t.Fatalf("parse %s: got %s %v", a, got, err)
		}
	}
	if _, err := ParseAlgorithm("HS1024"); err == nil {
		t.Fatal("expected unknown algorithm error")
	}
}

func TestMemoryReplayCachePurge(t *testing.T) {
	t.Parallel()

	c := NewMemoryReplayCache()
	ctx := context.Background()
	if ok, _ := c.TryAdd(ctx, "a", testNow); !ok {
		t.Fatal("first add should succeed")
	}
	if ok, _ := c.TryAdd(ctx, "a", testNow); ok {
		t.Fatal("second add should fail")
	}
	_, _ = c.TryAdd(ctx, "b", testNow.Add(time.Hour))
	n, _ := c.PurgeExpired(ctx, testNow.Add(time.Minute))
	if n != 1 {
		t.Fatalf("expected 1 purged, got %d", n)
	}
	if ok, _ := c.TryAdd(ctx, "a", testNow); !ok {
		t.Fatal("purged id should be accepted again")
	}
}
