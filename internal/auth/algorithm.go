package auth

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Algorithm names a signing or key-management algorithm by its JWA identifier.
type Algorithm string

const (
	HS256 Algorithm = "HS256"
	HS384 Algorithm = "HS384"
	HS512 Algorithm = "HS512"
	RS256 Algorithm = "RS256"
	RS384 Algorithm = "RS384"
	RS512 Algorithm = "RS512"
	PS256 Algorithm = "PS256"
	PS384 Algorithm = "PS384"
	PS512 Algorithm = "PS512"
	ES256 Algorithm = "ES256"
	ES384 Algorithm = "ES384"
	ES512 Algorithm = "ES512"
	None  Algorithm = "none"

	// Key-wrap algorithms manage content encryption keys for encrypted
	// tokens. They are recognized but cannot sign.
	A128KW  Algorithm = "A128KW"
	A192KW  Algorithm = "A192KW"
	A256KW  Algorithm = "A256KW"
	RSAOAEP Algorithm = "RSA-OAEP"
	RSA1_5  Algorithm = "RSA1_5"
)

// ErrUnsupportedAlgorithm is returned for algorithms that cannot sign tokens.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

var algorithms = []Algorithm{
	HS256, HS384, HS512, RS256, RS384, RS512, PS256, PS384, PS512,
	ES256, ES384, ES512, None, A128KW, A192KW, A256KW, RSAOAEP, RSA1_5,
}

// Algorithms lists every recognized algorithm.
func Algorithms() []Algorithm {
	return append([]Algorithm(nil), algorithms...)
}

// ParseAlgorithm resolves a JWA name case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	s = strings.TrimSpace(s)
	for _, a := range algorithms {
		if strings.EqualFold(s, string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown algorithm %q", s)
}

// IsKeyWrap reports whether a is a key-management algorithm.
func (a Algorithm) IsKeyWrap() bool {
	switch a {
	case A128KW, A192KW, A256KW, RSAOAEP, RSA1_5:
		return true
	}
	return false
}

func (a Algorithm) signingMethod() (jwt.SigningMethod, error) {
	switch a {
	case HS256:
		return jwt.SigningMethodHS256, nil
	case HS384:
		return jwt.SigningMethodHS384, nil
	case HS512:
		return jwt.SigningMethodHS512, nil
	case RS256:
		return jwt.SigningMethodRS256, nil
	case RS384:
		return jwt.SigningMethodRS384, nil
	case RS512:
		return jwt.SigningMethodRS512, nil
	case PS256:
		return jwt.SigningMethodPS256, nil
	case PS384:
		return jwt.SigningMethodPS384, nil
	case PS512:
		return jwt.SigningMethodPS512, nil
	case ES256:
		return jwt.SigningMethodES256, nil
	case ES384:
		return jwt.SigningMethodES384, nil
	case ES512:
		return jwt.SigningMethodES512, nil
	case None:
		return jwt.SigningMethodNone, nil
	}
	if a.IsKeyWrap() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, a)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

// signingKey and verifyKey select the key material each family expects.
func (a Algorithm) signingKey(k Keys) (any, error) {
	switch a {
	case HS256, HS384, HS512:
		if len(k.Secret) == 0 {
			return nil, errors.New("hmac algorithms require a secret")
		}
		return k.Secret, nil
	case RS256, RS384, RS512, PS256, PS384, PS512:
		key, ok := k.Private.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s requires an RSA private key", a)
		}
		return key, nil
	case ES256, ES384, ES512:
		key, ok := k.Private.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s requires an ECDSA private key", a)
		}
		return key, nil
	case None:
		return jwt.UnsafeAllowNoneSignatureType, nil
	}
	_, err := a.signingMethod()
	return nil, err
}

func (a Algorithm) verifyKey(k Keys) (any, error) {
	switch a {
	case HS256, HS384, HS512:
		if len(k.Secret) == 0 {
			return nil, errors.New("hmac algorithms require a secret")
		}
		return k.Secret, nil
	case RS256, RS384, RS512, PS256, PS384, PS512:
		pub := k.public()
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s requires an RSA public key", a)
		}
		return key, nil
	case ES256, ES384, ES512:
		pub := k.public()
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%s requires an ECDSA public key", a)
		}
		return key, nil
	case None:
		return jwt.UnsafeAllowNoneSignatureType, nil
	}
	_, err := a.signingMethod()
	return nil, err
}
