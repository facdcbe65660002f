package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/koltyakov/duplex/internal/auth"
)

func runTokenAdmin(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: duplex token <secret|issue|verify> [flags]")
		return 2
	}
	switch args[0] {
	case "secret":
		return runTokenSecret()
	case "issue":
		return runTokenIssue(args[1:])
	case "verify":
		return runTokenVerify(args[1:])
	default:
		fmt.Fprintln(stderr, "unknown token command:", args[0])
		return 2
	}
}

func runTokenSecret() int {
	secret, err := auth.GenerateSecret()
	if err != nil {
		fmt.Fprintln(stderr, "generate secret:", err)
		return 1
	}
	fmt.Fprintln(stdout, secret)
	return 0
}

type tokenFlags struct {
	secret    string
	algorithm string
	issuer    string
	audience  string
}

func (f *tokenFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.secret, "jwt-secret", envOr("DUPLEX_JWT_SECRET", ""), "HMAC signing secret")
	fs.StringVar(&f.algorithm, "jwt-algorithm", envOr("DUPLEX_JWT_ALGORITHM", string(auth.HS256)), "Signing algorithm: HS256|HS384|HS512")
	fs.StringVar(&f.issuer, "jwt-issuer", envOr("DUPLEX_JWT_ISSUER", "duplex"), "Token issuer")
	fs.StringVar(&f.audience, "jwt-audience", envOr("DUPLEX_JWT_AUDIENCE", "duplex-hubs"), "Token audience")
}

func (f *tokenFlags) options() (auth.TokenOptions, error) {
	if strings.TrimSpace(f.secret) == "" {
		return auth.TokenOptions{}, errors.New("missing --jwt-secret or DUPLEX_JWT_SECRET")
	}
	alg, err := auth.ParseAlgorithm(f.algorithm)
	if err != nil {
		return auth.TokenOptions{}, err
	}
	switch alg {
	case auth.HS256, auth.HS384, auth.HS512:
	default:
		return auth.TokenOptions{}, fmt.Errorf("jwt algorithm %s is not HMAC", alg)
	}
	return auth.TokenOptions{
		Algorithm: alg,
		Keys:      auth.Keys{Secret: []byte(strings.TrimSpace(f.secret))},
		Issuer:    f.issuer,
		Audience:  f.audience,
	}, nil
}

func runTokenIssue(args []string) int {
	fs := flag.NewFlagSet("token-issue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf tokenFlags
	tf.register(fs)
	var subject, role string
	var ttl time.Duration
	fs.StringVar(&subject, "subject", "", "Token subject")
	fs.StringVar(&role, "role", "", "Role claim")
	fs.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if ttl <= 0 {
		fmt.Fprintln(stderr, "token issue error: ttl must be > 0")
		return 2
	}
	opts, err := tf.options()
	if err != nil {
		fmt.Fprintln(stderr, "token issue error:", err)
		return 2
	}
	now := time.Now()
	opts.Subject = strings.TrimSpace(subject)
	opts.Role = strings.TrimSpace(role)
	opts.NotBefore = now
	opts.Expires = now.Add(ttl)

	res, err := auth.Issue(opts)
	if err != nil {
		fmt.Fprintln(stderr, "token issue error:", err)
		return 1
	}
	fmt.Fprintln(stdout, res.Token().String())
	return 0
}

func runTokenVerify(args []string) int {
	fs := flag.NewFlagSet("token-verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var tf tokenFlags
	tf.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: duplex token verify [flags] <token>")
		return 2
	}
	opts, err := tf.options()
	if err != nil {
		fmt.Fprintln(stderr, "token verify error:", err)
		return 2
	}
	params, err := auth.NewValidationParameters(opts)
	if err != nil {
		fmt.Fprintln(stderr, "token verify error:", err)
		return 2
	}
	claims, err := params.Validate(context.Background(), fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, "token verify error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "subject:", claims.Subject)
	fmt.Fprintln(stdout, "role:", claims.Role)
	if !claims.ExpiresAt.IsZero() {
		fmt.Fprintln(stdout, "expires:", claims.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return 0
}
