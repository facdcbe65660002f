package demo

import (
	"github.com/koltyakov/duplex/internal/auth"
	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/store/sqlite"
)

// OptionsFromConfig builds hub options for the server command. store may be
// nil, in which case only the shared secret authorizes and replayed tokens
// are tracked in memory.
func OptionsFromConfig(cfg config.ServerConfig, store *sqlite.Store) (Options, error) {
	alg, err := auth.ParseAlgorithm(cfg.JWTAlgorithm)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Route:     config.DefaultRoute,
		AuthRoute: config.DefaultAuthRoute,
		Secret:    cfg.AuthSecret,
		TTL:       cfg.TokenTTL,
		Token: auth.TokenOptions{
			Algorithm:      alg,
			Keys:           auth.Keys{Secret: []byte(cfg.JWTSecret)},
			Issuer:         cfg.JWTIssuer,
			Audience:       cfg.JWTAudience,
			ValidateReplay: cfg.ReplayProtection,
		},
	}
	if store != nil {
		opts.Principals = store
		opts.NotFound = sqlite.ErrPrincipalNotFound
		if cfg.ReplayProtection {
			opts.Token.ReplayCache = store
		}
	}
	return opts, nil
}
