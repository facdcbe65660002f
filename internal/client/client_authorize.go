package client

import (
	"context"
	"errors"

	"github.com/koltyakov/duplex/internal/correlate"
	"github.com/koltyakov/duplex/internal/dispatch"
	"github.com/koltyakov/duplex/internal/domain"
	"github.com/koltyakov/duplex/internal/handshake"
)

// Authorize exchanges credential for a bearer token on the hub's auth route.
// It opens a short-lived anonymous connection, sends Authorize(credential)
// and waits for AuthorizeResult. An accepted token is stored for the next
// dial; a rejection leaves the current token untouched.
func (c *Client) Authorize(ctx context.Context, credential any) (domain.AuthorizeResult, error) {
	if c.cfg.AuthRoute == "" {
		return domain.AuthorizeResult{}, c.opError("authorize", errors.New("no auth route configured"))
	}
	attempt := handshake.NewAttempt()

	anonCfg := c.cfg
	anonCfg.Route = c.cfg.AuthRoute
	anonCfg.PingInterval = 0
	anon := New(anonCfg, c.log.With("route", anonCfg.Route), Anonymous(), WithMetrics(c.metrics), WithDialer(c.dialer))
	if err := anon.Start(ctx); err != nil {
		return domain.AuthorizeResult{}, err
	}
	defer anon.Stop()

	if err := attempt.Begin(); err != nil {
		return domain.AuthorizeResult{}, err
	}
	params := []dispatch.ParamType{dispatch.Param[domain.AuthorizeResult]()}
	reply, err := anon.SendThenAwaitOnce(ctx, domain.MethodAuthorizeResult, params, domain.MethodAuthorize, credential)
	if err != nil {
		_ = attempt.Fail(err.Error())
		return domain.AuthorizeResult{}, c.opError("authorize", err)
	}
	result, err := correlate.One[domain.AuthorizeResult](reply)
	if err != nil {
		_ = attempt.Fail(err.Error())
		return domain.AuthorizeResult{}, c.opError("authorize", err)
	}
	state, err := attempt.Resolve(result)
	if err != nil {
		return domain.AuthorizeResult{}, err
	}
	if token, ok := attempt.Token(); ok {
		c.SetToken(token)
	}
	final, _ := attempt.Result()
	c.log.Info("authorize finished", "route", anonCfg.Route, "state", state.String())
	return final, nil
}
