package server

import (
	"context"
	"time"

	"github.com/koltyakov/duplex/internal/auth"
)

const replayPurgeTimeout = 30 * time.Second

func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleConns()
		case <-cleanupTicker.C:
			s.sweepSessions()
			s.purgeReplay(ctx)
		}
	}
}

// expireStaleConns closes connections that sent nothing, pings included,
// for longer than ClientPingTimeout.
func (s *Server) expireStaleConns() {
	now := s.now()
	for _, ep := range s.allEndpoints() {
		ep.conns.Range(func(_, v any) bool {
			c := v.(*Conn)
			idle := c.idleSince(now)
			if idle <= s.cfg.ClientPingTimeout {
				return true
			}
			if c.closing.Load() {
				return true
			}
			s.log.Info("hub client heartbeat timed out", "route", ep.route, "conn_id", c.id, "identity", c.identity, "idle", idle.Round(time.Second).String())
			c.Close("heartbeat timeout")
			return true
		})
	}
}

func (s *Server) sweepSessions() {
	for _, ep := range s.allEndpoints() {
		if ep.sessions == nil {
			continue
		}
		swept := ep.sessions.SweepExpired(s.cfg.SessionIdleTimeout)
		if len(swept) > 0 {
			s.log.Info("expired idle hub sessions", "route", ep.route, "count", len(swept))
		}
		s.metrics.SetSessions(ep.route, ep.sessions.Len())
	}
}

// purgeReplay drops expired token ids from every replay cache that supports it.
func (s *Server) purgeReplay(ctx context.Context) {
	seen := make(map[auth.ReplayPurger]struct{})
	for _, ep := range s.allEndpoints() {
		if ep.params == nil || ep.params.ReplayCache == nil {
			continue
		}
		purger, ok := ep.params.ReplayCache.(auth.ReplayPurger)
		if !ok {
			continue
		}
		if _, done := seen[purger]; done {
			continue
		}
		seen[purger] = struct{}{}

		purgeCtx, cancel := context.WithTimeout(ctx, replayPurgeTimeout)
		n, err := purger.PurgeExpired(purgeCtx, s.now())
		cancel()
		if err != nil {
			s.log.Warn("failed to purge token replay cache", "route", ep.route, "err", err)
			continue
		}
		if n > 0 {
			s.log.Debug("purged token replay cache", "route", ep.route, "count", n)
		}
	}
}
