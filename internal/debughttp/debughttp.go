// Package debughttp serves the optional operator listener: pprof plus a JSON
// snapshot of mounted hubs, their connections and sessions.
package debughttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/koltyakov/duplex/internal/session"
)

const shutdownTimeout = 5 * time.Second

// HubStats describes one mounted route.
type HubStats struct {
	Route       string            `json:"route"`
	Auth        bool              `json:"auth"`
	Connections int               `json:"connections"`
	Sessions    []session.Session `json:"sessions,omitempty"`
}

// StatsFunc snapshots every mounted route.
type StatsFunc func() []HubStats

// Start binds addr and serves the debug mux until ctx ends. It returns once
// the listener is bound so address conflicts fail fast. An empty addr
// disables the listener.
func Start(ctx context.Context, addr string, log *slog.Logger, stats StatsFunc) (net.Addr, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}
	if log == nil {
		log = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler:           NewMux(stats),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("debug listener started", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug listener error", "err", err)
		}
	}()
	return ln.Addr(), nil
}

// NewMux returns the pprof handlers plus /debug/hubs.
func NewMux(stats StatsFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", httppprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	mux.HandleFunc("/debug/hubs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var hubs []HubStats
		if stats != nil {
			hubs = stats()
		}
		if hubs == nil {
			hubs = []HubStats{}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = jsoniter.NewEncoder(w).Encode(hubs)
	})
	return mux
}
