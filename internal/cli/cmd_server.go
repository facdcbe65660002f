package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/demo"
	ilog "github.com/koltyakov/duplex/internal/log"
	"github.com/koltyakov/duplex/internal/metrics"
	"github.com/koltyakov/duplex/internal/server"
	"github.com/koltyakov/duplex/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}
	logger := ilog.NewTo(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	store, code := openSQLiteStoreOrExit(cfg.DBPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	opts, err := demo.OptionsFromConfig(cfg, store)
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}
	hub, err := demo.NewHub(opts, logger.With("hub", opts.Route))
	if err != nil {
		fmt.Fprintln(stderr, "server config error:", err)
		return 2
	}

	s, err := server.New(cfg, logger, server.WithMetrics(metrics.New()))
	if err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	if err := s.Mount(hub); err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	logger.Info("duplex server starting", "version", Version, "route", hub.Route(), "auth_route", hub.AuthRoute(), "db", cfg.DBPath)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(stderr, "server error:", err)
		return 1
	}
	return 0
}

func openSQLiteStoreOrExit(dbPath string) (*sqlite.Store, int) {
	store, err := sqlite.Open(dbPath)
	if err != nil {
		fmt.Fprintln(stderr, "db error:", err)
		return nil, 1
	}
	return store, 0
}

func defaultDBPath() string {
	return envOr("DUPLEX_DB_PATH", "./duplex.db")
}
