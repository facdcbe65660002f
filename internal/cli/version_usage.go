package cli

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/koltyakov/duplex/internal/versionutil"
)

func printUsage() {
	fmt.Fprintln(stdout, `duplex - duplex hub RPC over WebSocket

Usage:
  duplex server [flags]                       Start the demo hub server
  duplex client [flags] [message]             Authorize, connect and Replay a message
  duplex authorize [flags]                    Exchange a credential for a token
  duplex principal add --username NAME        Create a principal (password generated if omitted)
  duplex principal list                       List principals
  duplex principal disable --username NAME    Disable a principal
  duplex token secret                         Print a random signing secret
  duplex token issue --subject NAME           Sign a token with --jwt-secret
  duplex token verify TOKEN                   Verify a token with --jwt-secret
  duplex version                              Print version
  duplex help                                 Show this help

Quick Start:
  1. duplex token secret                                  # signing key
  2. duplex principal add --username alice                # create a login
  3. duplex server --jwt-secret KEY                       # start hubs
  4. duplex client --server http://localhost:8080 \
       --username alice --password PASS "hi"              # round trip

Environment Variables:
  DUPLEX_CONFIG           TOML config file
  DUPLEX_LISTEN           Server listen address (default: :8080)
  DUPLEX_JWT_SECRET       Token signing secret
  DUPLEX_AUTH_SECRET      Shared secret credential
  DUPLEX_DB_PATH          SQLite database path (default: ./duplex.db)
  DUPLEX_TLS_MODE         TLS mode: off|static|auto (default: off)
  DUPLEX_SERVER           Client server URL
  DUPLEX_TOKEN            Client bearer token
  DUPLEX_LOG_LEVEL        Log level: debug|info|warn|error (default: info)`)
}

// Version is set at build time via -ldflags.
var Version = "dev"

func init() {
	if Version == "dev" {
		if desc, err := exec.Command("git", "describe", "--tags", "--always").Output(); err == nil {
			if v := strings.TrimSpace(string(desc)); v != "" {
				Version = v + "-dev"
			}
		}
	}
	Version = versionutil.Normalize(Version)
}

func printVersion() {
	fmt.Fprintln(stdout, "duplex", Version)
}
