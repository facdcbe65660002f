// Package cli implements the duplex command line: the demo hub server, a
// client that exercises it and the admin commands for principals and tokens.
package cli

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// Run is the main CLI entry point. It parses args and dispatches to the
// appropriate subcommand, returning a process exit code.
func Run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return run(ctx, args)
}

func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch args[0] {
	case "server":
		return runServer(ctx, args[1:])
	case "client":
		return runClient(ctx, args[1:])
	case "authorize":
		return runAuthorize(ctx, args[1:])
	case "principal":
		return runPrincipalAdmin(ctx, args[1:])
	case "token":
		return runTokenAdmin(args[1:])
	case "version", "--version", "-v":
		printVersion()
		return 0
	case "-h", "--help", "help":
		printUsage()
		return 0
	default:
		printUsage()
		return 2
	}
}
