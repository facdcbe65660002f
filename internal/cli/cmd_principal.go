package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/koltyakov/duplex/internal/auth"
)

func runPrincipalAdmin(ctx context.Context, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: duplex principal <add|list|disable> [flags]")
		return 2
	}
	switch args[0] {
	case "add":
		return runPrincipalAdd(ctx, args[1:])
	case "list":
		return runPrincipalList(ctx, args[1:])
	case "disable":
		return runPrincipalDisable(ctx, args[1:])
	default:
		fmt.Fprintln(stderr, "unknown principal command:", args[0])
		return 2
	}
}

func runPrincipalAdd(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("principal-add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath, username, password, role string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&username, "username", "", "principal name")
	fs.StringVar(&password, "password", "", "password (generated when empty)")
	fs.StringVar(&role, "role", "user", "role claim of issued tokens")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	username = strings.TrimSpace(username)
	if username == "" {
		fmt.Fprintln(stderr, "missing --username")
		return 2
	}

	generated := false
	if password == "" {
		p, err := auth.GenerateSecret()
		if err != nil {
			fmt.Fprintln(stderr, "generate password:", err)
			return 1
		}
		password, generated = p, true
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		fmt.Fprintln(stderr, "hash password:", err)
		return 1
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	p, err := store.CreatePrincipal(ctx, username, hash, strings.TrimSpace(role))
	if err != nil {
		fmt.Fprintln(stderr, "add principal:", err)
		return 1
	}
	fmt.Fprintln(stdout, "id:", p.ID)
	fmt.Fprintln(stdout, "username:", p.Username)
	fmt.Fprintln(stdout, "role:", p.Role)
	if generated {
		fmt.Fprintln(stdout, "password:", password)
	}
	return 0
}

func runPrincipalList(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("principal-list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	principals, err := store.ListPrincipals(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "list principals:", err)
		return 1
	}
	for _, p := range principals {
		fmt.Fprintf(stdout, "%s\t%s\trole=%s\tdisabled=%t\tcreated=%s\n", p.ID, p.Username, p.Role, !p.Active(), p.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return 0
}

func runPrincipalDisable(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("principal-disable", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var dbPath, username string
	fs.StringVar(&dbPath, "db", defaultDBPath(), "sqlite db path")
	fs.StringVar(&username, "username", "", "principal name")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if username == "" {
		fmt.Fprintln(stderr, "missing --username")
		return 2
	}

	store, code := openSQLiteStoreOrExit(dbPath)
	if code != 0 {
		return code
	}
	defer func() { _ = store.Close() }()

	if err := store.DisablePrincipal(ctx, username); err != nil {
		fmt.Fprintln(stderr, "disable principal:", err)
		return 1
	}
	fmt.Fprintln(stdout, "disabled:", username)
	return 0
}
