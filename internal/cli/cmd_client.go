package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/koltyakov/duplex/internal/client"
	"github.com/koltyakov/duplex/internal/config"
	"github.com/koltyakov/duplex/internal/demo"
	ilog "github.com/koltyakov/duplex/internal/log"
)

// runClient connects to the demo hub, logs in when a username is set, sends
// Replay(message) and prints the echoed reply.
func runClient(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, rest, err := config.ParseClientArgs(args)
	if err != nil {
		fmt.Fprintln(stderr, "client config error:", err)
		return 2
	}
	message := strings.TrimSpace(strings.Join(rest, " "))
	if message == "" {
		message = "hello"
	}
	logger := ilog.NewTo(os.Stderr, cfg.LogLevel, "text")

	var c *client.Client
	var opts []client.Option
	if cfg.Token == "" {
		cred, err := credentialFromConfig(cfg)
		if err != nil {
			fmt.Fprintln(stderr, "client config error:", err)
			return 2
		}
		// Issued tokens may be single use, so every dial authorizes again.
		opts = append(opts, client.WithTokenProvider(func(ctx context.Context) (string, error) {
			res, err := c.Authorize(ctx, cred)
			if err != nil {
				return "", err
			}
			if !res.Accepted {
				return "", fmt.Errorf("authorization rejected: %s", res.RejectionReason)
			}
			return res.Token, nil
		}))
	}
	c = client.New(cfg, logger, opts...)

	loginResults := make(chan bool, 1)
	if _, err := c.Bind(demo.ListenerContract(), demo.Listener{
		LoginResult: func(_ context.Context, accepted bool) error {
			select {
			case loginResults <- accepted:
			default:
			}
			return nil
		},
	}.Impl()); err != nil {
		fmt.Fprintln(stderr, "client error:", err)
		return 1
	}

	if err := c.Start(ctx); err != nil {
		fmt.Fprintln(stderr, "client error:", err)
		return 1
	}
	defer c.Stop()

	stubs := demo.NewServerMethods(c)
	if cfg.Username != "" {
		if err := stubs.Login(ctx, cfg.Username, cfg.Password); err != nil {
			fmt.Fprintln(stderr, "login error:", err)
			return 1
		}
		waitCtx, cancel := context.WithTimeout(ctx, cfg.AwaitTimeout)
		select {
		case ok := <-loginResults:
			fmt.Fprintln(stdout, "login:", ok)
		case <-waitCtx.Done():
			cancel()
			fmt.Fprintln(stderr, "login error: no LoginResult")
			return 1
		}
		cancel()
	}

	reply, err := stubs.ReplayAndWait(ctx, message)
	if err != nil {
		fmt.Fprintln(stderr, "replay error:", err)
		return 1
	}
	fmt.Fprintln(stdout, "replay:", reply)
	return 0
}

// runAuthorize exchanges the configured credential for a token and prints it.
func runAuthorize(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, "authorize config error:", err)
		return 2
	}
	cred, err := credentialFromConfig(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "authorize config error:", err)
		return 2
	}
	c := client.New(cfg, ilog.NewTo(os.Stderr, cfg.LogLevel, "text"))
	res, err := c.Authorize(ctx, cred)
	if err != nil {
		fmt.Fprintln(stderr, "authorize error:", err)
		return 1
	}
	if !res.Accepted {
		fmt.Fprintln(stderr, "rejected:", res.RejectionReason)
		return 1
	}
	fmt.Fprintln(stdout, "token:", res.Token)
	if len(res.ExtraData) > 0 {
		fmt.Fprintln(stdout, "extra:", string(res.ExtraData))
	}
	return 0
}

func credentialFromConfig(cfg config.ClientConfig) (demo.Credential, error) {
	if cfg.Username == "" && cfg.Secret == "" {
		return demo.Credential{}, errors.New("missing --token, --username or --secret")
	}
	return demo.Credential{Username: cfg.Username, Password: cfg.Password, Secret: cfg.Secret}, nil
}
