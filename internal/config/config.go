// Package config parses server and client settings from defaults, an
// optional TOML file, DUPLEX_* environment variables and command-line flags,
// in that order of increasing precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/koltyakov/duplex/internal/auth"
)

type ClientConfig struct {
	ServerURL         string        `toml:"server"`
	Route             string        `toml:"route"`
	AuthRoute         string        `toml:"auth_route"`
	Token             string        `toml:"token"`
	Username          string        `toml:"username"`
	Password          string        `toml:"password"`
	Secret            string        `toml:"secret"`
	LogLevel          string        `toml:"log_level"`
	Timeout           time.Duration `toml:"timeout"`
	PingInterval      time.Duration `toml:"ping_interval"`
	ReconnectMaxDelay time.Duration `toml:"reconnect_max_delay"`
	AwaitTimeout      time.Duration `toml:"await_timeout"`
	MaxMessageBytes   int64         `toml:"max_message_bytes"`
}

type ServerConfig struct {
	Listen                 string        `toml:"listen"`
	ChallengeListen        string        `toml:"challenge_listen"`
	DebugListen            string        `toml:"debug_listen"`
	DBPath                 string        `toml:"db"`
	LogLevel               string        `toml:"log_level"`
	LogFormat              string        `toml:"log_format"`
	TLSMode                string        `toml:"tls_mode"`
	TLSHost                string        `toml:"tls_host"`
	CertCacheDir           string        `toml:"cert_cache_dir"`
	TLSCertFile            string        `toml:"tls_cert_file"`
	TLSKeyFile             string        `toml:"tls_key_file"`
	JWTSecret              string        `toml:"jwt_secret"`
	JWTIssuer              string        `toml:"jwt_issuer"`
	JWTAudience            string        `toml:"jwt_audience"`
	JWTAlgorithm           string        `toml:"jwt_algorithm"`
	TokenTTL               time.Duration `toml:"token_ttl"`
	ReplayProtection       bool          `toml:"replay_protection"`
	AuthSecret             string        `toml:"auth_secret"`
	TrustProxy             bool          `toml:"trust_proxy"`
	ClientPingTimeout      time.Duration `toml:"client_ping_timeout"`
	HeartbeatCheckInterval time.Duration `toml:"heartbeat_check_interval"`
	SessionIdleTimeout     time.Duration `toml:"session_idle_timeout"`
	CleanupInterval        time.Duration `toml:"cleanup_interval"`
	MaxMessageBytes        int64         `toml:"max_message_bytes"`
	DispatchWorkers        int           `toml:"dispatch_workers"`
}

const defaultClientPingInterval = 10 * time.Second
const defaultClientReconnectMaxDelay = 30 * time.Second
const defaultAwaitTimeout = 60 * time.Second
const defaultServerClientPingTimeout = 60 * time.Second
const defaultServerHeartbeatCheckInterval = 10 * time.Second
const defaultServerSessionIdleTimeout = 30 * time.Minute
const defaultServerCleanupInterval = 5 * time.Minute
const defaultServerListen = ":8080"
const defaultServerHTTPChallengeListen = ":80"
const defaultServerDBPath = "./duplex.db"
const defaultServerCertCacheDir = "./cert"
const defaultMaxMessageBytes = 1 << 20
const defaultTokenTTL = time.Hour

// DefaultRoute and DefaultAuthRoute name the demo hub endpoints.
const (
	DefaultRoute     = "/SecureHub"
	DefaultAuthRoute = "/AuthHub"
)

const configEnv = "DUPLEX_CONFIG"

func ParseClientFlags(args []string) (ClientConfig, error) {
	cfg, _, err := ParseClientArgs(args)
	return cfg, err
}

// ParseClientArgs is ParseClientFlags that also returns the positional
// arguments left after the flags.
func ParseClientArgs(args []string) (ClientConfig, []string, error) {
	cfg := ClientConfig{
		Route:             DefaultRoute,
		AuthRoute:         DefaultAuthRoute,
		LogLevel:          "info",
		Timeout:           30 * time.Second,
		PingInterval:      defaultClientPingInterval,
		ReconnectMaxDelay: defaultClientReconnectMaxDelay,
		AwaitTimeout:      defaultAwaitTimeout,
		MaxMessageBytes:   defaultMaxMessageBytes,
	}
	if err := loadFile(args, &cfg); err != nil {
		return cfg, nil, err
	}
	cfg.ServerURL = envOrDefault("DUPLEX_SERVER", cfg.ServerURL)
	cfg.Route = envOrDefault("DUPLEX_ROUTE", cfg.Route)
	cfg.AuthRoute = envOrDefault("DUPLEX_AUTH_ROUTE", cfg.AuthRoute)
	cfg.Token = envOrDefault("DUPLEX_TOKEN", cfg.Token)
	cfg.Username = envOrDefault("DUPLEX_USERNAME", cfg.Username)
	cfg.Password = envOrDefault("DUPLEX_PASSWORD", cfg.Password)
	cfg.Secret = envOrDefault("DUPLEX_AUTH_SECRET", cfg.Secret)
	cfg.LogLevel = envOrDefault("DUPLEX_LOG_LEVEL", cfg.LogLevel)
	cfg.Timeout = envDurationOrDefault("DUPLEX_TIMEOUT", cfg.Timeout)
	cfg.PingInterval = envDurationOrDefault("DUPLEX_PING_INTERVAL", cfg.PingInterval)
	cfg.ReconnectMaxDelay = envDurationOrDefault("DUPLEX_RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay)
	cfg.AwaitTimeout = envDurationOrDefault("DUPLEX_AWAIT_TIMEOUT", cfg.AwaitTimeout)

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Server URL (e.g. http://localhost:8080)")
	fs.StringVar(&cfg.Route, "route", cfg.Route, "Hub route path")
	fs.StringVar(&cfg.AuthRoute, "auth-route", cfg.AuthRoute, "Anonymous authorization route path")
	fs.StringVar(&cfg.Token, "token", cfg.Token, "Bearer token (skips authorization)")
	fs.StringVar(&cfg.Username, "username", cfg.Username, "Username for authorization")
	fs.StringVar(&cfg.Password, "password", cfg.Password, "Password for authorization")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "Shared secret credential for authorization")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Dial and invoke timeout")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Keepalive ping interval")
	fs.DurationVar(&cfg.ReconnectMaxDelay, "reconnect-max-delay", cfg.ReconnectMaxDelay, "Maximum reconnect backoff")
	fs.DurationVar(&cfg.AwaitTimeout, "await-timeout", cfg.AwaitTimeout, "Correlated reply timeout")
	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if cfg.ServerURL == "" {
		return cfg, nil, errors.New("missing --server or DUPLEX_SERVER")
	}
	var err error
	if cfg.Route, err = normalizeRoute(cfg.Route); err != nil {
		return cfg, nil, err
	}
	if cfg.AuthRoute, err = normalizeRoute(cfg.AuthRoute); err != nil {
		return cfg, nil, err
	}
	if cfg.Timeout <= 0 {
		return cfg, nil, errors.New("timeout must be > 0")
	}
	if cfg.PingInterval <= 0 {
		return cfg, nil, errors.New("ping interval must be > 0")
	}
	return cfg, fs.Args(), nil
}

func ParseServerFlags(args []string) (ServerConfig, error) {
	cfg := ServerConfig{
		Listen:                 defaultServerListen,
		ChallengeListen:        defaultServerHTTPChallengeListen,
		DBPath:                 defaultServerDBPath,
		LogLevel:               "info",
		LogFormat:              "text",
		TLSMode:                "off",
		CertCacheDir:           defaultServerCertCacheDir,
		JWTIssuer:              "duplex",
		JWTAudience:            "duplex-hubs",
		JWTAlgorithm:           string(auth.HS256),
		TokenTTL:               defaultTokenTTL,
		ClientPingTimeout:      defaultServerClientPingTimeout,
		HeartbeatCheckInterval: defaultServerHeartbeatCheckInterval,
		SessionIdleTimeout:     defaultServerSessionIdleTimeout,
		CleanupInterval:        defaultServerCleanupInterval,
		MaxMessageBytes:        defaultMaxMessageBytes,
	}
	if err := loadFile(args, &cfg); err != nil {
		return cfg, err
	}
	cfg.Listen = envOrDefault("DUPLEX_LISTEN", cfg.Listen)
	cfg.ChallengeListen = envOrDefault("DUPLEX_LISTEN_HTTP_CHALLENGE", cfg.ChallengeListen)
	cfg.DebugListen = envOrDefault("DUPLEX_DEBUG_LISTEN", cfg.DebugListen)
	cfg.DBPath = envOrDefault("DUPLEX_DB_PATH", cfg.DBPath)
	cfg.LogLevel = envOrDefault("DUPLEX_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOrDefault("DUPLEX_LOG_FORMAT", cfg.LogFormat)
	cfg.TLSMode = envOrDefault("DUPLEX_TLS_MODE", cfg.TLSMode)
	cfg.TLSHost = envOrDefault("DUPLEX_TLS_HOST", cfg.TLSHost)
	cfg.CertCacheDir = envOrDefault("DUPLEX_CERT_CACHE_DIR", cfg.CertCacheDir)
	cfg.TLSCertFile = envOrDefault("DUPLEX_TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOrDefault("DUPLEX_TLS_KEY_FILE", cfg.TLSKeyFile)
	cfg.JWTSecret = envOrDefault("DUPLEX_JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = envOrDefault("DUPLEX_JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = envOrDefault("DUPLEX_JWT_AUDIENCE", cfg.JWTAudience)
	cfg.JWTAlgorithm = envOrDefault("DUPLEX_JWT_ALGORITHM", cfg.JWTAlgorithm)
	cfg.TokenTTL = envDurationOrDefault("DUPLEX_TOKEN_TTL", cfg.TokenTTL)
	cfg.ReplayProtection = envBoolOrDefault("DUPLEX_REPLAY_PROTECTION", cfg.ReplayProtection)
	cfg.AuthSecret = envOrDefault("DUPLEX_AUTH_SECRET", cfg.AuthSecret)
	cfg.TrustProxy = envBoolOrDefault("DUPLEX_TRUST_PROXY", cfg.TrustProxy)
	cfg.DispatchWorkers = envIntOrDefault("DUPLEX_DISPATCH_WORKERS", cfg.DispatchWorkers)

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Listen address")
	fs.StringVar(&cfg.ChallengeListen, "http-challenge-listen", cfg.ChallengeListen, "HTTP-01 challenge listen address (auto TLS)")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "pprof and hub stats listen address (empty = off)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	fs.StringVar(&cfg.TLSMode, "tls-mode", cfg.TLSMode, "TLS mode: off|static|auto")
	fs.StringVar(&cfg.TLSHost, "tls-host", cfg.TLSHost, "Public host name for automatic certificates")
	fs.StringVar(&cfg.CertCacheDir, "cert-cache-dir", cfg.CertCacheDir, "TLS cert cache dir")
	fs.StringVar(&cfg.TLSCertFile, "tls-cert-file", cfg.TLSCertFile, "Static TLS cert PEM file")
	fs.StringVar(&cfg.TLSKeyFile, "tls-key-file", cfg.TLSKeyFile, "Static TLS key PEM file")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC token signing secret")
	fs.StringVar(&cfg.JWTIssuer, "jwt-issuer", cfg.JWTIssuer, "Token issuer")
	fs.StringVar(&cfg.JWTAudience, "jwt-audience", cfg.JWTAudience, "Token audience")
	fs.StringVar(&cfg.JWTAlgorithm, "jwt-algorithm", cfg.JWTAlgorithm, "Token signing algorithm: HS256|HS384|HS512")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", cfg.TokenTTL, "Issued token lifetime")
	fs.BoolVar(&cfg.ReplayProtection, "replay-protection", cfg.ReplayProtection, "Accept each token only once")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "Static credential accepted by the auth route")
	fs.BoolVar(&cfg.TrustProxy, "trust-proxy", cfg.TrustProxy, "Honor X-Forwarded-For for client addresses")
	fs.DurationVar(&cfg.ClientPingTimeout, "client-ping-timeout", cfg.ClientPingTimeout, "Close connections silent for this long")
	fs.DurationVar(&cfg.SessionIdleTimeout, "session-idle-timeout", cfg.SessionIdleTimeout, "Sweep sessions idle for this long")
	fs.IntVar(&cfg.DispatchWorkers, "dispatch-workers", cfg.DispatchWorkers, "Handler pool size (0 = unbounded)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		return cfg, errors.New("missing --jwt-secret or DUPLEX_JWT_SECRET")
	}
	alg, err := auth.ParseAlgorithm(cfg.JWTAlgorithm)
	if err != nil {
		return cfg, err
	}
	switch alg {
	case auth.HS256, auth.HS384, auth.HS512:
	default:
		return cfg, fmt.Errorf("jwt algorithm %s needs key files; only HMAC is configurable", alg)
	}
	cfg.JWTAlgorithm = string(alg)

	cfg.TLSMode = strings.ToLower(strings.TrimSpace(cfg.TLSMode))
	if cfg.TLSMode == "" {
		cfg.TLSMode = "off"
	}
	switch cfg.TLSMode {
	case "off":
	case "static":
		if cfg.TLSCertFile == "" || cfg.TLSKeyFile == "" {
			return cfg, errors.New("static tls mode requires --tls-cert-file and --tls-key-file")
		}
	case "auto":
		cfg.TLSHost = normalizeDomainHost(cfg.TLSHost)
		if cfg.TLSHost == "" {
			return cfg, errors.New("auto tls mode requires --tls-host or DUPLEX_TLS_HOST")
		}
	default:
		return cfg, errors.New("tls mode must be one of: off, static, auto")
	}
	if cfg.TokenTTL <= 0 {
		return cfg, errors.New("token ttl must be > 0")
	}
	if cfg.ClientPingTimeout <= 0 {
		return cfg, errors.New("client ping timeout must be > 0")
	}
	if cfg.HeartbeatCheckInterval <= 0 {
		return cfg, errors.New("heartbeat check interval must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return cfg, errors.New("session idle timeout must be > 0")
	}
	if cfg.CleanupInterval <= 0 {
		return cfg, errors.New("cleanup interval must be > 0")
	}
	if cfg.MaxMessageBytes <= 0 {
		return cfg, errors.New("max message bytes must be > 0")
	}
	if cfg.DispatchWorkers < 0 {
		return cfg, errors.New("dispatch workers must be >= 0")
	}
	return cfg, nil
}

// loadFile decodes the TOML file named by --config or DUPLEX_CONFIG into dst.
// Keys absent from the file keep their current values.
func loadFile(args []string, dst any) error {
	path := configPath(args)
	if path == "" {
		return nil
	}
	md, err := toml.DecodeFile(path, dst)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown keys %v", path, undecoded)
	}
	return nil
}

// configPath finds --config before flags are parsed so the file can supply
// flag defaults.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(a, "-"), "=")
		if !strings.HasPrefix(a, "-") || name != "config" {
			continue
		}
		if hasValue {
			return strings.TrimSpace(value)
		}
		if i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return strings.TrimSpace(os.Getenv(configEnv))
}

func normalizeRoute(route string) (string, error) {
	route = strings.TrimSpace(route)
	if route == "" {
		return "", errors.New("route is empty")
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return strings.TrimRight(route, "/"), nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBoolOrDefault(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDurationOrDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func normalizeDomainHost(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	if idx := strings.Index(v, "/"); idx >= 0 {
		v = v[:idx]
	}
	if strings.HasPrefix(v, "[") {
		if end := strings.Index(v, "]"); end > 0 {
			return v[1:end]
		}
	}
	if strings.Contains(v, ":") {
		parts := strings.Split(v, ":")
		v = parts[0]
	}
	return strings.TrimSuffix(v, ".")
}
