package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the gateway.
type Config struct {
	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3007"`

	// ServerURL is the externally visible base URL. It is the OAuth
	// issuer and the protected resource identifier.
	ServerURL string `env:"SERVER_URL"`

	// Operator credentials. AdminPassword may be plain text or a bcrypt
	// hash produced by `n8n-gateway hash-password`.
	AdminUsername string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPassword string `env:"ADMIN_PASSWORD"`

	AdminSessionTTL    time.Duration `env:"ADMIN_SESSION_TTL" envDefault:"24h"`
	AdminCookieTTL     time.Duration `env:"ADMIN_COOKIE_TTL" envDefault:"30m"`
	AuthCodeTTL        time.Duration `env:"AUTH_CODE_TTL" envDefault:"10m"`
	AccessTokenTTL     time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"24h"`
	StandaloneTokenTTL time.Duration `env:"STANDALONE_TOKEN_TTL" envDefault:"2160h"`
	ProtocolSessionTTL time.Duration `env:"PROTOCOL_SESSION_TTL" envDefault:"24h"`

	// AutoRegisterClients lets unknown client_ids register themselves at
	// the authorize endpoint. Off unless the operator opts in.
	AutoRegisterClients bool `env:"AUTO_REGISTER_CLIENTS" envDefault:"false"`
	RequirePKCE         bool `env:"REQUIRE_PKCE" envDefault:"true"`
	MaxClients          int  `env:"MAX_CLIENTS" envDefault:"100"`

	// Process-wide backend credentials used when no operator session is
	// linked. Both or neither.
	DefaultN8NHost   string `env:"N8N_DEFAULT_HOST"`
	DefaultN8NAPIKey string `env:"N8N_DEFAULT_API_KEY"`

	StandaloneAllowMutations      bool `env:"STANDALONE_ALLOW_MUTATIONS" envDefault:"false"`
	AllowUnauthenticatedDiscovery bool `env:"ALLOW_UNAUTHENTICATED_DISCOVERY" envDefault:"false"`
	CompatPromptsAsTools          bool `env:"COMPAT_PROMPTS_AS_TOOLS" envDefault:"false"`

	BackendTimeout    time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	// CachePath enables the read-only tool result cache when set.
	CachePath string        `env:"CACHE_PATH"`
	CacheTTL  time.Duration `env:"CACHE_TTL" envDefault:"5m"`

	MetricsEnabled     bool     `env:"METRICS_ENABLED" envDefault:"true"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.ServerURL = strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	cfg.DefaultN8NHost = strings.TrimSpace(cfg.DefaultN8NHost)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an absolute http(s) URL")
	}

	// The admin cookie is only marked Secure on https.
	if c.IsProduction() && u.Scheme != "https" {
		return fmt.Errorf("SERVER_URL must use https in production")
	}

	if c.AdminUsername == "" {
		return fmt.Errorf("ADMIN_USERNAME must not be empty")
	}

	if c.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}

	if (c.DefaultN8NHost == "") != (c.DefaultN8NAPIKey == "") {
		return fmt.Errorf("N8N_DEFAULT_HOST and N8N_DEFAULT_API_KEY must be set together")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"ADMIN_SESSION_TTL", c.AdminSessionTTL},
		{"ADMIN_COOKIE_TTL", c.AdminCookieTTL},
		{"AUTH_CODE_TTL", c.AuthCodeTTL},
		{"ACCESS_TOKEN_TTL", c.AccessTokenTTL},
		{"STANDALONE_TOKEN_TTL", c.StandaloneTokenTTL},
		{"PROTOCOL_SESSION_TTL", c.ProtocolSessionTTL},
		{"BACKEND_TIMEOUT", c.BackendTimeout},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"SWEEP_INTERVAL", c.SweepInterval},
		{"CACHE_TTL", c.CacheTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.AdminCookieTTL > c.AdminSessionTTL {
		return fmt.Errorf("ADMIN_COOKIE_TTL must not exceed ADMIN_SESSION_TTL")
	}

	if c.MaxClients < 1 {
		return fmt.Errorf("MAX_CLIENTS must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SecureCookies reports whether cookies should carry the Secure flag.
// Plain http deployments (local development) cannot use it.
func (c *Config) SecureCookies() bool {
	return !strings.HasPrefix(c.ServerURL, "http://")
}

// HasDefaultBackend reports whether process-wide backend credentials
// are configured.
func (c *Config) HasDefaultBackend() bool {
	return c.DefaultN8NHost != "" && c.DefaultN8NAPIKey != ""
}
