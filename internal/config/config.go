package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the walletlink client.
type Config struct {
	// APIURL is the relay base URL. The websocket endpoint and the HTTP
	// events API are both derived from it.
	APIURL string `env:"WALLETLINK_API_URL" envDefault:"https://www.walletlink.org"`

	// Connection timing. All values accept Go duration syntax.
	HeartbeatInterval time.Duration `env:"WALLETLINK_HEARTBEAT_INTERVAL" envDefault:"10s"`
	RequestTimeout    time.Duration `env:"WALLETLINK_REQUEST_TIMEOUT" envDefault:"60s"`
	ReconnectDelay    time.Duration `env:"WALLETLINK_RECONNECT_DELAY" envDefault:"5s"`
	UnseenFetchDelay  time.Duration `env:"WALLETLINK_UNSEEN_FETCH_DELAY" envDefault:"250ms"`

	// Environment context attached to published events.
	Origin   string `env:"WALLETLINK_ORIGIN" envDefault:""`
	Injected bool   `env:"WALLETLINK_INJECTED" envDefault:"false"`

	// StatePath is the bbolt database holding the session. Defaults to
	// ~/.walletlink/state.db.
	StatePath string `env:"WALLETLINK_STATE_PATH"`

	// MetricsListenAddr enables the Prometheus endpoint when non-empty.
	MetricsListenAddr string `env:"METRICS_LISTEN_ADDR" envDefault:""`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:""`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The session secret can live there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
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

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil {
		return fmt.Errorf("WALLETLINK_API_URL is not a valid URL: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("WALLETLINK_API_URL must use http or https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("WALLETLINK_API_URL must include a host")
	}

	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("WALLETLINK_HEARTBEAT_INTERVAL must be positive")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("WALLETLINK_REQUEST_TIMEOUT must be positive")
	}

	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("WALLETLINK_RECONNECT_DELAY must be positive")
	}

	if c.UnseenFetchDelay < 0 {
		return fmt.Errorf("WALLETLINK_UNSEEN_FETCH_DELAY must not be negative")
	}

	return nil
}

// WebSocketURL returns the relay RPC endpoint: the API URL with its
// scheme swapped to ws/wss and /rpc appended.
func (c *Config) WebSocketURL() string {
	switch {
	case strings.HasPrefix(c.APIURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.APIURL, "https://") + "/rpc"
	case strings.HasPrefix(c.APIURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.APIURL, "http://") + "/rpc"
	}

	return c.APIURL + "/rpc"
}

// RelaySource reports how the client identifies itself in published
// events.
func (c *Config) RelaySource() string {
	if c.Injected {
		return "injected_sdk"
	}

	return "sdk"
}

// DefaultStatePath returns ~/.walletlink/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".walletlink", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
