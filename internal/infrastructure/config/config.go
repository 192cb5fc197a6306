package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all installd configuration. envconfig joins the section tag
// and the field tag, so the environment keys read INSTALLD_<SECTION>_<FIELD>
// (INSTALLD_SERVER_PORT, INSTALLD_SESSIONS_MAX_PER_UID, ...).
type Config struct {
	Server     ServerConfig     `envconfig:"SERVER"`
	Sessions   SessionConfig    `envconfig:"SESSIONS"`
	Staging    StagingConfig    `envconfig:"STAGING"`
	Loader     LoaderConfig     `envconfig:"LOADER"`
	Activation ActivationConfig `envconfig:"ACTIVATION"`
	Logging    LogConfig        `envconfig:"LOG"`
	RateLimit  RateLimitConfig  `envconfig:"RATE_LIMIT"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"7300"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// SessionConfig holds session and content-area configuration.
type SessionConfig struct {
	// StageRoot is where per-session content areas live.
	StageRoot string `envconfig:"STAGE_ROOT" default:"/var/lib/installd/stage"`
	// StateDir is where persisted session records live.
	StateDir string `envconfig:"STATE_DIR" default:"/var/lib/installd/state"`
	// InstallRoot is where committed packages are placed.
	InstallRoot string `envconfig:"INSTALL_ROOT" default:"/var/lib/installd/packages"`
	// MaxPerUID caps concurrently open sessions per installer uid.
	MaxPerUID int `envconfig:"MAX_PER_UID" default:"50"`
	// IdentityFile optionally points at a JSON table of installer
	// identities used for ownership transfers.
	IdentityFile string `envconfig:"IDENTITY_FILE" default:""`
}

// StagingConfig holds staged-install coordinator configuration.
type StagingConfig struct {
	Workers int `envconfig:"WORKERS" default:"2"`
}

// LoaderConfig holds data-loader health monitoring grace windows.
type LoaderConfig struct {
	BlockedGrace   time.Duration `envconfig:"BLOCKED_GRACE" default:"2s"`
	UnhealthyGrace time.Duration `envconfig:"UNHEALTHY_GRACE" default:"7s"`
	PollInterval   time.Duration `envconfig:"POLL_INTERVAL" default:"1s"`
}

// ActivationConfig holds the module activation service endpoint.
type ActivationConfig struct {
	BaseURL  string        `envconfig:"URL" default:"http://localhost:7301"`
	Timeout  time.Duration `envconfig:"TIMEOUT" default:"30s"`
	RetryMax int           `envconfig:"RETRY_MAX" default:"3"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" default:"info"`
	Development bool   `envconfig:"DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RPS" default:"100"`
	Burst             int  `envconfig:"BURST" default:"200"`
	Enabled           bool `envconfig:"ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("INSTALLD", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "7300",
			Host: "0.0.0.0",
		},
		Sessions: SessionConfig{
			StageRoot:   "/var/lib/installd/stage",
			StateDir:    "/var/lib/installd/state",
			InstallRoot: "/var/lib/installd/packages",
			MaxPerUID:   50,
		},
		Staging: StagingConfig{
			Workers: 2,
		},
		Loader: LoaderConfig{
			BlockedGrace:   2 * time.Second,
			UnhealthyGrace: 7 * time.Second,
			PollInterval:   time.Second,
		},
		Activation: ActivationConfig{
			BaseURL:  "http://localhost:7301",
			Timeout:  30 * time.Second,
			RetryMax: 3,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
