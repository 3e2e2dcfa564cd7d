package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/sendany/drivebroker/internal/quota"
)

// Resolved is the typed, validated result of the override chain. Every
// size and duration has been parsed; callers never see raw strings.
type Resolved struct {
	ConfigPath string

	ListenAddr        string
	AppURL            string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	MaxUploadMemory   int64

	DatabaseDriver string
	DatabaseDSN    string

	Google GoogleConfig
	Limits quota.Limits

	ReaperInterval    time.Duration
	ReconcileInterval time.Duration
	ReaperConcurrency int
	CleanupSecret     string

	JWTSecret string
	JWTIssuer string
	StateTTL  time.Duration

	LogLevel  string
	LogFormat string

	ConnectTimeout time.Duration
	DataTimeout    time.Duration
	UserAgent      string
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// Config path: CLI > env > default.
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// An explicitly named file must exist; the default path may be absent.
	explicit := cli.ConfigPath != "" || env.ConfigPath != ""

	var (
		cfg *Config
		err error
	)

	if explicit {
		cfg, err = Load(cfgPath)
	} else {
		cfg, err = LoadOrDefault(cfgPath)
	}

	if err != nil {
		return nil, err
	}

	env.apply(cfg)

	if cli.ListenAddr != nil {
		cfg.Server.ListenAddr = *cli.ListenAddr
	}

	resolved, err := build(cfg)
	if err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	resolved.ConfigPath = cfgPath

	return resolved, nil
}
