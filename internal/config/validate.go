package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	minReaperConcurrency = 1
	maxReaperConcurrency = 64
	minShutdownTimeout   = 1 * time.Second
	minConnectTimeout    = 1 * time.Second
	minDataTimeout       = 5 * time.Second
	minStateTTL          = 1 * time.Minute
	minJWTSecretLen      = 32
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"auto", "text", "json"}
	validDrivers    = []string{DriverSQLite, DriverPostgres}
)

// Validate checks all configuration values and returns all errors found.
// Every error is accumulated so one pass reports everything to fix.
func Validate(cfg *Config) error {
	_, err := build(cfg)
	return err
}

// ValidateServe checks the settings that only the HTTP server needs. CLI
// maintenance commands (migrate, reap, usage) run without them. The Google
// client may be left out entirely; the server then reports the integration
// as not configured.
func ValidateServe(r *Resolved) error {
	var errs []error

	if (r.Google.ClientID == "") != (r.Google.ClientSecret == "") {
		errs = append(errs, errors.New("google: client_id and client_secret must be set together (GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET)"))
	}

	if len(r.JWTSecret) < minJWTSecretLen {
		errs = append(errs, fmt.Errorf("auth.jwt_secret: must be at least %d bytes (set %s)", minJWTSecretLen, EnvJWTSecret))
	}

	return errors.Join(errs...)
}

// build parses every string-typed value of cfg into a Resolved, collecting
// all errors rather than stopping at the first.
func build(cfg *Config) (*Resolved, error) {
	var errs []error

	r := &Resolved{
		ListenAddr:        cfg.Server.ListenAddr,
		AppURL:            strings.TrimRight(cfg.Server.AppURL, "/"),
		DatabaseDriver:    cfg.Database.Driver,
		DatabaseDSN:       cfg.Database.DSN,
		Google:            cfg.Google,
		ReaperConcurrency: cfg.Reaper.Concurrency,
		CleanupSecret:     cfg.Reaper.CleanupSecret,
		JWTSecret:         cfg.Auth.JWTSecret,
		JWTIssuer:         cfg.Auth.JWTIssuer,
		LogLevel:          cfg.Logging.LogLevel,
		LogFormat:         cfg.Logging.LogFormat,
		UserAgent:         cfg.Network.UserAgent,
	}

	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if r.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr: must not be empty"))
	}

	collect(validateURL("server.app_url", r.AppURL))
	collect(validateURL("google.api_base_url", cfg.Google.APIBaseURL))
	collect(validateURL("google.upload_base_url", cfg.Google.UploadBaseURL))
	collect(validateURL("google.userinfo_url", cfg.Google.UserinfoURL))

	if cfg.Google.RedirectURI != "" {
		collect(validateURL("google.redirect_uri", cfg.Google.RedirectURI))
	}

	if strings.TrimSpace(cfg.Google.RootFolderName) == "" {
		errs = append(errs, errors.New("google.root_folder_name: must not be empty"))
	}

	collect(oneOf("database.driver", r.DatabaseDriver, validDrivers))

	if r.DatabaseDSN == "" {
		errs = append(errs, errors.New("database.dsn: must not be empty"))
	}

	r.ReadHeaderTimeout = parseDuration(&errs, "server.read_header_timeout", cfg.Server.ReadHeaderTimeout, time.Second)
	r.ShutdownTimeout = parseDuration(&errs, "server.shutdown_timeout", cfg.Server.ShutdownTimeout, minShutdownTimeout)
	r.MaxUploadMemory = parsePositiveSize(&errs, "server.max_upload_memory", cfg.Server.MaxUploadMemory)

	r.Limits.MaxFileSize = parsePositiveSize(&errs, "limits.max_file_size", cfg.Limits.MaxFileSize)
	r.Limits.MaxWorkspaceSize = parsePositiveSize(&errs, "limits.max_workspace_size", cfg.Limits.MaxWorkspaceSize)
	r.Limits.MaxUserStorage = parsePositiveSize(&errs, "limits.max_user_storage", cfg.Limits.MaxUserStorage)

	r.ReaperInterval = parseDuration(&errs, "reaper.interval", cfg.Reaper.Interval, 0)
	r.ReconcileInterval = parseDuration(&errs, "reaper.reconcile_interval", cfg.Reaper.ReconcileInterval, 0)

	if r.ReaperConcurrency < minReaperConcurrency || r.ReaperConcurrency > maxReaperConcurrency {
		errs = append(errs, fmt.Errorf("reaper.concurrency: must be between %d and %d, got %d",
			minReaperConcurrency, maxReaperConcurrency, r.ReaperConcurrency))
	}

	r.StateTTL = parseDuration(&errs, "auth.state_ttl", cfg.Auth.StateTTL, minStateTTL)

	collect(oneOf("logging.log_level", r.LogLevel, validLogLevels))
	collect(oneOf("logging.log_format", r.LogFormat, validLogFormats))

	r.ConnectTimeout = parseDuration(&errs, "network.connect_timeout", cfg.Network.ConnectTimeout, minConnectTimeout)
	r.DataTimeout = parseDuration(&errs, "network.data_timeout", cfg.Network.DataTimeout, minDataTimeout)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return r, nil
}

// parseDuration parses s and enforces a floor. A floor of zero means "0"
// is allowed and disables the feature.
func parseDuration(errs *[]error, field, s string, floor time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", field, s))
		return 0
	}

	if d < 0 || (floor > 0 && d < floor) {
		*errs = append(*errs, fmt.Errorf("%s: must be at least %s, got %s", field, floor, s))
		return 0
	}

	return d
}

func parsePositiveSize(errs *[]error, field, s string) int64 {
	n, err := ParseSize(s)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", field, err))
		return 0
	}

	if n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: must be greater than zero", field))
		return 0
	}

	return n
}

func validateURL(field, s string) error {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s: must be an absolute URL, got %q", field, s)
	}

	return nil
}

func oneOf(field, v string, allowed []string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}

	return fmt.Errorf("%s: must be one of %s, got %q", field, strings.Join(allowed, ", "), v)
}
