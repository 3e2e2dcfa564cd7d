package config

import (
	"os"
	"strings"
)

// Environment variable names for overrides. The Google and cleanup names
// match what existing deployments already export.
const (
	EnvConfig             = "DRIVEBROKER_CONFIG"
	EnvJWTSecret          = "DRIVEBROKER_JWT_SECRET"
	EnvDatabaseURL        = "DATABASE_URL"
	EnvGoogleClientID     = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret = "GOOGLE_CLIENT_SECRET"
	EnvGoogleRedirectURI  = "GOOGLE_REDIRECT_URI"
	EnvCleanupAPIKey      = "CLEANUP_API_KEY"
)

// EnvOverrides holds values read from the environment. Empty means unset.
type EnvOverrides struct {
	ConfigPath         string
	JWTSecret          string
	DatabaseURL        string
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	CleanupSecret      string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. It does not modify a Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:         os.Getenv(EnvConfig),
		JWTSecret:          os.Getenv(EnvJWTSecret),
		DatabaseURL:        os.Getenv(EnvDatabaseURL),
		GoogleClientID:     os.Getenv(EnvGoogleClientID),
		GoogleClientSecret: os.Getenv(EnvGoogleClientSecret),
		GoogleRedirectURI:  os.Getenv(EnvGoogleRedirectURI),
		CleanupSecret:      os.Getenv(EnvCleanupAPIKey),
	}
}

// apply copies every non-empty override onto cfg. A postgres:// DATABASE_URL
// also switches the driver, so a single variable is enough in hosted setups.
func (e EnvOverrides) apply(cfg *Config) {
	if e.DatabaseURL != "" {
		cfg.Database.DSN = e.DatabaseURL
		if strings.HasPrefix(e.DatabaseURL, "postgres://") || strings.HasPrefix(e.DatabaseURL, "postgresql://") {
			cfg.Database.Driver = DriverPostgres
		}
	}

	setIfNonEmpty(&cfg.Auth.JWTSecret, e.JWTSecret)
	setIfNonEmpty(&cfg.Google.ClientID, e.GoogleClientID)
	setIfNonEmpty(&cfg.Google.ClientSecret, e.GoogleClientSecret)
	setIfNonEmpty(&cfg.Google.RedirectURI, e.GoogleRedirectURI)
	setIfNonEmpty(&cfg.Reaper.CleanupSecret, e.CleanupSecret)
}

func setIfNonEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
