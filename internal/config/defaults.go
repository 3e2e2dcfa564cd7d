package config

import "path/filepath"

// Default values for configuration options ("layer 0" of the override chain).
// The storage ceilings match the limits the hosted service has always
// advertised to users.
const (
	defaultListenAddr        = "127.0.0.1:8080"
	defaultAppURL            = "http://localhost:3000"
	defaultReadHeaderTimeout = "10s"
	defaultShutdownTimeout   = "30s"
	defaultMaxUploadMemory   = "32MiB"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseFile      = "drivebroker.db"
	defaultRedirectURI       = "http://localhost:8080/api/auth/google/callback"
	defaultAPIBaseURL        = "https://www.googleapis.com/drive/v3"
	defaultUploadBaseURL     = "https://www.googleapis.com/upload/drive/v3"
	defaultUserinfoURL       = "https://www.googleapis.com/oauth2/v2/userinfo"
	defaultRootFolderName    = "SendAny"
	defaultMaxFileSize       = "100MiB"
	defaultMaxWorkspaceSize  = "500MiB"
	defaultMaxUserStorage    = "5GiB"
	defaultReaperInterval    = "1h"
	defaultReconcileInterval = "24h"
	defaultReaperConcurrency = 4
	defaultJWTIssuer         = "drivebroker"
	defaultStateTTL          = "10m"
	defaultLogLevel          = "info"
	defaultLogFormat         = "auto"
	defaultConnectTimeout    = "10s"
	defaultDataTimeout       = "60s"
	defaultUserAgent         = "drivebroker/0.1"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        defaultListenAddr,
			AppURL:            defaultAppURL,
			ReadHeaderTimeout: defaultReadHeaderTimeout,
			ShutdownTimeout:   defaultShutdownTimeout,
			MaxUploadMemory:   defaultMaxUploadMemory,
		},
		Database: DatabaseConfig{
			Driver: defaultDatabaseDriver,
			DSN:    defaultDatabasePath(),
		},
		Google: GoogleConfig{
			RedirectURI:    defaultRedirectURI,
			APIBaseURL:     defaultAPIBaseURL,
			UploadBaseURL:  defaultUploadBaseURL,
			UserinfoURL:    defaultUserinfoURL,
			RootFolderName: defaultRootFolderName,
		},
		Limits: LimitsConfig{
			MaxFileSize:      defaultMaxFileSize,
			MaxWorkspaceSize: defaultMaxWorkspaceSize,
			MaxUserStorage:   defaultMaxUserStorage,
		},
		Reaper: ReaperConfig{
			Interval:          defaultReaperInterval,
			ReconcileInterval: defaultReconcileInterval,
			Concurrency:       defaultReaperConcurrency,
		},
		Auth: AuthConfig{
			JWTIssuer: defaultJWTIssuer,
			StateTTL:  defaultStateTTL,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
			UserAgent:      defaultUserAgent,
		},
	}
}

// defaultDatabasePath places the SQLite file in the platform data directory,
// falling back to the working directory when no home directory is known.
func defaultDatabasePath() string {
	dir := DefaultDataDir()
	if dir == "" {
		return defaultDatabaseFile
	}

	return filepath.Join(dir, defaultDatabaseFile)
}
