// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for drivebroker. Values flow through a
// four-layer override chain (defaults -> config file -> environment -> CLI
// flags) and are resolved into typed values once at startup. Nothing here is
// re-derived at runtime.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Sizes and durations stay as human-readable strings until Resolve parses
// them, so the file round-trips exactly as the operator wrote it.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Google   GoogleConfig   `toml:"google"`
	Limits   LimitsConfig   `toml:"limits"`
	Reaper   ReaperConfig   `toml:"reaper"`
	Auth     AuthConfig     `toml:"auth"`
	Logging  LoggingConfig  `toml:"logging"`
	Network  NetworkConfig  `toml:"network"`
}

// ServerConfig controls the HTTP boundary.
type ServerConfig struct {
	ListenAddr        string `toml:"listen_addr"`
	AppURL            string `toml:"app_url"`
	ReadHeaderTimeout string `toml:"read_header_timeout"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	MaxUploadMemory   string `toml:"max_upload_memory"`
}

// DatabaseConfig selects the metadata store. driver is "sqlite" (dsn is a
// file path) or "postgres" (dsn is a lib/pq connection string or URL).
type DatabaseConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

// GoogleConfig holds the OAuth client triple and the Drive API endpoints.
// The endpoint URLs exist so tests and proxies can point elsewhere.
type GoogleConfig struct {
	ClientID       string `toml:"client_id"`
	ClientSecret   string `toml:"client_secret"`
	RedirectURI    string `toml:"redirect_uri"`
	APIBaseURL     string `toml:"api_base_url"`
	UploadBaseURL  string `toml:"upload_base_url"`
	UserinfoURL    string `toml:"userinfo_url"`
	RootFolderName string `toml:"root_folder_name"`
}

// LimitsConfig holds the three storage ceilings.
type LimitsConfig struct {
	MaxFileSize      string `toml:"max_file_size"`
	MaxWorkspaceSize string `toml:"max_workspace_size"`
	MaxUserStorage   string `toml:"max_user_storage"`
}

// ReaperConfig controls the scheduled expiry sweep. An interval of "0"
// disables the in-process schedule; the cleanup endpoint still works.
type ReaperConfig struct {
	Interval          string `toml:"interval"`
	ReconcileInterval string `toml:"reconcile_interval"`
	Concurrency       int    `toml:"concurrency"`
	CleanupSecret     string `toml:"cleanup_secret"`
}

// AuthConfig configures bearer-token identity and OAuth state signing.
type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"`
	JWTIssuer string `toml:"jwt_issuer"`
	StateTTL  string `toml:"state_ttl"`
}

// LoggingConfig controls log level and handler format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls the outbound HTTP client used for Google APIs.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from an explicit empty value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use env or default)
	ListenAddr *string // serve --listen
}
