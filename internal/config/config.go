package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Library   LibraryConfig   `toml:"library"`
	Cache     CacheConfig     `toml:"cache"`
	Logging   LoggingConfig   `toml:"logging"`
	Auth      AuthConfig      `toml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Ngrok     NgrokConfig     `toml:"ngrok"`
}

// ServerConfig contains library server configuration
type ServerConfig struct {
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	StaticDir   string `toml:"static_dir"`
	EnableCORS  bool   `toml:"enable_cors"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// DatabaseConfig selects the remote library record store. A DSN starting
// with postgres:// uses PostgreSQL, anything else is a SQLite file path.
type DatabaseConfig struct {
	DSN            string `toml:"dsn"`
	MaxConnections int    `toml:"max_connections"`
}

// LibraryConfig contains the on-device library settings. An empty
// RemoteURL syncs into the database section's DSN instead of a server.
type LibraryConfig struct {
	DataPath       string `toml:"data_path"`
	RemoteURL      string `toml:"remote_url"`
	CatalogURL     string `toml:"catalog_url"`
	HistoryLimit   int    `toml:"history_limit"`
	PushTimeout    int    `toml:"push_timeout_seconds"`
	Recommendation int    `toml:"recommendation_limit"`
}

// CacheConfig contains the offline edge settings
type CacheConfig struct {
	Generation       string   `toml:"generation"`
	StoragePath      string   `toml:"storage_path"`
	Upstream         string   `toml:"upstream"`
	Listen           string   `toml:"listen"`
	ShellPath        string   `toml:"shell_path"`
	RefreshShell     bool     `toml:"refresh_shell"`
	Precache         []string `toml:"precache"`
	StaticExtensions []string `toml:"static_extensions"`
	PrecacheWorkers  int      `toml:"precache_workers"`
	FetchTimeout     int      `toml:"fetch_timeout_seconds"`
	WatchConfig      bool     `toml:"watch_config"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	MaxSizeMB      int    `toml:"max_size_mb"`
	MaxBackups     int    `toml:"max_backups"`
	RequestLogging bool   `toml:"request_logging"`
}

// AuthConfig contains account and session settings for the library server
type AuthConfig struct {
	Enabled         bool   `toml:"enabled"`
	UsersFilePath   string `toml:"users_file"`
	SessionDuration string `toml:"session_duration"`
	SecureCookies   bool   `toml:"secure_cookies"`
}

// RateLimitConfig limits requests per client IP on the library server
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled      bool   `toml:"enabled"`
	AuthToken    string `toml:"auth_token"`
	Domain       string `toml:"domain"`
	EnableAuth   bool   `toml:"enable_auth"`
	AuthProvider string `toml:"auth_provider"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Host:        "0.0.0.0",
			StaticDir:   "./static",
			EnableCORS:  true,
			ReadTimeout: 30,
		},
		Database: DatabaseConfig{
			DSN:            "./streamflix.db",
			MaxConnections: 5,
		},
		Library: LibraryConfig{
			DataPath:       "./library.db",
			RemoteURL:      "http://localhost:8080",
			CatalogURL:     "",
			HistoryLimit:   100,
			PushTimeout:    10,
			Recommendation: 24,
		},
		Cache: CacheConfig{
			Generation:      "streamflix-v1",
			StoragePath:     "./edge-cache.db",
			Upstream:        "http://localhost:3000",
			Listen:          "127.0.0.1:8090",
			ShellPath:       "/",
			RefreshShell:    true,
			Precache:        []string{"/", "/manifest.webmanifest"},
			PrecacheWorkers: 4,
			FetchTimeout:    15,
			WatchConfig:     true,
			StaticExtensions: []string{
				".js", ".css", ".png", ".jpg", ".jpeg", ".svg", ".ico", ".json",
				".woff", ".woff2", ".webmanifest",
			},
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			MaxSizeMB:      20,
			MaxBackups:     3,
			RequestLogging: true,
		},
		Auth: AuthConfig{
			Enabled:         true,
			UsersFilePath:   "./users.toml",
			SessionDuration: "720h",
			SecureCookies:   false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Ngrok: NgrokConfig{
			Enabled:      false,
			AuthProvider: "google",
		},
	}
}

// LoadConfig loads configuration from a TOML file, then applies overrides
// from the environment (and a .env file next to the working directory).
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		fmt.Printf("Created default configuration file at: %s\n", configPath)
	} else if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(".env"); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ReadGeneration returns the cache generation named by the config file and
// the environment without writing anything. A missing file, or a file that
// names no generation, yields "".
func ReadGeneration(configPath string) (string, error) {
	var cfg Config
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil
	}
	if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
		return "", fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.applyEnv(".env"); err != nil {
		return "", err
	}
	return strings.TrimSpace(cfg.Cache.Generation), nil
}

// applyEnv overlays STREAMFLIX_* variables. A missing env file is not an error.
func (c *Config) applyEnv(envFile string) error {
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	overrides := map[string]*string{
		"STREAMFLIX_DATABASE_DSN": &c.Database.DSN,
		"STREAMFLIX_REMOTE_URL":   &c.Library.RemoteURL,
		"STREAMFLIX_CATALOG_URL":  &c.Library.CatalogURL,
		"STREAMFLIX_DATA_PATH":    &c.Library.DataPath,
		"STREAMFLIX_UPSTREAM":     &c.Cache.Upstream,
		"STREAMFLIX_GENERATION":   &c.Cache.Generation,
		"STREAMFLIX_LOG_LEVEL":    &c.Logging.Level,
		"NGROK_AUTHTOKEN":         &c.Ngrok.AuthToken,
	}
	for name, field := range overrides {
		if value, ok := os.LookupEnv(name); ok && value != "" {
			*field = value
		}
	}
	return nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Streamflix Configuration
# [library] configures the on-device library and where it syncs to.
# [cache] configures the offline edge. Changing cache.generation drops every
# older cached generation on the next activation.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}
	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database max connections must be at least 1")
	}

	if c.Library.DataPath == "" {
		return fmt.Errorf("library data path cannot be empty")
	}
	if c.Library.HistoryLimit < 1 {
		return fmt.Errorf("library history limit must be at least 1")
	}
	if c.Library.RemoteURL != "" {
		if err := validateHTTPURL(c.Library.RemoteURL); err != nil {
			return fmt.Errorf("library remote url: %w", err)
		}
	}

	if strings.TrimSpace(c.Cache.Generation) == "" {
		return fmt.Errorf("cache generation cannot be empty")
	}
	if err := validateHTTPURL(c.Cache.Upstream); err != nil {
		return fmt.Errorf("cache upstream: %w", err)
	}
	if !strings.HasPrefix(c.Cache.ShellPath, "/") {
		return fmt.Errorf("cache shell path must start with /")
	}
	if c.Cache.PrecacheWorkers < 1 {
		return fmt.Errorf("cache precache workers must be at least 1")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1) {
		return fmt.Errorf("rate limit needs a positive rate and burst")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// IsPostgres reports whether the database DSN points at PostgreSQL.
func (c *Config) IsPostgres() bool {
	dsn := strings.ToLower(c.Database.DSN)
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
