package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Database  DatabaseConfig  `yaml:"database" envconfig:"DATABASE"`
	Security  SecurityConfig  `yaml:"security" envconfig:"SECURITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Paths     PathsConfig     `yaml:"paths" envconfig:"PATHS"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Verify    VerifyConfig    `yaml:"verify" envconfig:"VERIFY"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES" default:"1048576"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// DatabaseConfig contains Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host" envconfig:"HOST" default:"localhost"`
	Port            int           `yaml:"port" envconfig:"PORT" default:"5432"`
	User            string        `yaml:"user" envconfig:"USER" default:"sentinel"`
	Password        string        `yaml:"password" envconfig:"PASSWORD"`
	Name            string        `yaml:"name" envconfig:"NAME" default:"sentinel"`
	SSLMode         string        `yaml:"ssl_mode" envconfig:"SSL_MODE" default:"disable"`
	MaxOpenConns    int           `yaml:"max_open_conns" envconfig:"MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `yaml:"max_idle_conns" envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" envconfig:"CONN_MAX_LIFETIME" default:"5m"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

// SecurityConfig contains auth and rate limiting configuration.
// DashboardTokenHashes holds bcrypt hashes of the bearer tokens the
// dashboard authenticates with; raw tokens are never stored.
type SecurityConfig struct {
	DashboardTokenHashes []string        `yaml:"dashboard_token_hashes" envconfig:"DASHBOARD_TOKEN_HASHES"`
	AllowedOrigins       []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS" default:"http://localhost:3000"`
	EnableCORS           bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS" default:"true"`
	RateLimit            RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
}

// RateLimitConfig contains rate limiting configuration for the
// machine-facing verification endpoint.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED" default:"true"`
	RPS     float64 `yaml:"rps" envconfig:"RPS" default:"200"`
	Burst   int     `yaml:"burst" envconfig:"BURST" default:"100"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/sentineld.log"`
}

// PathsConfig contains file system paths.
type PathsConfig struct {
	DataDir     string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
	BinariesDir string `yaml:"binaries_dir" envconfig:"BINARIES_DIR" default:"data/binaries"`
	GeoIPDB     string `yaml:"geoip_db" envconfig:"GEOIP_DB"`
}

// TelemetryConfig controls the aggregation snapshot job.
type TelemetryConfig struct {
	RefreshSchedule string        `yaml:"refresh_schedule" envconfig:"REFRESH_SCHEDULE" default:"@every 1m"`
	Window          time.Duration `yaml:"window" envconfig:"WINDOW" default:"24h"`
}

// VerifyConfig tunes the verification engine hot path.
type VerifyConfig struct {
	SnapshotCacheTTL  time.Duration `yaml:"snapshot_cache_ttl" envconfig:"SNAPSHOT_CACHE_TTL" default:"500ms"`
	SnapshotCacheSize int           `yaml:"snapshot_cache_size" envconfig:"SNAPSHOT_CACHE_SIZE" default:"4096"`
	DownloadTokenTTL  time.Duration `yaml:"download_token_ttl" envconfig:"DOWNLOAD_TOKEN_TTL" default:"5m"`
}

// Load loads configuration from a .env file (if present), environment
// variables and an optional YAML config file. Environment wins.
func Load() (*Config, error) {
	// Best effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("SENTINEL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := os.Getenv("SENTINEL_CONFIG_FILE")
	if configFile == "" {
		configFile = "config.yaml"
	}
	if _, err := os.Stat(configFile); err == nil {
		fileCfg, err := loadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = merge(*fileCfg, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// merge overlays file values onto the env-processed config. A file
// value applies only when it is set and the matching environment
// variable is not, so precedence stays env > file > defaults.
func merge(file, env Config) Config {
	if file.Server.Port != 0 && !envSet("SENTINEL_SERVER_PORT") {
		env.Server.Port = file.Server.Port
	}
	if file.Database.Host != "" && !envSet("SENTINEL_DATABASE_HOST") {
		env.Database.Host = file.Database.Host
	}
	if file.Database.Port != 0 && !envSet("SENTINEL_DATABASE_PORT") {
		env.Database.Port = file.Database.Port
	}
	if file.Database.User != "" && !envSet("SENTINEL_DATABASE_USER") {
		env.Database.User = file.Database.User
	}
	if file.Database.Password != "" && !envSet("SENTINEL_DATABASE_PASSWORD") {
		env.Database.Password = file.Database.Password
	}
	if file.Database.Name != "" && !envSet("SENTINEL_DATABASE_NAME") {
		env.Database.Name = file.Database.Name
	}
	if len(file.Security.DashboardTokenHashes) != 0 && !envSet("SENTINEL_SECURITY_DASHBOARD_TOKEN_HASHES") {
		env.Security.DashboardTokenHashes = file.Security.DashboardTokenHashes
	}
	if file.Logging.Level != "" && !envSet("SENTINEL_LOGGING_LEVEL") {
		env.Logging.Level = file.Logging.Level
	}
	if file.Paths.GeoIPDB != "" && !envSet("SENTINEL_PATHS_GEOIP_DB") {
		env.Paths.GeoIPDB = file.Paths.GeoIPDB
	}
	return env
}

func envSet(key string) bool {
	_, ok := os.LookupEnv(key)
	return ok
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Telemetry.Window <= 0 {
		return fmt.Errorf("telemetry window must be positive")
	}
	if c.Verify.SnapshotCacheTTL > time.Second {
		// A stale revoked flag on the hot path must stay sub-second;
		// revoke invalidation covers the remainder.
		return fmt.Errorf("snapshot cache ttl must not exceed 1s")
	}
	return nil
}
