package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `toml:"server"`

	// Database configuration
	Database DatabaseConfig `toml:"database"`

	// Import pipeline configuration
	Import ImportConfig `toml:"import"`

	// Progress delivery configuration
	Progress ProgressConfig `toml:"progress"`

	// Client liveness thresholds
	Liveness LivenessConfig `toml:"liveness"`

	// Logging configuration
	Log LogConfig `toml:"log"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port            string        `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	MigrationsPath  string        `toml:"migrations_path"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host         string        `toml:"host"`
	Port         string        `toml:"port"`
	User         string        `toml:"user"`
	Password     string        `toml:"password"`
	Name         string        `toml:"name"`
	SSLMode      string        `toml:"ssl_mode"`
	MaxOpenConns int           `toml:"max_open_conns"`
	MaxIdleConns int           `toml:"max_idle_conns"`
	MaxLifetime  time.Duration `toml:"max_lifetime"`
}

// ImportConfig holds import pipeline settings
type ImportConfig struct {
	BatchSize       int           `toml:"batch_size"`        // rows per write transaction
	LookupBatchSize int           `toml:"lookup_batch_size"` // keys per storage dedup query
	MaxUploadSize   int64         `toml:"max_upload_size"`   // in bytes
	MaxRows         int           `toml:"max_rows"`          // 0 means unlimited
	MaxErrors       int           `toml:"max_errors"`        // errors kept on the job snapshot
	TickEvery       int           `toml:"tick_every"`        // parsed rows between progress ticks
	MaxWorkers      int           `toml:"max_workers"`
	WriteRetries    int           `toml:"write_retries"`
	RetryBackoff    time.Duration `toml:"retry_backoff"`
	UploadDir       string        `toml:"upload_dir"`
}

// ProgressConfig holds progress broadcaster settings
type ProgressConfig struct {
	BufferSize int           `toml:"buffer_size"` // per-subscriber queued snapshots
	Interval   time.Duration `toml:"interval"`    // minimum gap between intermediate events
}

// LivenessConfig holds the client silence thresholds
type LivenessConfig struct {
	WarnAfter time.Duration `toml:"warn_after"`
	FailAfter time.Duration `toml:"fail_after"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "pretty"
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    300 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MigrationsPath:  "./migrations",
		},
		Database: DatabaseConfig{
			Host:         "localhost",
			Port:         "5432",
			User:         "postgres",
			Password:     "postgres",
			Name:         "contacts",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			MaxLifetime:  5 * time.Minute,
		},
		Import: ImportConfig{
			BatchSize:       500,
			LookupBatchSize: 500,
			MaxUploadSize:   50 * 1024 * 1024, // 50MB
			MaxErrors:       100,
			TickEvery:       500,
			MaxWorkers:      8,
			WriteRetries:    3,
			RetryBackoff:    200 * time.Millisecond,
			UploadDir:       "./data/uploads",
		},
		Progress: ProgressConfig{
			BufferSize: 16,
			Interval:   250 * time.Millisecond,
		},
		Liveness: LivenessConfig{
			WarnAfter: 30 * time.Second,
			FailAfter: 60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional TOML file and
// environment variables, in that order of precedence
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	// Validate required configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.ReadTimeout = getDurationEnv("SERVER_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = getDurationEnv("SERVER_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.MigrationsPath = getEnv("MIGRATIONS_PATH", c.Server.MigrationsPath)

	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)
	c.Database.MaxOpenConns = getIntEnv("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getIntEnv("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.MaxLifetime = getDurationEnv("DB_MAX_LIFETIME", c.Database.MaxLifetime)

	c.Import.BatchSize = getIntEnv("IMPORT_BATCH_SIZE", c.Import.BatchSize)
	c.Import.LookupBatchSize = getIntEnv("IMPORT_LOOKUP_BATCH_SIZE", c.Import.LookupBatchSize)
	c.Import.MaxUploadSize = getInt64Env("MAX_UPLOAD_SIZE", c.Import.MaxUploadSize)
	c.Import.MaxRows = getIntEnv("IMPORT_MAX_ROWS", c.Import.MaxRows)
	c.Import.MaxErrors = getIntEnv("IMPORT_MAX_ERRORS", c.Import.MaxErrors)
	c.Import.TickEvery = getIntEnv("IMPORT_TICK_EVERY", c.Import.TickEvery)
	c.Import.MaxWorkers = getIntEnv("IMPORT_MAX_WORKERS", c.Import.MaxWorkers)
	c.Import.WriteRetries = getIntEnv("IMPORT_WRITE_RETRIES", c.Import.WriteRetries)
	c.Import.RetryBackoff = getDurationEnv("IMPORT_RETRY_BACKOFF", c.Import.RetryBackoff)
	c.Import.UploadDir = getEnv("UPLOAD_DIR", c.Import.UploadDir)

	c.Progress.BufferSize = getIntEnv("PROGRESS_BUFFER_SIZE", c.Progress.BufferSize)
	c.Progress.Interval = getDurationEnv("PROGRESS_INTERVAL", c.Progress.Interval)

	c.Liveness.WarnAfter = getDurationEnv("LIVENESS_WARN_AFTER", c.Liveness.WarnAfter)
	c.Liveness.FailAfter = getDurationEnv("LIVENESS_FAIL_AFTER", c.Liveness.FailAfter)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("DB_HOST is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("DB_NAME is required")
	}
	if c.Import.BatchSize <= 0 {
		return fmt.Errorf("IMPORT_BATCH_SIZE must be positive")
	}
	if c.Import.LookupBatchSize <= 0 {
		return fmt.Errorf("IMPORT_LOOKUP_BATCH_SIZE must be positive")
	}
	if c.Import.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	if c.Import.WriteRetries < 0 {
		return fmt.Errorf("IMPORT_WRITE_RETRIES must not be negative")
	}
	if c.Liveness.WarnAfter >= c.Liveness.FailAfter {
		return fmt.Errorf("LIVENESS_WARN_AFTER must be shorter than LIVENESS_FAIL_AFTER")
	}
	return nil
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
