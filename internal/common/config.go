package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment   string              `toml:"environment"` // "development" or "production"
	Server        ServerConfig        `toml:"server"`
	Database      DatabaseConfig      `toml:"database"`
	Queue         QueueConfig         `toml:"queue"`
	ObjectStore   ObjectStoreConfig   `toml:"object_store"`
	Orchestration OrchestrationConfig `toml:"orchestration"`
	Failer        FailerConfig        `toml:"failer"`
	Batching      BatchingConfig      `toml:"batching"`
	Logging       LoggingConfig       `toml:"logging"`
}

type ServerConfig struct {
	Port int    `toml:"port" validate:"gt=0,lte=65535"`
	Host string `toml:"host"`
}

// DatabaseConfig holds SQLite settings for the relational state store.
type DatabaseConfig struct {
	Path           string `toml:"path" validate:"required"` // Database file path
	ResetOnStartup bool   `toml:"reset_on_startup"`         // Delete database on startup for clean test runs
}

// QueueConfig selects and tunes the embedded queue provider.
type QueueConfig struct {
	Provider          string `toml:"provider" validate:"oneof=sqlite badger"` // "sqlite" (goqite) or "badger"
	BadgerPath        string `toml:"badger_path"`                             // Badger directory when provider = "badger"
	PollInterval      string `toml:"poll_interval"`                           // e.g., "500ms" - how often consumers poll
	VisibilityTimeout string `toml:"visibility_timeout"`                      // e.g., "5m" - redelivery window
	MaxReceive        int    `toml:"max_receive"`                             // Max deliveries before a message is dropped
}

// ObjectStoreConfig locates the staging area holding STAC catalog outputs.
type ObjectStoreConfig struct {
	Root string `toml:"root"` // Filesystem root for catalog objects
}

// OrchestrationConfig carries the job and work-item policy knobs.
type OrchestrationConfig struct {
	WorkItemRetryLimit                            int `toml:"work_item_retry_limit" validate:"gte=0"`
	MaxErrorsForJob                               int `toml:"max_errors_for_job" validate:"gte=0"`
	MaxPercentErrorsForJob                        int `toml:"max_percent_errors_for_job" validate:"gte=0,lte=100"`
	MinCompletedWorkItemsToCheckFailurePercentage int `toml:"min_completed_work_items_to_check_failure_percentage" validate:"gte=0"`
	UpdateConcurrency                             int `toml:"update_concurrency" validate:"gt=0"` // Update queue consumer pool size
	SchedulerBatchSize                            int `toml:"scheduler_batch_size" validate:"gt=0"`
	SchedulerRatePerSecond                        int `toml:"scheduler_rate_per_second" validate:"gt=0"`
	CatalogMaxPageSize                            int `toml:"cmr_max_page_size" validate:"gt=0"`
	MaxGranuleLimit                               int `toml:"max_granule_limit" validate:"gt=0"`
	PreviewThreshold                              int `toml:"preview_threshold" validate:"gte=0"` // Granule count above which jobs start in preview; 0 disables
}

// FailerConfig tunes the stuck-work sweeper.
type FailerConfig struct {
	Enabled                         bool           `toml:"enabled"`
	WorkFailerPeriodSec             int            `toml:"work_failer_period_sec" validate:"gt=0"`
	FailableWorkAgeMinutes          int            `toml:"failable_work_age_minutes" validate:"gt=0"`
	WorkFailerBatchSize             int            `toml:"work_failer_batch_size" validate:"gt=0"`
	MaxWorkItemsOnUpdateQueueFailer int            `toml:"max_work_items_on_update_queue_failer"` // -1 disables the backpressure check
	DefaultTimeoutSeconds           int            `toml:"default_timeout_seconds" validate:"gt=0"`
	ServiceTimeoutSeconds           map[string]int `toml:"service_timeout_seconds"` // Per-service overrides, keyed by service ID
}

// BatchingConfig caps aggregation batches when a step does not set its own.
type BatchingConfig struct {
	MaxBatchInputs      int   `toml:"max_batch_inputs" validate:"gt=0"`
	MaxBatchSizeInBytes int64 `toml:"max_batch_size_in_bytes" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Database: DatabaseConfig{
			Path: "./data/harmony.db",
		},
		Queue: QueueConfig{
			Provider:          "sqlite",
			BadgerPath:        "./data/queue",
			PollInterval:      "500ms",
			VisibilityTimeout: "5m",
			MaxReceive:        10,
		},
		ObjectStore: ObjectStoreConfig{
			Root: "./data/artifacts",
		},
		Orchestration: OrchestrationConfig{
			WorkItemRetryLimit:     3,
			MaxErrorsForJob:        100,
			MaxPercentErrorsForJob: 10,
			MinCompletedWorkItemsToCheckFailurePercentage: 50,
			UpdateConcurrency:      4,
			SchedulerBatchSize:     10,
			SchedulerRatePerSecond: 20,
			CatalogMaxPageSize:     2000,
			MaxGranuleLimit:        350000,
			PreviewThreshold:       0,
		},
		Failer: FailerConfig{
			Enabled:                         true,
			WorkFailerPeriodSec:             60,
			FailableWorkAgeMinutes:          5,
			WorkFailerBatchSize:             100,
			MaxWorkItemsOnUpdateQueueFailer: 1000,
			DefaultTimeoutSeconds:           300,
			ServiceTimeoutSeconds:           map[string]int{},
		},
		Batching: BatchingConfig{
			MaxBatchInputs:      2048,
			MaxBatchSizeInBytes: 1024 * 1024 * 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration from multiple TOML files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier ones.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks the configuration against its declared constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Failer.MaxWorkItemsOnUpdateQueueFailer < -1 {
		return fmt.Errorf("invalid configuration: max_work_items_on_update_queue_failer must be >= -1")
	}
	return nil
}

// QueuePollInterval parses the queue poll interval, falling back to 500ms.
func (c *Config) QueuePollInterval() time.Duration {
	d, err := time.ParseDuration(c.Queue.PollInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// QueueVisibilityTimeout parses the visibility timeout, falling back to 5m.
func (c *Config) QueueVisibilityTimeout() time.Duration {
	d, err := time.ParseDuration(c.Queue.VisibilityTimeout)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// ServiceTimeout returns the fallback per-item timeout for a service,
// honoring per-service overrides (aggregation services typically carry a
// larger one).
func (c *Config) ServiceTimeout(serviceID string) time.Duration {
	if sec, ok := c.Failer.ServiceTimeoutSeconds[serviceID]; ok && sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return time.Duration(c.Failer.DefaultTimeoutSeconds) * time.Second
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("HARMONY_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("HARMONY_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("HARMONY_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if path := os.Getenv("HARMONY_DATABASE_PATH"); path != "" {
		config.Database.Path = path
	}
	if provider := os.Getenv("HARMONY_QUEUE_PROVIDER"); provider != "" {
		config.Queue.Provider = provider
	}
	if level := os.Getenv("HARMONY_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if limit := os.Getenv("HARMONY_WORK_ITEM_RETRY_LIMIT"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.Orchestration.WorkItemRetryLimit = n
		}
	}
}
