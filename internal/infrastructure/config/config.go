package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Praxis Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Workcell  WorkcellConfig  `yaml:"workcell"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Assets    AssetsConfig    `yaml:"assets"`
	State     StateConfig     `yaml:"state"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// WorkcellConfig identifies the workcell and how its instruments are driven.
type WorkcellConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// LayoutPath points at the YAML inventory file loaded at startup.
	// Empty means no inventory import is performed.
	LayoutPath string `yaml:"layout_path"`

	// Simulate selects simulated driver backends for every attached asset.
	// Real hardware must be opted into explicitly.
	Simulate bool `yaml:"simulate"`

	// CommandTimeout is how long a driver command may run, in seconds.
	CommandTimeout int `yaml:"command_timeout"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// SchedulerConfig contains run admission and dispatch settings.
type SchedulerConfig struct {
	// Workers bounds how many runs execute concurrently.
	Workers int `yaml:"workers"`

	// QueueSize bounds how many submitted runs may wait for a worker.
	QueueSize int `yaml:"queue_size"`

	// DispatchInterval is how often the queue is re-examined when no
	// release or submission has woken the dispatcher, in milliseconds.
	DispatchInterval int `yaml:"dispatch_interval"`
}

// AssetsConfig contains reservation behaviour settings.
type AssetsConfig struct {
	// MaxWait is how long a run may wait for contended assets before its
	// reservation times out, in seconds. Zero disables waiting entirely.
	MaxWait int `yaml:"max_wait"`

	// Policy names the fairness policy for contended assets.
	// Currently "fifo" is the only built-in.
	Policy string `yaml:"policy"`
}

// StateConfig contains run-state retention settings.
type StateConfig struct {
	// RetentionHours is how long run state and logs are kept after a run
	// reaches a terminal status.
	RetentionHours int `yaml:"retention_hours"`

	// SweepInterval is how often expired state is pruned, in minutes.
	SweepInterval int `yaml:"sweep_interval"`
}

// NotifierConfig contains observer fan-out settings.
type NotifierConfig struct {
	// BufferSize is the per-observer message buffer. When a slow observer
	// falls behind, the oldest buffered messages are dropped first.
	BufferSize int `yaml:"buffer_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: PRAXIS_SECTION_KEY
// For example: PRAXIS_DATABASE_PATH, PRAXIS_MQTT_HOST
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := defaultConfig()

	// Read and parse YAML file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Workcell: WorkcellConfig{
			ID:             "workcell-001",
			Name:           "Praxis Workcell",
			Simulate:       true,
			CommandTimeout: 30,
		},
		Database: DatabaseConfig{
			Path:        "./data/praxis.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: true,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "praxis-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		Scheduler: SchedulerConfig{
			Workers:          4,
			QueueSize:        64,
			DispatchInterval: 250,
		},
		Assets: AssetsConfig{
			MaxWait: 30,
			Policy:  "fifo",
		},
		State: StateConfig{
			RetentionHours: 24,
			SweepInterval:  15,
		},
		Notifier: NotifierConfig{
			BufferSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: PRAXIS_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("PRAXIS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("PRAXIS_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("PRAXIS_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("PRAXIS_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// InfluxDB
	if v := os.Getenv("PRAXIS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Workcell
	if v := os.Getenv("PRAXIS_WORKCELL_LAYOUT"); v != "" {
		cfg.Workcell.LayoutPath = v
	}
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Workcell validation
	if c.Workcell.ID == "" {
		errs = append(errs, "workcell.id is required")
	}
	if c.Workcell.CommandTimeout < 1 {
		errs = append(errs, "workcell.command_timeout must be at least 1 second")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	// Scheduler validation
	if c.Scheduler.Workers < 1 {
		errs = append(errs, "scheduler.workers must be at least 1")
	}
	if c.Scheduler.QueueSize < 1 {
		errs = append(errs, "scheduler.queue_size must be at least 1")
	}
	if c.Scheduler.DispatchInterval < 1 {
		errs = append(errs, "scheduler.dispatch_interval must be at least 1 millisecond")
	}

	// Asset validation
	if c.Assets.MaxWait < 0 {
		errs = append(errs, "assets.max_wait must not be negative")
	}
	switch c.Assets.Policy {
	case "", "fifo":
	default:
		errs = append(errs, fmt.Sprintf("assets.policy %q is not recognised", c.Assets.Policy))
	}

	// State validation
	if c.State.RetentionHours < 0 {
		errs = append(errs, "state.retention_hours must not be negative")
	}
	if c.State.SweepInterval < 1 {
		errs = append(errs, "state.sweep_interval must be at least 1 minute")
	}

	// Notifier validation
	if c.Notifier.BufferSize < 1 {
		errs = append(errs, "notifier.buffer_size must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetCommandTimeout returns the driver command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.Workcell.CommandTimeout) * time.Second
}

// GetReservationMaxWait returns the reservation wait budget as a Duration.
func (c *Config) GetReservationMaxWait() time.Duration {
	return time.Duration(c.Assets.MaxWait) * time.Second
}

// GetDispatchInterval returns the scheduler re-dispatch interval as a Duration.
func (c *Config) GetDispatchInterval() time.Duration {
	return time.Duration(c.Scheduler.DispatchInterval) * time.Millisecond
}

// GetStateRetention returns the post-terminal state retention window as a Duration.
func (c *Config) GetStateRetention() time.Duration {
	return time.Duration(c.State.RetentionHours) * time.Hour
}

// GetSweepInterval returns the retention sweep interval as a Duration.
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.State.SweepInterval) * time.Minute
}
