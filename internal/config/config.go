package config

import (
	"fmt"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Supervisor  SupervisorConfig  `mapstructure:"supervisor"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Etcd        EtcdConfig        `mapstructure:"etcd"`
	Queue       QueueConfig       `mapstructure:"queue"`
	Replication ReplicationConfig `mapstructure:"replication"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// CoordinatorConfig governs shrink and replication policy
type CoordinatorConfig struct {
	MaxReplicationFactor    int  `mapstructure:"max_replication_factor"`     // Ceiling used by shrinkCluster's second branch
	ShrinkAllowRemoveServer bool `mapstructure:"shrink_allow_remove_server"` // Preserve-as-behavior switch; default false routes shrink exclusively through cleanOutServer
}

// AuthConfig represents authentication configuration for the ambient status surface
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// ServerConfig represents the ambient HTTP status surface configuration
type ServerConfig struct {
	Host     string `mapstructure:"host"`      // Bind address (e.g., 0.0.0.0 for all interfaces)
	HTTPPort int    `mapstructure:"http_port"` // Read-only status HTTP port
}

// SupervisorConfig governs the supervisor loop's timing and job framework
type SupervisorConfig struct {
	AgencyPrefix   string        `mapstructure:"agency_prefix"`     // Fixed prefix under which the supervisor reads/writes (default "/arango")
	Frequency      time.Duration `mapstructure:"frequency"`         // Tick interval F (default 1s)
	GracePeriod    time.Duration `mapstructure:"grace_period"`      // Minimum BAD duration and post-election quiet period (default 5s)
	InitPollDelay  time.Duration `mapstructure:"init_poll_delay"`   // Sleep between readDB polls while waiting for a non-empty tree (default 5s)
	JobIDBatchSize int           `mapstructure:"job_id_batch_size"` // N ids allocated per /Sync/LatestID increment (default 10000)
}

// StorageConfig represents the append-only storage engine's configuration
type StorageConfig struct {
	NodeID             string        `mapstructure:"node_id"`
	DataDir            string        `mapstructure:"data_dir"`
	DefaultJournalSize int64         `mapstructure:"default_journal_size"` // Bytes; collections without an explicit override use this
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`         // Collection write-lock deadlock/timeout bound (default 15m)
	JournalCompression bool          `mapstructure:"journal_compression"`  // Snappy-compress marker bodies (default off)
}

// EtcdConfig represents etcd configuration backing the agency client
type EtcdConfig struct {
	Endpoints   []string      `mapstructure:"endpoints"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	LeaseTTL    time.Duration `mapstructure:"lease_ttl"` // TTL of the leader-election session lease
}

// QueueConfig represents the event-bus transport configuration. The bus is
// publish-only (internal/events never subscribes back to its own events),
// so this only carries what a Publisher needs to hand messages off.
type QueueConfig struct {
	Type     string `mapstructure:"type"` // nats (default), redis, kafka, memory
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	RedisDB     int    `mapstructure:"redis_db"`
	RedisStream string `mapstructure:"redis_stream"`

	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// ReplicationConfig represents replication configuration
type ReplicationConfig struct {
	Factor              int    `mapstructure:"factor"`
	Strategy            string `mapstructure:"strategy"` // sync, async
	MinReplicasForWrite int    `mapstructure:"min_replicas_for_write"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, file path
	TimeFormat string `mapstructure:"time_format"` // RFC3339 (default), Unix, Kitchen
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.Supervisor.Validate(); err != nil {
		return fmt.Errorf("supervisor config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}

	if err := c.Etcd.Validate(); err != nil {
		return fmt.Errorf("etcd config: %w", err)
	}

	if err := c.Replication.Validate(); err != nil {
		return fmt.Errorf("replication config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (c *ServerConfig) Validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.HTTPPort)
	}
	return nil
}

// Validate validates supervisor configuration
func (c *SupervisorConfig) Validate() error {
	if c.AgencyPrefix == "" {
		return fmt.Errorf("agency_prefix is required")
	}

	if c.Frequency <= 0 {
		return fmt.Errorf("frequency must be positive")
	}

	if c.GracePeriod <= 0 {
		return fmt.Errorf("grace_period must be positive")
	}

	if c.JobIDBatchSize <= 0 {
		return fmt.Errorf("job_id_batch_size must be positive")
	}

	return nil
}

// Validate validates storage configuration
func (c *StorageConfig) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.DefaultJournalSize <= 0 {
		return fmt.Errorf("default_journal_size must be positive")
	}

	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}

	return nil
}

// Validate validates etcd configuration
func (c *EtcdConfig) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("etcd.endpoints is required")
	}

	if c.DialTimeout <= 0 {
		return fmt.Errorf("etcd.dial_timeout must be positive")
	}

	return nil
}

// Validate validates replication configuration
func (c *ReplicationConfig) Validate() error {
	if c.Factor < 0 {
		return fmt.Errorf("replication.factor must be at least 0 (0 denotes a satellite collection)")
	}

	if c.Factor > 10 {
		return fmt.Errorf("replication.factor cannot exceed 10")
	}

	if c.Strategy != "sync" && c.Strategy != "async" {
		return fmt.Errorf("replication.strategy must be 'sync' or 'async'")
	}

	if c.MinReplicasForWrite < 1 {
		return fmt.Errorf("replication.min_replicas_for_write must be at least 1")
	}

	return nil
}

// Validate validates logging configuration
func (c *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[c.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console'")
	}

	return nil
}
