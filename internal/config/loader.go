package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Load loads configuration from file
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/agencyd")
	}

	setDefaults(v)

	v.SetEnvPrefix("AGENCYD")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return parseConfig(v)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	return parseConfig(v)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.http_port", 5555)

	v.SetDefault("supervisor.agency_prefix", "/arango")
	v.SetDefault("supervisor.frequency", "1s")
	v.SetDefault("supervisor.grace_period", "5s")
	v.SetDefault("supervisor.init_poll_delay", "5s")
	v.SetDefault("supervisor.job_id_batch_size", 10000)

	v.SetDefault("storage.node_id", "dbserver-default")
	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.default_journal_size", 32*1024*1024)
	v.SetDefault("storage.lock_timeout", "15m")
	v.SetDefault("storage.journal_compression", false)

	v.SetDefault("etcd.endpoints", []string{"http://localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.lease_ttl", "10s")

	v.SetDefault("queue.url", "nats://localhost:4222")

	v.SetDefault("replication.factor", 3)
	v.SetDefault("replication.strategy", "async")
	v.SetDefault("replication.min_replicas_for_write", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("coordinator.max_replication_factor", 3)
	v.SetDefault("coordinator.shrink_allow_remove_server", false)
}

// parseConfig parses viper config into Config struct
func parseConfig(v *viper.Viper) (*Config, error) {
	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads configuration from file or returns default config
func LoadOrDefault(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		return DefaultConfig()
	}
	return cfg
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 5555,
		},
		Supervisor: SupervisorConfig{
			AgencyPrefix:   "/arango",
			Frequency:      time.Second,
			GracePeriod:    5 * time.Second,
			InitPollDelay:  5 * time.Second,
			JobIDBatchSize: 10000,
		},
		Storage: StorageConfig{
			NodeID:             "dbserver-default",
			DataDir:            "./data",
			DefaultJournalSize: 32 * 1024 * 1024,
			LockTimeout:        15 * time.Minute,
		},
		Etcd: EtcdConfig{
			Endpoints:   []string{"http://localhost:2379"},
			DialTimeout: 5 * time.Second,
			LeaseTTL:    10 * time.Second,
		},
		Replication: ReplicationConfig{
			Factor:              3,
			Strategy:            "async",
			MinReplicasForWrite: 1,
		},
		Coordinator: CoordinatorConfig{
			MaxReplicationFactor:    3,
			ShrinkAllowRemoveServer: false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
	}
}
