// Package config defines the configuration surface of the ingestion
// pipeline (spec §6) and loads it the way the rest of the broker does:
// flag defaults first, then an optional YAML/JSON file overlay.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full configuration surface for one ingestion task.
type Config struct {
	ParallelProcessingPoolSize int `yaml:"parallel_processing_pool_size" json:"parallel_processing_pool_size"`

	SchemaPollingTimeoutMS int `yaml:"schema_polling_timeout_ms" json:"schema_polling_timeout_ms"`
	SchemaPollingDelayMS   int `yaml:"schema_polling_delay_ms" json:"schema_polling_delay_ms"`

	GlobalRTDivEnabled             bool `yaml:"global_rt_div_enabled" json:"global_rt_div_enabled"`
	ActiveActiveReplicationEnabled bool `yaml:"active_active_replication_enabled" json:"active_active_replication_enabled"`
	ChunkingEnabled                bool `yaml:"chunking_enabled" json:"chunking_enabled"`
	IncrementalPushEnabled         bool `yaml:"incremental_push_enabled" json:"incremental_push_enabled"`
	SeparateRTTopicEnabled         bool `yaml:"separate_rt_topic_enabled" json:"separate_rt_topic_enabled"`

	LeaderCompleteStateCheckIntervalMS int `yaml:"leader_complete_state_check_interval_ms" json:"leader_complete_state_check_interval_ms"`

	IsDataRecovery bool `yaml:"is_data_recovery" json:"is_data_recovery"`

	// DrainerQueueCapacity and DrainerWorkerCount size the bounded drainer
	// queue (§4.H); not part of spec.md's enumerated surface but required
	// to construct one.
	DrainerQueueCapacity int `yaml:"drainer_queue_capacity" json:"drainer_queue_capacity"`
	DrainerWorkerCount   int `yaml:"drainer_worker_count" json:"drainer_worker_count"`

	// CompressionCodec names the codec ("gzip", "snappy", "lz4", "none")
	// the leader applies to a record's value before producing it downstream
	// (wire.CompressMessage); mirrors the broker's per-topic compression
	// strategy setting.
	CompressionCodec string `yaml:"compression_codec" json:"compression_codec"`
}

func (c *Config) SchemaPollingTimeout() time.Duration {
	return time.Duration(c.SchemaPollingTimeoutMS) * time.Millisecond
}

func (c *Config) SchemaPollingDelay() time.Duration {
	return time.Duration(c.SchemaPollingDelayMS) * time.Millisecond
}

func (c *Config) LeaderCompleteStateCheckInterval() time.Duration {
	return time.Duration(c.LeaderCompleteStateCheckIntervalMS) * time.Millisecond
}

// LoadConfig parses flag defaults and optionally overlays a YAML/JSON file
// given by -config.
func LoadConfig(args []string) (*Config, error) {
	fs := flag.NewFlagSet("venice-ingestion", flag.ContinueOnError)
	cfg := &Config{}

	fs.IntVar(&cfg.ParallelProcessingPoolSize, "parallel-processing-pool-size", 8, "mini-batch width for the batch processor")
	fs.IntVar(&cfg.SchemaPollingTimeoutMS, "schema-polling-timeout-ms", 60000, "max wait for a schema id to become known")
	fs.IntVar(&cfg.SchemaPollingDelayMS, "schema-polling-delay-ms", 200, "interval between schema-availability polls")
	fs.BoolVar(&cfg.GlobalRTDivEnabled, "global-rt-div-enabled", false, "use a single DIV tracker topology across VT and RT")
	fs.BoolVar(&cfg.ActiveActiveReplicationEnabled, "active-active-replication-enabled", false, "enable A/A merge path")
	fs.BoolVar(&cfg.ChunkingEnabled, "chunking-enabled", false, "accept chunked value manifests")
	fs.BoolVar(&cfg.IncrementalPushEnabled, "incremental-push-enabled", false, "handle incremental push control messages")
	fs.BoolVar(&cfg.SeparateRTTopicEnabled, "separate-rt-topic-enabled", false, "real-time topic is separate from version topic")
	fs.IntVar(&cfg.LeaderCompleteStateCheckIntervalMS, "leader-complete-state-check-interval-ms", 10000, "interval for leader-completion heartbeat checks")
	fs.BoolVar(&cfg.IsDataRecovery, "is-data-recovery", false, "partition is undergoing data recovery")
	fs.IntVar(&cfg.DrainerQueueCapacity, "drainer-queue-capacity", 1000, "capacity of the bounded drainer queue")
	fs.IntVar(&cfg.DrainerWorkerCount, "drainer-worker-count", 4, "number of drainer consumer goroutines")
	fs.StringVar(&cfg.CompressionCodec, "compression-codec", "none", "codec applied to a record's value before producing downstream (gzip, snappy, lz4, none)")

	configPath := fs.String("config", "", "path to a YAML or JSON config file overlay")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", *configPath, err)
		}
		if strings.HasSuffix(*configPath, ".json") {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse json config %s: %w", *configPath, err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse yaml config %s: %w", *configPath, err)
			}
		}
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ParallelProcessingPoolSize <= 0 {
		cfg.ParallelProcessingPoolSize = 8
	}
	if cfg.SchemaPollingTimeoutMS <= 0 {
		cfg.SchemaPollingTimeoutMS = 60000
	}
	if cfg.SchemaPollingDelayMS <= 0 {
		cfg.SchemaPollingDelayMS = 200
	}
	if cfg.LeaderCompleteStateCheckIntervalMS <= 0 {
		cfg.LeaderCompleteStateCheckIntervalMS = 10000
	}
	if cfg.DrainerQueueCapacity <= 0 {
		cfg.DrainerQueueCapacity = 1000
	}
	if cfg.DrainerWorkerCount <= 0 {
		cfg.DrainerWorkerCount = 4
	}
	if cfg.CompressionCodec == "" {
		cfg.CompressionCodec = "none"
	}
}
