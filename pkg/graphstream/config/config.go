// Package config loads pipeline configuration from YAML or JSON files.
// Every section validates fail-fast at load; a bad value never silently
// defaults at runtime.
package config

import (
	"fmt"

	gserrors "github.com/randalmurphal/graphstream/pkg/graphstream/errors"
)

// Config is the full pipeline configuration. Each component reads its own
// section; unset values take the component defaults.
type Config struct {
	Producer ProducerConfig `yaml:"producer" json:"producer"`
	Log      LogConfig      `yaml:"log" json:"log"`
	Replay   ReplayConfig   `yaml:"replay" json:"replay"`
	Observer ObserverConfig `yaml:"observer" json:"observer"`
}

// ProducerConfig configures the producer side.
type ProducerConfig struct {
	ThreadID             string   `yaml:"thread_id" json:"thread_id"`
	TenantID             string   `yaml:"tenant_id" json:"tenant_id"`
	QueueCapacity        int      `yaml:"queue_capacity" json:"queue_capacity"`
	BatchSize            int      `yaml:"batch_size" json:"batch_size"`
	BatchTimeout         Duration `yaml:"batch_timeout" json:"batch_timeout"`
	CheckpointInterval   uint64   `yaml:"checkpoint_interval" json:"checkpoint_interval"`
	CompressionThreshold int      `yaml:"compression_threshold" json:"compression_threshold"`
	MaxMessageSize       int      `yaml:"max_message_size" json:"max_message_size"`
}

// LogConfig configures the Kafka adapter.
type LogConfig struct {
	Brokers        []string `yaml:"brokers" json:"brokers"`
	Topic          string   `yaml:"topic" json:"topic"`
	Group          string   `yaml:"group" json:"group"`
	ClientID       string   `yaml:"client_id" json:"client_id"`
	PublishTimeout Duration `yaml:"publish_timeout" json:"publish_timeout"`
}

// ReplayConfig configures the replay service.
type ReplayConfig struct {
	ListenAddr         string   `yaml:"listen_addr" json:"listen_addr"`
	RedisAddr          string   `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword      string   `yaml:"redis_password" json:"redis_password"`
	RedisDB            int      `yaml:"redis_db" json:"redis_db"`
	KeyPrefix          string   `yaml:"key_prefix" json:"key_prefix"`
	Retention          Duration `yaml:"retention" json:"retention"`
	MaxPerPartition    int      `yaml:"max_per_partition" json:"max_per_partition"`
	MaxPerThread       int      `yaml:"max_per_thread" json:"max_per_thread"`
	PartitionPageLimit int      `yaml:"partition_page_limit" json:"partition_page_limit"`
	GlobalReplayLimit  int      `yaml:"global_replay_limit" json:"global_replay_limit"`
	StaleCursorMode    string   `yaml:"stale_cursor_mode" json:"stale_cursor_mode"`
	FailMode           string   `yaml:"fail_mode" json:"fail_mode"`
	DeadLetterPath     string   `yaml:"dead_letter_path" json:"dead_letter_path"`
	LagSampleInterval  Duration `yaml:"lag_sample_interval" json:"lag_sample_interval"`
}

// ObserverConfig configures the observer client.
type ObserverConfig struct {
	URL              string   `yaml:"url" json:"url"`
	CursorPath       string   `yaml:"cursor_path" json:"cursor_path"`
	HandshakeTimeout Duration `yaml:"handshake_timeout" json:"handshake_timeout"`
	MaxThreads       int      `yaml:"max_threads" json:"max_threads"`
	MaxCheckpoints   int      `yaml:"max_checkpoints" json:"max_checkpoints"`
	CheckpointMaxAge Duration `yaml:"checkpoint_max_age" json:"checkpoint_max_age"`
}

// Validate checks every section. It returns the first invalid field.
func (c *Config) Validate() error {
	if err := c.Producer.validate(); err != nil {
		return err
	}
	if err := c.Log.validate(); err != nil {
		return err
	}
	if err := c.Replay.validate(); err != nil {
		return err
	}
	return c.Observer.validate()
}

func (c *ProducerConfig) validate() error {
	if c.QueueCapacity < 0 {
		return &gserrors.ConfigError{Field: "producer.queue_capacity", Message: "must be non-negative"}
	}
	if c.BatchSize < 0 {
		return &gserrors.ConfigError{Field: "producer.batch_size", Message: "must be non-negative"}
	}
	if c.BatchTimeout < 0 {
		return &gserrors.ConfigError{Field: "producer.batch_timeout", Message: "must be non-negative"}
	}
	if c.CompressionThreshold < 0 {
		return &gserrors.ConfigError{Field: "producer.compression_threshold", Message: "must be non-negative"}
	}
	if c.MaxMessageSize < 0 {
		return &gserrors.ConfigError{Field: "producer.max_message_size", Message: "must be non-negative"}
	}
	return nil
}

func (c *LogConfig) validate() error {
	if c.PublishTimeout < 0 {
		return &gserrors.ConfigError{Field: "log.publish_timeout", Message: "must be non-negative"}
	}
	return nil
}

func (c *ReplayConfig) validate() error {
	switch c.StaleCursorMode {
	case "", "reject", "resnapshot":
	default:
		return &gserrors.ConfigError{Field: "replay.stale_cursor_mode", Message: fmt.Sprintf("unknown mode %q", c.StaleCursorMode)}
	}
	switch c.FailMode {
	case "", "open", "closed":
	default:
		return &gserrors.ConfigError{Field: "replay.fail_mode", Message: fmt.Sprintf("unknown mode %q", c.FailMode)}
	}
	if c.FailMode == "closed" && c.DeadLetterPath == "" {
		return &gserrors.ConfigError{Field: "replay.dead_letter_path", Message: "required in fail-closed mode"}
	}
	if c.Retention < 0 {
		return &gserrors.ConfigError{Field: "replay.retention", Message: "must be non-negative"}
	}
	if c.MaxPerPartition < 0 || c.MaxPerThread < 0 {
		return &gserrors.ConfigError{Field: "replay.max_per_partition", Message: "bounds must be non-negative"}
	}
	if c.PartitionPageLimit < 0 || c.GlobalReplayLimit < 0 {
		return &gserrors.ConfigError{Field: "replay.partition_page_limit", Message: "limits must be non-negative"}
	}
	return nil
}

func (c *ObserverConfig) validate() error {
	if c.HandshakeTimeout < 0 {
		return &gserrors.ConfigError{Field: "observer.handshake_timeout", Message: "must be non-negative"}
	}
	if c.MaxThreads < 0 || c.MaxCheckpoints < 0 {
		return &gserrors.ConfigError{Field: "observer.max_threads", Message: "bounds must be non-negative"}
	}
	if c.CheckpointMaxAge < 0 {
		return &gserrors.ConfigError{Field: "observer.checkpoint_max_age", Message: "must be non-negative"}
	}
	return nil
}
