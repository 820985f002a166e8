package mesh

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the mesh core: a 32-entry queue, 100-entry
// seen-id and routing caches, and a one-second route/confirmation wait by
// default.
type Config struct {
	// MeshID partitions the air into independent meshes; frames carrying a
	// different id are dropped before they ever reach the queue.
	MeshID uint32

	// QueueSize bounds the Processor's work queue. Send and the receive
	// callback both refuse new work once less than half of this is free.
	QueueSize int

	// SeenIDCacheSize bounds the shared seen-message-id cache used for
	// duplicate and loop suppression.
	SeenIDCacheSize int

	// RouteCacheSize bounds the Processor-private routing table.
	RouteCacheSize int

	// PendingConfirmCacheSize bounds the set of message ids whose
	// DeliveryConfirm has arrived but whose WaitResponse item has not yet
	// polled for it.
	PendingConfirmCacheSize int

	// MaxWaitTime bounds how long a WaitRoute or WaitResponse work item is
	// re-polled before the originating Send is reported as failed.
	MaxWaitTime time.Duration

	// RadioTimeout bounds how long the Processor waits for the Radio
	// Adapter's completion signal on a single in-flight frame.
	RadioTimeout time.Duration

	// Channel is the 2.4GHz radio channel (1..14) handed to the Link at
	// Init.
	Channel int

	// TimestampFormat, when non-empty, is a strftime pattern used by the
	// node and gateway front-ends to timestamp received-frame output and
	// event lines.
	TimestampFormat string
}

// DefaultConfig returns the stock option values. Every node in a mesh must
// share MeshID and the per-frame payload limit; the rest are local tuning.
func DefaultConfig() Config {
	return Config{
		MeshID:                  0xFAFBFCFD,
		QueueSize:               32,
		SeenIDCacheSize:         100,
		RouteCacheSize:          100,
		PendingConfirmCacheSize: 32,
		MaxWaitTime:             1000 * time.Millisecond,
		RadioTimeout:            50 * time.Millisecond,
		Channel:                 1,
	}
}

// Validate checks the config for values the Processor cannot run with.
func (c Config) Validate() error {
	if c.QueueSize < 2 {
		return fmt.Errorf("mesh: queue_size must be at least 2, got %d", c.QueueSize)
	}
	if c.SeenIDCacheSize < 1 {
		return fmt.Errorf("mesh: seen_id_cache_size must be at least 1, got %d", c.SeenIDCacheSize)
	}
	if c.RouteCacheSize < 1 {
		return fmt.Errorf("mesh: route_cache_size must be at least 1, got %d", c.RouteCacheSize)
	}
	if c.PendingConfirmCacheSize < 1 {
		return fmt.Errorf("mesh: pending_confirm_cache_size must be at least 1, got %d", c.PendingConfirmCacheSize)
	}
	if c.MaxWaitTime <= 0 {
		return fmt.Errorf("mesh: max_wait_time must be positive, got %s", c.MaxWaitTime)
	}
	if c.RadioTimeout <= 0 {
		return fmt.Errorf("mesh: radio_timeout must be positive, got %s", c.RadioTimeout)
	}
	if c.Channel < 1 || c.Channel > 14 {
		return fmt.Errorf("mesh: channel must be 1..14, got %d", c.Channel)
	}
	return nil
}

// fileConfig is the YAML shape of a config file. Durations are plain
// millisecond integers on disk; pointer fields distinguish "unset, keep the
// default" from an explicit zero.
type fileConfig struct {
	MeshID          *uint32 `yaml:"mesh_id"`
	QueueSize       *int    `yaml:"queue_size"`
	SeenIDCacheSize *int    `yaml:"seen_id_cache_size"`
	RouteCacheSize  *int    `yaml:"route_cache_size"`
	PendingConfirms *int    `yaml:"pending_confirm_cache_size"`
	MaxWaitMS       *int    `yaml:"max_wait_ms"`
	RadioTimeoutMS  *int    `yaml:"radio_timeout_ms"`
	Channel         *int    `yaml:"channel"`
	TimestampFormat *string `yaml:"timestamp_format"`
}

// LoadConfig reads a YAML file on top of DefaultConfig: unset fields keep
// their default rather than zeroing out.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mesh: reading config %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("mesh: parsing config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if fc.MeshID != nil {
		cfg.MeshID = *fc.MeshID
	}
	if fc.QueueSize != nil {
		cfg.QueueSize = *fc.QueueSize
	}
	if fc.SeenIDCacheSize != nil {
		cfg.SeenIDCacheSize = *fc.SeenIDCacheSize
	}
	if fc.RouteCacheSize != nil {
		cfg.RouteCacheSize = *fc.RouteCacheSize
	}
	if fc.PendingConfirms != nil {
		cfg.PendingConfirmCacheSize = *fc.PendingConfirms
	}
	if fc.MaxWaitMS != nil {
		cfg.MaxWaitTime = time.Duration(*fc.MaxWaitMS) * time.Millisecond
	}
	if fc.RadioTimeoutMS != nil {
		cfg.RadioTimeout = time.Duration(*fc.RadioTimeoutMS) * time.Millisecond
	}
	if fc.Channel != nil {
		cfg.Channel = *fc.Channel
	}
	if fc.TimestampFormat != nil {
		cfg.TimestampFormat = *fc.TimestampFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
