// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/capmux/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `capmux:` root key in YAML.
type GlobalConfig struct {
	Log     LogConfig      `mapstructure:"log"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
	Control ControlConfig  `mapstructure:"control"`
	Diag    DiagConfig     `mapstructure:"diag"`
	Merge   MergeConfig    `mapstructure:"merge"`
	Filter  FilterConfig   `mapstructure:"filter"`
	Fanout  FanoutConfig   `mapstructure:"fanout"`
	Sources []SourceConfig `mapstructure:"sources"`
	Sinks   []SinkConfig   `mapstructure:"sinks"`
	Aux     AuxConfig      `mapstructure:"aux"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// DiagConfig sizes the diagnostics bus.
type DiagConfig struct {
	Partitions int `mapstructure:"partitions"`
	QueueSize  int `mapstructure:"queue_size"`
}

// ─── Pipeline Stages ───

// QueueConfig configures a bounded queue between stages.
type QueueConfig struct {
	Capacity     int           `mapstructure:"capacity"`
	Policy       string        `mapstructure:"policy"` // drop_oldest | block
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

// MergeConfig configures the merge-sort stage.
type MergeConfig struct {
	OrderingPolicy string        `mapstructure:"ordering_policy"` // drop | pass, required
	MaxWait        time.Duration `mapstructure:"max_wait"`        // 0 = wait for every source
	OutputBuffer   int           `mapstructure:"output_buffer"`
	SourceBuffer   int           `mapstructure:"source_buffer"`
}

// BPFInstruction is one raw classic BPF instruction.
type BPFInstruction struct {
	Op uint16 `mapstructure:"op" json:"op"`
	Jt uint8  `mapstructure:"jt" json:"jt"`
	Jf uint8  `mapstructure:"jf" json:"jf"`
	K  uint32 `mapstructure:"k" json:"k"`
}

// FilterConfig configures the filter stage. All configured rules must match.
type FilterConfig struct {
	Expression string           `mapstructure:"expression"` // pcap-filter syntax, needs libpcap
	Program    []BPFInstruction `mapstructure:"program"`
	Interfaces []string         `mapstructure:"interfaces"`
	Protocols  []string         `mapstructure:"protocols"`
	Queue      QueueConfig      `mapstructure:"queue"`
}

// FanoutConfig holds defaults for every attached sink.
type FanoutConfig struct {
	QueueCapacity int           `mapstructure:"queue_capacity"`
	Policy        string        `mapstructure:"policy"`
	BlockTimeout  time.Duration `mapstructure:"block_timeout"`
	BatchSize     int           `mapstructure:"batch_size"`
	AutoDetach    bool          `mapstructure:"auto_detach"`
}

// SourceConfig describes one capture source.
type SourceConfig struct {
	Name        string           `mapstructure:"name" json:"name"`
	Interface   string           `mapstructure:"interface" json:"interface"`
	Driver      string           `mapstructure:"driver" json:"driver"` // ethernet | afpacket | pcap | file
	Priority    int              `mapstructure:"priority" json:"priority"`
	SnapLen     int              `mapstructure:"snaplen" json:"snaplen"`
	Promiscuous bool             `mapstructure:"promiscuous" json:"promiscuous"`
	Filter      string           `mapstructure:"filter" json:"filter"`
	Program     []BPFInstruction `mapstructure:"program" json:"program"`
	Options     map[string]any   `mapstructure:"options" json:"options"`
}

// SinkConfig describes one output. Zero queue settings inherit from
// FanoutConfig.
type SinkConfig struct {
	Name          string         `mapstructure:"name" json:"name"`
	Type          string         `mapstructure:"type" json:"type"`
	QueueCapacity int            `mapstructure:"queue_capacity" json:"queue_capacity"`
	BatchSize     int            `mapstructure:"batch_size" json:"batch_size"`
	AutoDetach    *bool          `mapstructure:"auto_detach" json:"auto_detach"`
	Options       map[string]any `mapstructure:"options" json:"options"`
}

// ─── Auxiliary Feeds ───

// AuxConfig configures the auxiliary record feeds.
type AuxConfig struct {
	KeyLog      KeyLogConfig     `mapstructure:"keylog"`
	Tracepoints TracepointConfig `mapstructure:"tracepoints"`
}

// KeyLogConfig reads NSS key-log lines from a named pipe or file.
type KeyLogConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Path        string        `mapstructure:"path"`
	SecretsType string        `mapstructure:"secrets_type"` // tls | wireguard
	DedupTTL    time.Duration `mapstructure:"dedup_ttl"`
}

// TracepointConfig accepts CBOR tracepoint streams.
type TracepointConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"` // tcp:host:port | unix:/path
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `capmux: ...`.
type configRoot struct {
	Capmux GlobalConfig `mapstructure:"capmux"`
}

// Load loads configuration from file.
// The YAML file uses `capmux:` as root key; env vars map through the key
// replacer (e.g., key "capmux.log.level" → env "CAPMUX_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Capmux

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Settings returns the effective settings of the file at path, defaults and
// environment overrides included, as a nested map.
func Settings(path string) (map[string]any, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return v.AllSettings(), nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v, nil
}

// setDefaults sets default values for configuration.
// All keys use "capmux." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Control defaults
	v.SetDefault("capmux.control.pid_file", "/var/run/capmux.pid")
	v.SetDefault("capmux.control.socket", "/var/run/capmux.sock")

	// Log defaults
	v.SetDefault("capmux.log.level", "info")
	v.SetDefault("capmux.log.format", "json")
	v.SetDefault("capmux.log.outputs.file.enabled", false)
	v.SetDefault("capmux.log.outputs.file.path", "/var/log/capmux/capmux.log")
	v.SetDefault("capmux.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("capmux.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("capmux.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("capmux.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("capmux.metrics.enabled", true)
	v.SetDefault("capmux.metrics.listen", ":9091")
	v.SetDefault("capmux.metrics.path", "/metrics")

	// Diagnostics bus defaults
	v.SetDefault("capmux.diag.partitions", 4)
	v.SetDefault("capmux.diag.queue_size", 1024)

	// Stage defaults; merge.ordering_policy deliberately has none
	v.SetDefault("capmux.merge.max_wait", "0s")
	v.SetDefault("capmux.merge.output_buffer", 1024)
	v.SetDefault("capmux.merge.source_buffer", 4096)
	v.SetDefault("capmux.filter.queue.capacity", 8192)
	v.SetDefault("capmux.filter.queue.policy", "drop_oldest")
	v.SetDefault("capmux.filter.queue.block_timeout", "100ms")
	v.SetDefault("capmux.fanout.queue_capacity", 4096)
	v.SetDefault("capmux.fanout.policy", "drop_oldest")
	v.SetDefault("capmux.fanout.block_timeout", "100ms")
	v.SetDefault("capmux.fanout.batch_size", 64)
	v.SetDefault("capmux.fanout.auto_detach", false)

	// Aux feed defaults
	v.SetDefault("capmux.aux.keylog.secrets_type", "tls")
	v.SetDefault("capmux.aux.keylog.dedup_ttl", "10m")
}

var (
	validLogLevels     = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validQueuePolicies = map[string]bool{"drop_oldest": true, "block": true}
	validDrivers       = map[string]bool{"ethernet": true, "afpacket": true, "pcap": true, "file": true}
)

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	if !validLogLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Merge ──
	if _, err := core.ParseOrderingPolicy(cfg.Merge.OrderingPolicy); err != nil {
		return fmt.Errorf("merge.ordering_policy: %w", err)
	}
	if cfg.Merge.MaxWait < 0 {
		return fmt.Errorf("%w: merge.max_wait must not be negative", core.ErrConfigInvalid)
	}

	// ── Queues ──
	if err := cfg.Filter.Queue.validate("filter.queue"); err != nil {
		return err
	}
	if cfg.Fanout.Policy != "" && !validQueuePolicies[cfg.Fanout.Policy] {
		return fmt.Errorf("%w: fanout.policy: unknown policy %q", core.ErrConfigInvalid, cfg.Fanout.Policy)
	}
	if cfg.Fanout.QueueCapacity <= 0 {
		cfg.Fanout.QueueCapacity = 4096
	}
	if cfg.Fanout.BatchSize <= 0 {
		cfg.Fanout.BatchSize = 64
	}

	// ── Sources ──
	seen := make(map[string]bool)
	for i := range cfg.Sources {
		src := &cfg.Sources[i]
		if err := src.ApplyDefaults(); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if seen[src.Name] {
			return fmt.Errorf("%w: sources[%d]: duplicate name %q", core.ErrConfigInvalid, i, src.Name)
		}
		seen[src.Name] = true
	}

	// ── Sinks ──
	seen = make(map[string]bool)
	for i := range cfg.Sinks {
		sk := &cfg.Sinks[i]
		if err := sk.ApplyDefaults(cfg.Fanout); err != nil {
			return fmt.Errorf("sinks[%d]: %w", i, err)
		}
		if seen[sk.Name] {
			return fmt.Errorf("%w: sinks[%d]: duplicate name %q", core.ErrConfigInvalid, i, sk.Name)
		}
		seen[sk.Name] = true
	}

	// ── Aux ──
	if cfg.Aux.KeyLog.Enabled {
		if cfg.Aux.KeyLog.Path == "" {
			return fmt.Errorf("%w: aux.keylog.path is required when aux.keylog.enabled=true", core.ErrConfigInvalid)
		}
		if _, err := SecretsType(cfg.Aux.KeyLog.SecretsType); err != nil {
			return err
		}
	}
	if cfg.Aux.Tracepoints.Enabled && cfg.Aux.Tracepoints.Listen == "" {
		return fmt.Errorf("%w: aux.tracepoints.listen is required when aux.tracepoints.enabled=true", core.ErrConfigInvalid)
	}

	return nil
}

func (q QueueConfig) validate(section string) error {
	if q.Policy != "" && !validQueuePolicies[q.Policy] {
		return fmt.Errorf("%w: %s.policy: unknown policy %q", core.ErrConfigInvalid, section, q.Policy)
	}
	if q.Capacity < 0 || q.BlockTimeout < 0 {
		return fmt.Errorf("%w: %s: negative capacity or timeout", core.ErrConfigInvalid, section)
	}
	if q.Policy == "block" && q.BlockTimeout == 0 {
		return fmt.Errorf("%w: %s.block_timeout must be positive with policy block", core.ErrConfigInvalid, section)
	}
	return nil
}

// ApplyDefaults fills the source name and driver and validates the rest.
func (s *SourceConfig) ApplyDefaults() error {
	if s.Interface == "" {
		return fmt.Errorf("%w: interface is required", core.ErrConfigInvalid)
	}
	if s.Name == "" {
		s.Name = s.Interface
	}
	if s.Driver == "" {
		s.Driver = "ethernet"
	}
	if !validDrivers[s.Driver] {
		return fmt.Errorf("%w: unknown driver %q", core.ErrConfigInvalid, s.Driver)
	}
	if s.SnapLen < 0 {
		return fmt.Errorf("%w: snaplen must not be negative", core.ErrConfigInvalid)
	}
	return nil
}

// ApplyDefaults inherits unset queue settings from the fan-out defaults.
func (s *SinkConfig) ApplyDefaults(fanout FanoutConfig) error {
	if s.Type == "" {
		return fmt.Errorf("%w: type is required", core.ErrConfigInvalid)
	}
	if s.Name == "" {
		s.Name = s.Type
	}
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = fanout.QueueCapacity
	}
	if s.BatchSize <= 0 {
		s.BatchSize = fanout.BatchSize
	}
	if s.AutoDetach == nil {
		autoDetach := fanout.AutoDetach
		s.AutoDetach = &autoDetach
	}
	return nil
}

// SecretsType maps a key-log kind to its Decryption Secrets Block type.
func SecretsType(kind string) (uint32, error) {
	switch kind {
	case "", "tls":
		return core.SecretsTLSKeyLog, nil
	case "wireguard":
		return core.SecretsWireGuardKeyLog, nil
	default:
		return 0, fmt.Errorf("%w: unknown secrets type %q (must be tls/wireguard)", core.ErrConfigInvalid, kind)
	}
}
