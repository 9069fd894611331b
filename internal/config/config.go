// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/nanoagent/internal/core"
)

// GlobalConfig represents the top-level configuration.
// Maps to the `nanoagent:` root key in YAML.
type GlobalConfig struct {
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Parser   ParserConfig   `mapstructure:"parser" yaml:"parser"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	IPC      IPCConfig      `mapstructure:"ipc" yaml:"ipc"`
	PktQueue PktQueueConfig `mapstructure:"pktqueue" yaml:"pktqueue"`
	Flows    FlowsConfig    `mapstructure:"flows" yaml:"flows"`
}

// ─── Parser ───

// ParserConfig controls key derivation.
type ParserConfig struct {
	// AllowSimultaneousPing keys ICMP echo flows on the identifier only.
	AllowSimultaneousPing bool `mapstructure:"allow_simultaneous_ping" yaml:"allow_simultaneous_ping"`
}

// ─── Capture ───

// CaptureConfig selects and tunes the packet source.
type CaptureConfig struct {
	Type         string `mapstructure:"type" yaml:"type"` // file | afpacket
	Path         string `mapstructure:"path" yaml:"path"` // pcap or pcapng file for type=file
	Device       string `mapstructure:"device" yaml:"device"`
	SnapLen      int    `mapstructure:"snap_len" yaml:"snap_len"`
	BufferSizeMB int    `mapstructure:"buffer_size_mb" yaml:"buffer_size_mb"`
	TimeoutMS    int    `mapstructure:"timeout_ms" yaml:"timeout_ms"`
	FanoutID     uint16 `mapstructure:"fanout_id" yaml:"fanout_id"` // 0 = no fanout
	BPFFilter    string `mapstructure:"bpf_filter" yaml:"bpf_filter"`
	// LinkType overrides the link type of the source: ethernet | raw.
	LinkType string `mapstructure:"link_type" yaml:"link_type"`
}

// ─── IPC ───

// IPCConfig configures the shared memory channels towards the nano services.
type IPCConfig struct {
	Name     string      `mapstructure:"name" yaml:"name"`
	UID      uint32      `mapstructure:"uid" yaml:"uid"`
	GID      uint32      `mapstructure:"gid" yaml:"gid"`
	Owner    bool        `mapstructure:"owner" yaml:"owner"`
	Segments uint16      `mapstructure:"segments" yaml:"segments"`
	Channels int         `mapstructure:"channels" yaml:"channels"`
	Retry    RetryConfig `mapstructure:"retry" yaml:"retry"`
}

// ChannelName returns the IPC name of channel i.
func (c IPCConfig) ChannelName(i int) string {
	return fmt.Sprintf("%s_%d", c.Name, i)
}

// RetryConfig bounds retries on a full queue.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// ─── Packet queue ───

// PktQueueConfig configures the optional mirror into a packet queue.
type PktQueueConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Segment     string `mapstructure:"segment" yaml:"segment"`
	Queue       string `mapstructure:"queue" yaml:"queue"`
	SegmentSize int    `mapstructure:"segment_size" yaml:"segment_size"`
}

// ─── Flows ───

// FlowsConfig configures the flow tracker.
type FlowsConfig struct {
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	// MaxFragmentsPerSource limits IP fragments per source and window (0 = no limit).
	MaxFragmentsPerSource int           `mapstructure:"max_fragments_per_source" yaml:"max_fragments_per_source"`
	FragmentWindow        time.Duration `mapstructure:"fragment_window" yaml:"fragment_window"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `nanoagent: ...`.
type configRoot struct {
	NanoAgent GlobalConfig `mapstructure:"nanoagent"`
}

// Load loads configuration from file. An empty path loads defaults only.
// Env vars override file values through the key replacer, e.g.
// "nanoagent.log.level" → NANOAGENT_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.NanoAgent

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "nanoagent." prefix to match the YAML root wrapper.
// Every key is registered here so AutomaticEnv can see it even when the
// file leaves it out.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("nanoagent.log.level", "info")
	v.SetDefault("nanoagent.log.format", "json")
	v.SetDefault("nanoagent.log.outputs.file.enabled", false)
	v.SetDefault("nanoagent.log.outputs.file.path", "/var/log/nanoagent/nanoagent.log")
	v.SetDefault("nanoagent.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("nanoagent.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("nanoagent.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("nanoagent.log.outputs.file.rotation.compress", true)

	// Metrics defaults
	v.SetDefault("nanoagent.metrics.enabled", false)
	v.SetDefault("nanoagent.metrics.listen", ":9091")
	v.SetDefault("nanoagent.metrics.path", "/metrics")

	// Parser defaults
	v.SetDefault("nanoagent.parser.allow_simultaneous_ping", false)

	// Capture defaults
	v.SetDefault("nanoagent.capture.type", "file")
	v.SetDefault("nanoagent.capture.path", "")
	v.SetDefault("nanoagent.capture.device", "")
	v.SetDefault("nanoagent.capture.snap_len", 65535)
	v.SetDefault("nanoagent.capture.buffer_size_mb", 32)
	v.SetDefault("nanoagent.capture.timeout_ms", 100)
	v.SetDefault("nanoagent.capture.fanout_id", 0)
	v.SetDefault("nanoagent.capture.bpf_filter", "")
	v.SetDefault("nanoagent.capture.link_type", "")

	// IPC defaults
	v.SetDefault("nanoagent.ipc.name", "nanoagent")
	v.SetDefault("nanoagent.ipc.uid", 0)
	v.SetDefault("nanoagent.ipc.gid", 0)
	v.SetDefault("nanoagent.ipc.owner", true)
	v.SetDefault("nanoagent.ipc.segments", 200)
	v.SetDefault("nanoagent.ipc.channels", 1)
	v.SetDefault("nanoagent.ipc.retry.max_attempts", 3)
	v.SetDefault("nanoagent.ipc.retry.backoff", "1ms")

	// Packet queue defaults
	v.SetDefault("nanoagent.pktqueue.enabled", false)
	v.SetDefault("nanoagent.pktqueue.segment", "nanoagent_pkt_segment")
	v.SetDefault("nanoagent.pktqueue.queue", "pkt_queue")
	v.SetDefault("nanoagent.pktqueue.segment_size", 1<<20)

	// Flow tracker defaults
	v.SetDefault("nanoagent.flows.idle_timeout", "2m")
	v.SetDefault("nanoagent.flows.cleanup_interval", "30s")
	v.SetDefault("nanoagent.flows.max_fragments_per_source", 0)
	v.SetDefault("nanoagent.flows.fragment_window", "10s")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("%w: invalid log level: %s (must be debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("%w: invalid log format: %s (must be json/text)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Capture validation ──
	switch cfg.Capture.Type {
	case "file", "afpacket":
	default:
		return fmt.Errorf("%w: unsupported capture.type: %s (must be file/afpacket)", core.ErrConfigInvalid, cfg.Capture.Type)
	}
	switch cfg.Capture.LinkType {
	case "", "ethernet", "raw":
	default:
		return fmt.Errorf("%w: unsupported capture.link_type: %s (must be ethernet/raw)", core.ErrConfigInvalid, cfg.Capture.LinkType)
	}
	if cfg.Capture.SnapLen <= 0 {
		cfg.Capture.SnapLen = 65535
	}
	if cfg.Capture.BufferSizeMB <= 0 {
		cfg.Capture.BufferSizeMB = 32
	}
	if cfg.Capture.TimeoutMS <= 0 {
		cfg.Capture.TimeoutMS = 100
	}

	// ── IPC validation ──
	if cfg.IPC.Name == "" {
		return fmt.Errorf("%w: ipc.name is required", core.ErrConfigInvalid)
	}
	if cfg.IPC.Segments == 0 || cfg.IPC.Segments > 512 {
		return fmt.Errorf("%w: ipc.segments must be in [1, 512], got %d", core.ErrConfigInvalid, cfg.IPC.Segments)
	}
	if cfg.IPC.Channels <= 0 {
		cfg.IPC.Channels = 1
	}
	if cfg.IPC.Retry.MaxAttempts <= 0 {
		cfg.IPC.Retry.MaxAttempts = 1
	}

	// ── Packet queue validation ──
	if cfg.PktQueue.Enabled && (cfg.PktQueue.Segment == "" || cfg.PktQueue.Queue == "") {
		return fmt.Errorf("%w: pktqueue.segment and pktqueue.queue are required when pktqueue.enabled=true", core.ErrConfigInvalid)
	}

	// ── Flow tracker defaults ──
	if cfg.Flows.IdleTimeout <= 0 {
		cfg.Flows.IdleTimeout = 2 * time.Minute
	}
	if cfg.Flows.CleanupInterval <= 0 {
		cfg.Flows.CleanupInterval = 30 * time.Second
	}
	if cfg.Flows.MaxFragmentsPerSource < 0 {
		return fmt.Errorf("%w: flows.max_fragments_per_source must not be negative", core.ErrConfigInvalid)
	}

	return nil
}
