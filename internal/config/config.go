// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/emichael72/usb-eval/internal/log"
	"github.com/emichael72/usb-eval/internal/ncsi"
)

// GlobalConfig is the top-level static configuration. It maps to the
// `usb-eval:` root key in YAML.
type GlobalConfig struct {
	Log     log.Config    `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Arena   ArenaConfig   `mapstructure:"arena"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Packet  PacketConfig  `mapstructure:"packet"`
	Frag    FragConfig    `mapstructure:"frag"`
	Defrag  DefragConfig  `mapstructure:"defrag"`
	Bus     BusConfig     `mapstructure:"bus"`
	Bench   BenchConfig   `mapstructure:"bench"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ArenaConfig sizes the bump allocator region shared by the benchmark
// components.
type ArenaConfig struct {
	Size int `mapstructure:"size"`
}

// PoolConfig dimensions the fixed free/busy buffer pool.
type PoolConfig struct {
	ItemSize int  `mapstructure:"item_size"`
	Count    int  `mapstructure:"count"`
	Locking  bool `mapstructure:"locking"`
}

// PacketConfig controls synthetic packet generation.
type PacketConfig struct {
	PrefixLen int `mapstructure:"prefix_len"`
	Size      int `mapstructure:"size"`
}

// FragConfig tunes the fragmentation engine.
type FragConfig struct {
	Mode          string `mapstructure:"mode"` // "zero-copy" or "copy"
	MaxFragments  int    `mapstructure:"max_fragments"`
	FragmentSize  int    `mapstructure:"fragment_size"`
	FirstShort    int    `mapstructure:"first_short"`
	Sentinel      int    `mapstructure:"sentinel"`
	MaxBatchPairs int    `mapstructure:"max_batch_pairs"`
	MaxBatchBytes int    `mapstructure:"max_batch_bytes"`
}

// DefragConfig tunes the reassembly side.
type DefragConfig struct {
	Policy string `mapstructure:"policy"` // "fail-fast" or "best-effort"
}

// BusConfig dimensions the MCTP bus and its packet buffer pool.
type BusConfig struct {
	EID            int `mapstructure:"eid"`
	MaxMessageSize int `mapstructure:"max_message_size"`
	FrameSize      int `mapstructure:"frame_size"`
	FrameCount     int `mapstructure:"frame_count"`
}

// BenchConfig selects which measurements run and how often.
type BenchConfig struct {
	Tests       []string `mapstructure:"tests"` // empty = all
	Repetitions int      `mapstructure:"repetitions"`
}

// configRoot is the wrapper matching the YAML structure `usb-eval: ...`.
type configRoot struct {
	USBEval GlobalConfig `mapstructure:"usb-eval"`
}

// Load reads configuration from file. The YAML file uses `usb-eval:` as
// root key; env vars override via the key replacer, e.g. the key
// "usb-eval.log.level" maps to USB_EVAL_LOG_LEVEL.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.USBEval

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *GlobalConfig {
	cfg := &GlobalConfig{}
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		// The built-in defaults always validate.
		panic(err)
	}
	return cfg
}

// setDefaults sets default values. All keys use the "usb-eval." prefix
// to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("usb-eval.log.level", "info")
	v.SetDefault("usb-eval.log.format", "text")
	v.SetDefault("usb-eval.log.file.enabled", false)
	v.SetDefault("usb-eval.log.file.path", "/var/log/usb-eval/usb-eval.log")
	v.SetDefault("usb-eval.log.file.max_size_mb", 100)
	v.SetDefault("usb-eval.log.file.max_age_days", 30)
	v.SetDefault("usb-eval.log.file.max_backups", 5)
	v.SetDefault("usb-eval.log.file.compress", true)

	v.SetDefault("usb-eval.metrics.enabled", false)
	v.SetDefault("usb-eval.metrics.listen", ":9091")
	v.SetDefault("usb-eval.metrics.path", "/metrics")

	v.SetDefault("usb-eval.arena.size", 64<<10)

	v.SetDefault("usb-eval.pool.item_size", 128)
	v.SetDefault("usb-eval.pool.count", 64)
	v.SetDefault("usb-eval.pool.locking", false)

	v.SetDefault("usb-eval.packet.prefix_len", ncsi.DefaultPrefixLen)
	v.SetDefault("usb-eval.packet.size", 1500+ncsi.DefaultPrefixLen)

	v.SetDefault("usb-eval.frag.mode", "zero-copy")
	v.SetDefault("usb-eval.frag.max_fragments", 25)
	v.SetDefault("usb-eval.frag.fragment_size", 64)
	v.SetDefault("usb-eval.frag.first_short", 1)
	v.SetDefault("usb-eval.frag.sentinel", 3)
	v.SetDefault("usb-eval.frag.max_batch_pairs", 16)
	v.SetDefault("usb-eval.frag.max_batch_bytes", 512)

	v.SetDefault("usb-eval.defrag.policy", "fail-fast")

	v.SetDefault("usb-eval.bus.eid", 0x10)
	v.SetDefault("usb-eval.bus.max_message_size", 128)
	v.SetDefault("usb-eval.bus.frame_size", 128)
	v.SetDefault("usb-eval.bus.frame_count", 64)

	v.SetDefault("usb-eval.bench.repetitions", 10)
}

// ValidateAndApplyDefaults validates the configuration and fills in
// runtime defaults for fields the file left at zero.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	switch cfg.Frag.Mode {
	case "", "zero-copy", "copy":
	default:
		return fmt.Errorf("invalid frag mode: %s (must be zero-copy/copy)", cfg.Frag.Mode)
	}
	if cfg.Frag.Mode == "" {
		cfg.Frag.Mode = "zero-copy"
	}

	switch cfg.Defrag.Policy {
	case "", "fail-fast", "best-effort":
	default:
		return fmt.Errorf("invalid defrag policy: %s (must be fail-fast/best-effort)", cfg.Defrag.Policy)
	}
	if cfg.Defrag.Policy == "" {
		cfg.Defrag.Policy = "fail-fast"
	}

	if cfg.Arena.Size <= 0 {
		cfg.Arena.Size = 64 << 10
	}
	if cfg.Pool.ItemSize <= 0 {
		cfg.Pool.ItemSize = 128
	}
	if cfg.Pool.Count <= 0 {
		cfg.Pool.Count = 64
	}
	if cfg.Frag.Sentinel < 0 || cfg.Frag.Sentinel > 0xFF {
		return fmt.Errorf("invalid sentinel byte: %d", cfg.Frag.Sentinel)
	}
	if cfg.Packet.PrefixLen <= 0 {
		cfg.Packet.PrefixLen = ncsi.DefaultPrefixLen
	}
	if cfg.Packet.Size <= 0 {
		cfg.Packet.Size = 1500 + cfg.Packet.PrefixLen
	}
	if cfg.Packet.Size > ncsi.MaxPacketSize {
		return fmt.Errorf("packet size %d exceeds maximum %d", cfg.Packet.Size, ncsi.MaxPacketSize)
	}
	if cfg.Bus.EID <= 0 || cfg.Bus.EID > 0xFF {
		cfg.Bus.EID = 0x10
	}
	if cfg.Bench.Repetitions <= 0 {
		cfg.Bench.Repetitions = 10
	}

	return nil
}
