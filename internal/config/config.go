// Package config implements ThemisDB's layered configuration loader:
// built-in defaults, overlaid by an optional YAML file, overlaid by
// `THEMISDB_*` environment variables, overlaid by programmatic
// overrides, validated before the engine opens. Plain yaml.v3 into a
// struct plus a small manual env-overlay pass; no config framework.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/themisdb/internal/dberr"
)

// Compression names the compression algorithm options.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
	CompressionZstd Compression = "zstd"
)

// WALFsync names the fsync policy options.
type WALFsync string

const (
	WALFsyncAlways    WALFsync = "always"
	WALFsyncEveryNMs  WALFsync = "every_n_ms"
	WALFsyncOff       WALFsync = "off"
)

// Config is the full recognised configuration surface.
type Config struct {
	CompressionDefault    Compression `yaml:"compression_default"`
	CompressionBottommost Compression `yaml:"compression_bottommost"`

	MemtableSizeMB       int  `yaml:"memtable_size_mb"`
	BlockCacheSizeMB     int  `yaml:"block_cache_size_mb"`
	WriteBufferSize      int  `yaml:"write_buffer_size"`
	MaxWriteBufferNumber int  `yaml:"max_write_buffer_number"`
	MaxBackgroundJobs    int  `yaml:"max_background_jobs"`
	EnableWAL            bool `yaml:"enable_wal"`
	WALFsync             WALFsync `yaml:"wal_fsync"`

	TxnLockWaitTimeoutMs int `yaml:"txn_lock_wait_timeout_ms"`

	WhitelistPrefilterEnabled bool    `yaml:"whitelist_prefilter_enabled"`
	WhitelistInitialFactor    int     `yaml:"whitelist_initial_factor"`
	WhitelistMinCandidates    int     `yaml:"whitelist_min_candidates"`
	WhitelistMaxAttempts      int     `yaml:"whitelist_max_attempts"`
	WhitelistGrowthFactor     float64 `yaml:"whitelist_growth_factor"`

	VectorOverfetchFactor  float64 `yaml:"vector_overfetch_factor"`
	VectorEfSearchDefault  int     `yaml:"vector_ef_search_default"`

	BBoxRatioThreshold             float64 `yaml:"bbox_ratio_threshold"`
	CompositeSelectivityThreshold  float64 `yaml:"composite_selectivity_threshold"`

	TTLSweepIntervalMs       int `yaml:"ttl_sweep_interval_ms"`
	ChangefeedRetentionBytes int `yaml:"changefeed_retention_bytes"`

	DataDir string `yaml:"data_dir"`
}

// Default returns the built-in defaults, the first layer of the
// defaults, YAML, env, overrides stack.
func Default() Config {
	return Config{
		CompressionDefault:    CompressionNone,
		CompressionBottommost: CompressionZstd,

		MemtableSizeMB:       64,
		BlockCacheSizeMB:     256,
		WriteBufferSize:      64 << 20,
		MaxWriteBufferNumber: 2,
		MaxBackgroundJobs:    2,
		EnableWAL:            true,
		WALFsync:             WALFsyncEveryNMs,

		TxnLockWaitTimeoutMs: 5000,

		WhitelistPrefilterEnabled: true,
		WhitelistInitialFactor:    4,
		WhitelistMinCandidates:    16,
		WhitelistMaxAttempts:      6,
		WhitelistGrowthFactor:     2.0,

		VectorOverfetchFactor: 2.0,
		VectorEfSearchDefault: 64,

		BBoxRatioThreshold:            0.3,
		CompositeSelectivityThreshold: 0.01,

		TTLSweepIntervalMs:       1000,
		ChangefeedRetentionBytes: 512 << 20,

		DataDir: "data",
	}
}

// LoadFile overlays a YAML file's fields onto cfg, leaving fields the
// file doesn't mention untouched.
func LoadFile(cfg Config, path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, dberr.Wrap(dberr.IO, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, dberr.Wrap(dberr.InvalidValue, fmt.Errorf("config: parse %s: %w", path, err))
	}
	return cfg, nil
}

// envPrefix is the recognised environment variable namespace.
const envPrefix = "THEMISDB_"

// LoadEnv overlays recognised THEMISDB_* environment variables onto
// cfg. Unrecognised THEMISDB_-prefixed variables fail with
// dberr.Unsupported rather than being silently ignored, so a typo in
// deployment config surfaces at startup instead of being a silent
// no-op.
func LoadEnv(cfg Config) (Config, error) {
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, envPrefix) {
			continue
		}
		field := strings.ToLower(strings.TrimPrefix(key, envPrefix))
		if err := setField(&cfg, field, value); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func setField(cfg *Config, field, value string) error {
	switch field {
	case "compression_default":
		cfg.CompressionDefault = Compression(value)
	case "compression_bottommost":
		cfg.CompressionBottommost = Compression(value)
	case "memtable_size_mb":
		return setInt(&cfg.MemtableSizeMB, value)
	case "block_cache_size_mb":
		return setInt(&cfg.BlockCacheSizeMB, value)
	case "write_buffer_size":
		return setInt(&cfg.WriteBufferSize, value)
	case "max_write_buffer_number":
		return setInt(&cfg.MaxWriteBufferNumber, value)
	case "max_background_jobs":
		return setInt(&cfg.MaxBackgroundJobs, value)
	case "enable_wal":
		return setBool(&cfg.EnableWAL, value)
	case "wal_fsync":
		cfg.WALFsync = WALFsync(value)
	case "txn_lock_wait_timeout_ms":
		return setInt(&cfg.TxnLockWaitTimeoutMs, value)
	case "whitelist_prefilter_enabled":
		return setBool(&cfg.WhitelistPrefilterEnabled, value)
	case "whitelist_initial_factor":
		return setInt(&cfg.WhitelistInitialFactor, value)
	case "whitelist_min_candidates":
		return setInt(&cfg.WhitelistMinCandidates, value)
	case "whitelist_max_attempts":
		return setInt(&cfg.WhitelistMaxAttempts, value)
	case "whitelist_growth_factor":
		return setFloat(&cfg.WhitelistGrowthFactor, value)
	case "vector_overfetch_factor":
		return setFloat(&cfg.VectorOverfetchFactor, value)
	case "vector_ef_search_default":
		return setInt(&cfg.VectorEfSearchDefault, value)
	case "bbox_ratio_threshold":
		return setFloat(&cfg.BBoxRatioThreshold, value)
	case "composite_selectivity_threshold":
		return setFloat(&cfg.CompositeSelectivityThreshold, value)
	case "ttl_sweep_interval_ms":
		return setInt(&cfg.TTLSweepIntervalMs, value)
	case "changefeed_retention_bytes":
		return setInt(&cfg.ChangefeedRetentionBytes, value)
	case "data_dir":
		cfg.DataDir = value
	default:
		return dberr.New(dberr.Unsupported, "config: unrecognised environment variable "+envPrefix+strings.ToUpper(field))
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	*dst = n
	return nil
}

func setFloat(dst *float64, value string) error {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	*dst = f
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return dberr.Wrap(dberr.InvalidValue, err)
	}
	*dst = b
	return nil
}

// Validate checks every field against its recognised domain,
// returning the first violation found.
func Validate(cfg Config) error {
	switch cfg.CompressionDefault {
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		return dberr.New(dberr.InvalidValue, "config: compression_default must be one of none|lz4|zstd")
	}
	switch cfg.CompressionBottommost {
	case CompressionNone, CompressionLZ4, CompressionZstd:
	default:
		return dberr.New(dberr.InvalidValue, "config: compression_bottommost must be one of none|lz4|zstd")
	}
	switch cfg.WALFsync {
	case WALFsyncAlways, WALFsyncEveryNMs, WALFsyncOff:
	default:
		return dberr.New(dberr.InvalidValue, "config: wal_fsync must be one of always|every_n_ms|off")
	}
	if cfg.MaxBackgroundJobs < 1 {
		return dberr.New(dberr.InvalidValue, "config: max_background_jobs must be >= 1")
	}
	if cfg.TxnLockWaitTimeoutMs < 0 {
		return dberr.New(dberr.InvalidValue, "config: txn_lock_wait_timeout_ms must be >= 0")
	}
	if cfg.WhitelistGrowthFactor <= 1 {
		return dberr.New(dberr.InvalidValue, "config: whitelist_growth_factor must be > 1")
	}
	if cfg.VectorOverfetchFactor <= 0 {
		return dberr.New(dberr.InvalidValue, "config: vector_overfetch_factor must be > 0")
	}
	if cfg.BBoxRatioThreshold < 0 || cfg.BBoxRatioThreshold > 1 {
		return dberr.New(dberr.InvalidValue, "config: bbox_ratio_threshold must be in [0,1]")
	}
	if cfg.CompositeSelectivityThreshold < 0 || cfg.CompositeSelectivityThreshold > 1 {
		return dberr.New(dberr.InvalidValue, "config: composite_selectivity_threshold must be in [0,1]")
	}
	if cfg.DataDir == "" {
		return dberr.New(dberr.InvalidValue, "config: data_dir is required")
	}
	return nil
}

// Load runs the full defaults → YAML → env layering and validates the
// result. path may be empty to skip the YAML layer.
func Load(path string) (Config, error) {
	cfg := Default()
	var err error
	if path != "" {
		cfg, err = LoadFile(cfg, path)
		if err != nil {
			return Config{}, err
		}
	}
	cfg, err = LoadEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
