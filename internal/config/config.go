package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/unixsysdev/nano-go-tgi/internal/batch"
	"github.com/unixsysdev/nano-go-tgi/internal/kvcache"
	"github.com/unixsysdev/nano-go-tgi/internal/logging"
	"github.com/unixsysdev/nano-go-tgi/internal/tensor"
)

// Config holds the serving parameters of one model replica.
type Config struct {
	// Layout is "padded" or "ragged".
	Layout string `json:"layout" yaml:"layout" toml:"layout"`
	// KeyLayout is "head_dim_last" or "seq_last"; it only matters for
	// models built from this config.
	KeyLayout string `json:"key_layout" yaml:"key_layout" toml:"key_layout"`

	MaxBatchSize        int     `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxBatchTotalTokens int     `json:"max_batch_total_tokens" yaml:"max_batch_total_tokens" toml:"max_batch_total_tokens"`
	MaxWaitingTokens    int     `json:"max_waiting_tokens" yaml:"max_waiting_tokens" toml:"max_waiting_tokens"`
	WaitingServedRatio  float64 `json:"waiting_served_ratio" yaml:"waiting_served_ratio" toml:"waiting_served_ratio"`
	KVCacheBlockSize    int     `json:"kvcache_block_size" yaml:"kvcache_block_size" toml:"kvcache_block_size"`
	TensorParallelSize  int     `json:"tensor_parallel_size" yaml:"tensor_parallel_size" toml:"tensor_parallel_size"`
	PrefixWindow        int     `json:"prefix_window" yaml:"prefix_window" toml:"prefix_window"`

	Device      string `json:"device" yaml:"device" toml:"device"`
	Preallocate bool   `json:"preallocate" yaml:"preallocate" toml:"preallocate"`

	LogLevel    string `json:"log_level" yaml:"log_level" toml:"log_level"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr" toml:"metrics_addr"`

	// LogFormat is "json" or "console".
	LogFormat string `json:"log_format" yaml:"log_format" toml:"log_format"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Layout:              "padded",
		KeyLayout:           "head_dim_last",
		MaxBatchSize:        32,
		MaxBatchTotalTokens: 16384,
		MaxWaitingTokens:    20,
		WaitingServedRatio:  1.2,
		KVCacheBlockSize:    16,
		TensorParallelSize:  1,
		PrefixWindow:        5,
		Device:              "cpu",
		LogLevel:            "info",
		LogFormat:           "json",
	}
}

// Load reads a configuration file based on its extension over the defaults,
// applies opts and validates the result. Supports: .yaml/.yml, .json, .toml
func Load(path string, opts ...Option) (*Config, error) {
	if path == "" {
		return nil, errors.New("empty config path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg := Default()
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	case ".json":
		err = json.Unmarshal(data, cfg)
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	default:
		return nil, errors.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New returns the defaults with opts applied.
func New(opts ...Option) (*Config, error) {
	cfg := Default()
	cfg.Apply(opts...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Apply runs opts on c.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate rejects values no replica can run with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if _, err := batch.ParseLayout(c.Layout); err != nil {
		return err
	}
	if _, err := kvcache.ParseKeyLayout(c.KeyLayout); err != nil {
		return err
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return errors.Errorf("log_format must be json or console, got %q", c.LogFormat)
	}
	switch {
	case c.MaxBatchSize <= 0:
		return errors.Errorf("max_batch_size must be positive, got %d", c.MaxBatchSize)
	case c.KVCacheBlockSize <= 0:
		return errors.Errorf("kvcache_block_size must be positive, got %d", c.KVCacheBlockSize)
	case c.MaxBatchTotalTokens < c.KVCacheBlockSize:
		return errors.Errorf("max_batch_total_tokens (%d) must hold at least one block of %d", c.MaxBatchTotalTokens, c.KVCacheBlockSize)
	case c.MaxWaitingTokens <= 0:
		return errors.Errorf("max_waiting_tokens must be positive, got %d", c.MaxWaitingTokens)
	case c.WaitingServedRatio < 0:
		return errors.Errorf("waiting_served_ratio must be >= 0, got %v", c.WaitingServedRatio)
	case c.TensorParallelSize <= 0:
		return errors.Errorf("tensor_parallel_size must be positive, got %d", c.TensorParallelSize)
	case c.PrefixWindow < 0:
		return errors.Errorf("prefix_window must be >= 0, got %d", c.PrefixWindow)
	}
	return nil
}

// Option is a function that modifies the config
type Option func(*Config)

// WithLayout sets the batch layout.
func WithLayout(v string) Option {
	return func(c *Config) { c.Layout = v }
}

// WithKeyLayout sets the axis order of padded key caches.
func WithKeyLayout(v string) Option {
	return func(c *Config) { c.KeyLayout = v }
}

// WithMaxBatchSize sets the maximum number of requests in a batch
func WithMaxBatchSize(v int) Option {
	return func(c *Config) { c.MaxBatchSize = v }
}

// WithMaxBatchTotalTokens sets the cache budget shared by all running requests
func WithMaxBatchTotalTokens(v int) Option {
	return func(c *Config) { c.MaxBatchTotalTokens = v }
}

// WithMaxWaitingTokens sets how many decode steps may pass before queued
// requests are admitted regardless of the served ratio.
func WithMaxWaitingTokens(v int) Option {
	return func(c *Config) { c.MaxWaitingTokens = v }
}

// WithWaitingServedRatio sets the queued-to-running ratio that triggers admission
func WithWaitingServedRatio(v float64) Option {
	return func(c *Config) { c.WaitingServedRatio = v }
}

// WithKVCacheBlockSize sets the KV cache block size
func WithKVCacheBlockSize(v int) Option {
	return func(c *Config) { c.KVCacheBlockSize = v }
}

// WithTensorParallelSize sets the tensor parallel size
func WithTensorParallelSize(v int) Option {
	return func(c *Config) { c.TensorParallelSize = v }
}

// WithPrefixWindow sets the incremental decoder look-back.
func WithPrefixWindow(v int) Option {
	return func(c *Config) { c.PrefixWindow = v }
}

// WithDevice sets the device name.
func WithDevice(v string) Option {
	return func(c *Config) { c.Device = v }
}

// WithPreallocate enables whole-budget cache reservation for lone requests.
func WithPreallocate(v bool) Option {
	return func(c *Config) { c.Preallocate = v }
}

// WithLogLevel sets the log level
func WithLogLevel(v string) Option {
	return func(c *Config) { c.LogLevel = v }
}

// WithLogFormat selects JSON lines or console output.
func WithLogFormat(v string) Option {
	return func(c *Config) { c.LogFormat = v }
}

// WithMetricsAddr sets the listen address of the admin router.
func WithMetricsAddr(v string) Option {
	return func(c *Config) { c.MetricsAddr = v }
}
