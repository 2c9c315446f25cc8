package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	InputDir   string   `yaml:"input_dir"`
	OutputDir  string   `yaml:"output_dir"`
	Labels     []string `yaml:"labels"`
	Extensions []string `yaml:"extensions"`

	Cache    CacheConfig    `yaml:"cache"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Zoom     ZoomConfig     `yaml:"zoom"`

	// MinBoxSize is the smallest accepted rectangle side, in image pixels.
	MinBoxSize float64 `yaml:"min_box_size"`
	// PDFDPI is the raster resolution used when InputDir points at a PDF.
	PDFDPI int `yaml:"pdf_dpi"`
}

// CacheConfig sizes the resident window and the background loader.
type CacheConfig struct {
	WindowSize        int           `yaml:"window_size"`
	EvictionBuffer    int           `yaml:"eviction_buffer"`
	MinEvictionBuffer int           `yaml:"min_eviction_buffer"`
	MaxDimension      int           `yaml:"max_dimension"`
	HighWatermarkMB   int           `yaml:"high_watermark_mb"`
	MinAvailableMB    int           `yaml:"min_available_mb"`
	Batch             BatchConfig   `yaml:"batch"`
	PrefetchDelay     time.Duration `yaml:"prefetch_delay"`
	PressureDelay     time.Duration `yaml:"pressure_delay"`
	ResizeCacheSize   int           `yaml:"resize_cache_size"`
}

type BatchConfig struct {
	Initial int `yaml:"initial"`
	Min     int `yaml:"min"`
	Max     int `yaml:"max"`
}

type AutosaveConfig struct {
	Interval time.Duration `yaml:"interval"`
	MinGap   time.Duration `yaml:"min_gap"`
}

type ZoomConfig struct {
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Step float64 `yaml:"step"`
}

// Default returns a configuration with the stock limits.
func Default() *Config {
	return &Config{
		Extensions: []string{".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp", ".tif", ".tiff"},
		Cache: CacheConfig{
			WindowSize:        100,
			EvictionBuffer:    100,
			MinEvictionBuffer: 50,
			MaxDimension:      1920,
			HighWatermarkMB:   2000,
			MinAvailableMB:    256,
			Batch:             BatchConfig{Initial: 10, Min: 5, Max: 20},
			PrefetchDelay:     100 * time.Millisecond,
			PressureDelay:     500 * time.Millisecond,
			ResizeCacheSize:   10,
		},
		Autosave: AutosaveConfig{
			Interval: 5 * time.Minute,
			MinGap:   time.Minute,
		},
		Zoom:       ZoomConfig{Min: 0.1, Max: 3.0, Step: 0.1},
		MinBoxSize: 5,
		PDFDPI:     150,
	}
}

// Load reads a YAML file on top of Default, so omitted keys keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating the parent directory.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.InputDir == "" {
		return fmt.Errorf("%w: input_dir is required", ErrInvalid)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalid)
	}
	if len(c.Labels) == 0 {
		return fmt.Errorf("%w: at least one label is required", ErrInvalid)
	}
	if len(c.Extensions) == 0 {
		return fmt.Errorf("%w: extensions cannot be empty", ErrInvalid)
	}

	cc := c.Cache
	if cc.WindowSize < 1 {
		return fmt.Errorf("%w: cache.window_size must be positive", ErrInvalid)
	}
	if cc.EvictionBuffer < 0 || cc.MinEvictionBuffer < 0 || cc.MinEvictionBuffer > cc.EvictionBuffer {
		return fmt.Errorf("%w: cache.min_eviction_buffer must be between 0 and cache.eviction_buffer", ErrInvalid)
	}
	if cc.MaxDimension < 1 {
		return fmt.Errorf("%w: cache.max_dimension must be positive", ErrInvalid)
	}
	if cc.HighWatermarkMB < 1 {
		return fmt.Errorf("%w: cache.high_watermark_mb must be positive", ErrInvalid)
	}
	if cc.Batch.Min < 1 || cc.Batch.Min > cc.Batch.Max || cc.Batch.Initial < cc.Batch.Min || cc.Batch.Initial > cc.Batch.Max {
		return fmt.Errorf("%w: cache.batch must satisfy 1 <= min <= initial <= max", ErrInvalid)
	}
	if cc.ResizeCacheSize < 1 {
		return fmt.Errorf("%w: cache.resize_cache_size must be positive", ErrInvalid)
	}

	if c.Autosave.Interval < 0 || c.Autosave.MinGap < 0 {
		return fmt.Errorf("%w: autosave durations cannot be negative", ErrInvalid)
	}
	if c.Zoom.Min <= 0 || c.Zoom.Min > 1 || c.Zoom.Max < 1 {
		return fmt.Errorf("%w: zoom range must contain 1.0 and be positive", ErrInvalid)
	}
	if c.PDFDPI < 1 {
		return fmt.Errorf("%w: pdf_dpi must be positive", ErrInvalid)
	}
	if c.MinBoxSize < 0 {
		return fmt.Errorf("%w: min_box_size cannot be negative", ErrInvalid)
	}
	return nil
}

// HighWatermarkBytes converts the configured watermark to bytes.
func (c CacheConfig) HighWatermarkBytes() int64 {
	return int64(c.HighWatermarkMB) * 1024 * 1024
}

func (c CacheConfig) MinAvailableBytes() uint64 {
	if c.MinAvailableMB <= 0 {
		return 0
	}
	return uint64(c.MinAvailableMB) * 1024 * 1024
}
