package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.InputDir = "in"
	cfg.OutputDir = "out"
	cfg.Labels = []string{"cat", "dog"}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 100, cfg.Cache.WindowSize)
	assert.Equal(t, 1920, cfg.Cache.MaxDimension)
	assert.Equal(t, int64(2000*1024*1024), cfg.Cache.HighWatermarkBytes())
	assert.Equal(t, 5*time.Minute, cfg.Autosave.Interval)
	assert.Contains(t, cfg.Extensions, ".jpeg")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing input", func(c *Config) { c.InputDir = "" }},
		{"missing output", func(c *Config) { c.OutputDir = "" }},
		{"no labels", func(c *Config) { c.Labels = nil }},
		{"no extensions", func(c *Config) { c.Extensions = nil }},
		{"zero window", func(c *Config) { c.Cache.WindowSize = 0 }},
		{"min buffer above buffer", func(c *Config) { c.Cache.MinEvictionBuffer = c.Cache.EvictionBuffer + 1 }},
		{"batch order", func(c *Config) { c.Cache.Batch.Initial = c.Cache.Batch.Max + 1 }},
		{"zoom excludes one", func(c *Config) { c.Zoom.Max = 0.5 }},
		{"negative box", func(c *Config) { c.MinBoxSize = -1 }},
	}

	require.NoError(t, validConfig().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}

func TestLoadKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boxlabel.yaml")
	data := []byte(`input_dir: /data/images
output_dir: /data/labels
labels: [car, person]
cache:
  window_size: 40
  prefetch_delay: 250ms
autosave:
  interval: 2m
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/images", cfg.InputDir)
	assert.Equal(t, []string{"car", "person"}, cfg.Labels)
	assert.Equal(t, 40, cfg.Cache.WindowSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Cache.PrefetchDelay)
	assert.Equal(t, 2*time.Minute, cfg.Autosave.Interval)
	assert.Equal(t, 1920, cfg.Cache.MaxDimension, "omitted keys keep defaults")
	assert.NoError(t, cfg.Validate())
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "boxlabel.yaml")
	cfg := validConfig()
	cfg.Cache.WindowSize = 12

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
