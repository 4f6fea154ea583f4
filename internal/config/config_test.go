package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Cache.ChunkSizeMB)
	assert.Equal(t, int64(32*1024*1024), cfg.ChunkCacheBytes())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Empty(t, cfg.Formats.Disabled)
	assert.Empty(t, cfg.Formats.Order)
}

func TestLoad_File(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/diskimage/diskimage.yaml", []byte(`
formats:
  disabled: [ewf, DMG]
  order: [qcow2, vhd]
cache:
  chunk_size_mb: 8
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(fs, "/etc/diskimage/diskimage.yaml")
	require.NoError(t, err)

	assert.Equal(t, []string{"ewf", "DMG"}, cfg.Formats.Disabled)
	assert.Equal(t, []string{"qcow2", "vhd"}, cfg.Formats.Order)
	assert.Equal(t, 8, cfg.Cache.ChunkSizeMB)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.IsDisabled("dmg"))
	assert.False(t, cfg.IsDisabled("raw"))
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("DISKIMAGE_LOG_LEVEL", "warn")
	t.Setenv("DISKIMAGE_CACHE_CHUNK_SIZE_MB", "4")

	cfg, err := Load(afero.NewMemMapFs(), "")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 4, cfg.Cache.ChunkSizeMB)
}

func TestLoad_Errors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/bad.yaml", []byte("log:\n  format: xml\n"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/neg.yaml", []byte("cache:\n  chunk_size_mb: -1\n"), 0o644))

	_, err := Load(fs, "/missing.yaml")
	assert.ErrorContains(t, err, "error reading config file")

	_, err = Load(fs, "/bad.yaml")
	assert.ErrorContains(t, err, "log.format must be console or json")

	_, err = Load(fs, "/neg.yaml")
	assert.ErrorContains(t, err, "must not be negative")
}
