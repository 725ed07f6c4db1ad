package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/hlsgrab/internal/resolve"
	"github.com/agleyzer/hlsgrab/internal/segment"
	"github.com/agleyzer/hlsgrab/internal/variant"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "output.mp4", cfg.Output)
	assert.Equal(t, 10, cfg.Workers)
	assert.Equal(t, 20, cfg.EffectiveQueueDepth())
	assert.Equal(t, 0, cfg.FailureTolerance)
	assert.Equal(t, 3, cfg.Retry.Attempts)
	assert.Equal(t, 10*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, time.Second, cfg.Retry.Backoff)
	assert.False(t, cfg.Retry.Jitter)
	assert.Equal(t, resolve.StrategyBase64Dash, cfg.OrderKey.Strategy)
	assert.Equal(t, "-", cfg.OrderKey.Delimiter)
	assert.Equal(t, 1, cfg.OrderKey.Field)
	assert.Equal(t, "AUDIO", cfg.Rendition.Type)
	assert.True(t, cfg.Progress)
}

func TestParse(t *testing.T) {
	data := `
source: https://example.com/master.m3u8
output: show.mp4
workers: 4
queue_depth: 5
failure_tolerance: 2
retry:
  attempts: 5
  timeout: 30s
  backoff: 250ms
  jitter: true
order_key:
  strategy: query-param
  param: n
rendition:
  type: VIDEO
  fallback: highest-bandwidth
temp_dir: /tmp/grab
keep_temp: true
artifact_bucket: mem://
status_port: 8081
user_agent: hlsgrab/1.0
progress: false
`
	cfg, err := Parse([]byte(data))
	require.NoError(t, err)

	assert.Equal(t, "https://example.com/master.m3u8", cfg.Source)
	assert.Equal(t, "show.mp4", cfg.Output)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 5, cfg.EffectiveQueueDepth())
	assert.Equal(t, 2, cfg.FailureTolerance)
	assert.Equal(t, 5, cfg.Retry.Attempts)
	assert.Equal(t, 30*time.Second, cfg.Retry.Timeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Backoff)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, resolve.StrategyQueryParam, cfg.OrderKey.Strategy)
	assert.Equal(t, "n", cfg.OrderKey.Param)
	assert.Equal(t, "-", cfg.OrderKey.Delimiter, "unset keys keep defaults")
	assert.Equal(t, RenditionConfig{Type: "VIDEO", Fallback: FallbackHighestBandwidth}, cfg.Rendition)
	assert.Equal(t, "/tmp/grab", cfg.TempDir)
	assert.True(t, cfg.KeepTemp)
	assert.Equal(t, "mem://", cfg.ArtifactBucket)
	assert.Equal(t, 8081, cfg.StatusPort)
	assert.Equal(t, "hlsgrab/1.0", cfg.UserAgent)
	assert.Equal(t, "ffmpeg", cfg.FFmpeg)
	assert.False(t, cfg.Progress)

	require.NoError(t, cfg.Validate())

	opts := cfg.FetchOptions()
	assert.Equal(t, 5, opts.Attempts)
	assert.Equal(t, "hlsgrab/1.0", opts.UserAgent)
	assert.True(t, opts.Jitter)

	keyFn, err := cfg.KeyFunc()
	require.NoError(t, err)
	key, err := keyFn(segment.Address("https://cdn.example.com/seg.ts?n=12"))
	require.NoError(t, err)
	assert.Equal(t, int64(12), key)
}

func TestParse_UnlimitedTolerance(t *testing.T) {
	cfg, err := Parse([]byte("failure_tolerance: -1\n"))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.FailureTolerance)
}

func TestParse_ExplicitFirstField(t *testing.T) {
	cfg, err := Parse([]byte("order_key:\n  field: 0\n"))
	require.NoError(t, err)
	cfg.Source = "https://example.com/master.m3u8"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0, cfg.OrderKey.Field)

	keyFn, err := cfg.KeyFunc()
	require.NoError(t, err)
	name := base64.URLEncoding.EncodeToString([]byte("7-99"))
	key, err := keyFn(segment.Address("http://example.com/" + name))
	require.NoError(t, err)
	assert.Equal(t, int64(7), key)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad yaml", "workers: [1, 2"},
		{"bad timeout", "retry:\n  timeout: soon\n"},
		{"bad backoff", "retry:\n  backoff: 1 second\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hlsgrab.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source: https://example.com/a.m3u8\nworkers: 3\n"), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 6, cfg.EffectiveQueueDepth())

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.Source = "https://example.com/master.m3u8"
		return cfg
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing source", func(c *Config) { c.Source = "" }, true},
		{"non-http source", func(c *Config) { c.Source = "ftp://example.com/a.m3u8" }, true},
		{"relative source", func(c *Config) { c.Source = "master.m3u8" }, true},
		{"empty output", func(c *Config) { c.Output = "" }, true},
		{"zero workers", func(c *Config) { c.Workers = 0 }, true},
		{"negative queue", func(c *Config) { c.QueueDepth = -1 }, true},
		{"zero attempts", func(c *Config) { c.Retry.Attempts = 0 }, true},
		{"zero timeout", func(c *Config) { c.Retry.Timeout = 0 }, true},
		{"negative backoff", func(c *Config) { c.Retry.Backoff = -time.Second }, true},
		{"zero backoff", func(c *Config) { c.Retry.Backoff = 0 }, false},
		{"unknown strategy", func(c *Config) { c.OrderKey.Strategy = "guess" }, true},
		{"query param without name", func(c *Config) { c.OrderKey.Strategy = resolve.StrategyQueryParam }, true},
		{"unknown fallback", func(c *Config) { c.Rendition.Fallback = "random" }, true},
		{"nothing selectable", func(c *Config) { c.Rendition = RenditionConfig{Fallback: FallbackNone} }, true},
		{"bad port", func(c *Config) { c.StatusPort = 70000 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSelector(t *testing.T) {
	master := variant.Master{
		Variants: []variant.Variant{
			{Bandwidth: 800000, URI: "low.m3u8"},
			{Bandwidth: 2000000, URI: "high.m3u8"},
		},
		Media: []variant.Media{
			{Type: "AUDIO", Language: "eng", GroupID: "720p", URI: "eng.m3u8"},
		},
	}

	cfg := Default()
	sel, err := cfg.Selector()
	require.NoError(t, err)
	choice, err := sel.Select(master)
	require.NoError(t, err)
	assert.Equal(t, "eng.m3u8", choice.URI)
	assert.False(t, choice.Fallback)

	cfg.Rendition = RenditionConfig{Language: "deu", Fallback: FallbackHighestBandwidth}
	sel, err = cfg.Selector()
	require.NoError(t, err)
	choice, err = sel.Select(master)
	require.NoError(t, err)
	assert.Equal(t, "high.m3u8", choice.URI)
	assert.True(t, choice.Fallback)

	cfg.Rendition = RenditionConfig{Language: "deu", Fallback: FallbackNone}
	sel, err = cfg.Selector()
	require.NoError(t, err)
	_, err = sel.Select(master)
	assert.ErrorIs(t, err, variant.ErrNoMatch)
}
