// Package config loads and validates hlsgrab job configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agleyzer/hlsgrab/internal/fetch"
	"github.com/agleyzer/hlsgrab/internal/resolve"
	"github.com/agleyzer/hlsgrab/internal/variant"
)

// Fallback selector names accepted in rendition.fallback.
const (
	FallbackFirstVariant     = "first-variant"
	FallbackHighestBandwidth = "highest-bandwidth"
	FallbackNone             = "none"
)

// Config defines one download job.
type Config struct {
	Source           string          `yaml:"source"`
	Output           string          `yaml:"output"`
	Workers          int             `yaml:"workers"`
	QueueDepth       int             `yaml:"queue_depth"`
	FailureTolerance int             `yaml:"failure_tolerance"`
	Retry            RetryConfig     `yaml:"retry"`
	OrderKey         OrderKeyConfig  `yaml:"order_key"`
	Rendition        RenditionConfig `yaml:"rendition"`
	TempDir          string          `yaml:"temp_dir"`
	KeepTemp         bool            `yaml:"keep_temp"`
	ArtifactBucket   string          `yaml:"artifact_bucket"`
	StatusPort       int             `yaml:"status_port"`
	FFmpeg           string          `yaml:"ffmpeg"`
	UserAgent        string          `yaml:"user_agent"`
	Progress         bool            `yaml:"progress"`
}

// RetryConfig defines per-segment retry behavior.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
	Backoff  time.Duration `yaml:"backoff"`
	Jitter   bool          `yaml:"jitter"`
}

// OrderKeyConfig selects how ordering keys are read from segment addresses.
type OrderKeyConfig struct {
	Strategy           string `yaml:"strategy"`
	resolve.KeyOptions `yaml:",inline"`
}

// RenditionConfig selects the media playlist out of a master playlist.
// Empty attributes match anything.
type RenditionConfig struct {
	Type     string `yaml:"type"`
	Language string `yaml:"language"`
	GroupID  string `yaml:"group_id"`
	Fallback string `yaml:"fallback"`
}

// Default returns a Config with the stock job settings.
func Default() Config {
	return Config{
		Output:     "output.mp4",
		Workers:    10,
		QueueDepth: 0, // 2 * Workers
		Retry: RetryConfig{
			Attempts: 3,
			Timeout:  10 * time.Second,
			Backoff:  time.Second,
		},
		OrderKey: OrderKeyConfig{
			Strategy: resolve.StrategyBase64Dash,
			KeyOptions: resolve.KeyOptions{
				Delimiter: "-",
				Field:     1,
			},
		},
		Rendition: RenditionConfig{
			Type:     "AUDIO",
			Language: "eng",
			GroupID:  "720p",
			Fallback: FallbackFirstVariant,
		},
		FFmpeg:   "ffmpeg",
		Progress: true,
	}
}

// yamlConfig is used for YAML unmarshaling with string durations. Pointers
// tell an explicit zero apart from an absent key.
type yamlConfig struct {
	Source           string             `yaml:"source"`
	Output           string             `yaml:"output"`
	Workers          int                `yaml:"workers"`
	QueueDepth       int                `yaml:"queue_depth"`
	FailureTolerance *int               `yaml:"failure_tolerance"`
	Retry            yamlRetryConfig    `yaml:"retry"`
	OrderKey         yamlOrderKeyConfig `yaml:"order_key"`
	Rendition        *RenditionConfig   `yaml:"rendition"`
	TempDir          string             `yaml:"temp_dir"`
	KeepTemp         bool               `yaml:"keep_temp"`
	ArtifactBucket   string             `yaml:"artifact_bucket"`
	StatusPort       int                `yaml:"status_port"`
	FFmpeg           string             `yaml:"ffmpeg"`
	UserAgent        string             `yaml:"user_agent"`
	Progress         *bool              `yaml:"progress"`
}

type yamlRetryConfig struct {
	Attempts int    `yaml:"attempts"`
	Timeout  string `yaml:"timeout"`
	Backoff  string `yaml:"backoff"`
	Jitter   bool   `yaml:"jitter"`
}

type yamlOrderKeyConfig struct {
	Strategy  string `yaml:"strategy"`
	Delimiter string `yaml:"delimiter"`
	Field     *int   `yaml:"field"`
	Param     string `yaml:"param"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration on top of Default.
func Parse(data []byte) (Config, error) {
	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Source != "" {
		cfg.Source = yc.Source
	}
	if yc.Output != "" {
		cfg.Output = yc.Output
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.QueueDepth != 0 {
		cfg.QueueDepth = yc.QueueDepth
	}
	if yc.FailureTolerance != nil {
		cfg.FailureTolerance = *yc.FailureTolerance
	}

	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Timeout != "" {
		d, err := time.ParseDuration(yc.Retry.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.timeout: %w", err)
		}
		cfg.Retry.Timeout = d
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	cfg.Retry.Jitter = yc.Retry.Jitter

	if yc.OrderKey.Strategy != "" {
		cfg.OrderKey.Strategy = yc.OrderKey.Strategy
	}
	if yc.OrderKey.Delimiter != "" {
		cfg.OrderKey.Delimiter = yc.OrderKey.Delimiter
	}
	if yc.OrderKey.Field != nil {
		cfg.OrderKey.Field = *yc.OrderKey.Field
	}
	if yc.OrderKey.Param != "" {
		cfg.OrderKey.Param = yc.OrderKey.Param
	}

	if yc.Rendition != nil {
		fallback := cfg.Rendition.Fallback
		cfg.Rendition = *yc.Rendition
		if cfg.Rendition.Fallback == "" {
			cfg.Rendition.Fallback = fallback
		}
	}

	if yc.TempDir != "" {
		cfg.TempDir = yc.TempDir
	}
	cfg.KeepTemp = yc.KeepTemp
	if yc.ArtifactBucket != "" {
		cfg.ArtifactBucket = yc.ArtifactBucket
	}
	if yc.StatusPort != 0 {
		cfg.StatusPort = yc.StatusPort
	}
	if yc.FFmpeg != "" {
		cfg.FFmpeg = yc.FFmpeg
	}
	if yc.UserAgent != "" {
		cfg.UserAgent = yc.UserAgent
	}
	if yc.Progress != nil {
		cfg.Progress = *yc.Progress
	}

	return cfg, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Source == "" {
		return errors.New("config: source is required")
	}
	u, err := url.Parse(c.Source)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: source must be an http(s) URL, got %q", c.Source)
	}
	if c.Output == "" {
		return errors.New("config: output is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.QueueDepth < 0 {
		return errors.New("config: queue_depth must not be negative")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Retry.Timeout <= 0 {
		return errors.New("config: retry.timeout must be positive")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("config: retry.backoff must not be negative")
	}
	if c.OrderKey.Field < 0 {
		return errors.New("config: order_key.field must not be negative")
	}
	if _, err := c.KeyFunc(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Selector(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("config: status_port %d out of range", c.StatusPort)
	}
	return nil
}

// EffectiveQueueDepth returns the queue depth, defaulting to twice the worker count.
func (c *Config) EffectiveQueueDepth() int {
	if c.QueueDepth > 0 {
		return c.QueueDepth
	}
	return 2 * c.Workers
}

// FetchOptions returns the segment fetcher settings.
func (c *Config) FetchOptions() fetch.Options {
	return fetch.Options{
		Attempts:  c.Retry.Attempts,
		Timeout:   c.Retry.Timeout,
		Backoff:   c.Retry.Backoff,
		Jitter:    c.Retry.Jitter,
		UserAgent: c.UserAgent,
	}
}

// KeyFunc returns the configured ordering key strategy.
func (c *Config) KeyFunc() (resolve.KeyFunc, error) {
	return resolve.ByName(c.OrderKey.Strategy, c.OrderKey.KeyOptions)
}

// Selector returns the configured rendition selection policy.
func (c *Config) Selector() (variant.Selector, error) {
	var chain variant.WithFallback

	r := c.Rendition
	if r.Type != "" || r.Language != "" || r.GroupID != "" {
		chain = append(chain, variant.MatchMedia{Type: r.Type, Language: r.Language, GroupID: r.GroupID})
	}

	switch r.Fallback {
	case FallbackFirstVariant, "":
		chain = append(chain, variant.FirstVariant{})
	case FallbackHighestBandwidth:
		chain = append(chain, variant.HighestBandwidth{})
	case FallbackNone:
	default:
		return nil, fmt.Errorf("unknown rendition fallback %q", r.Fallback)
	}

	if len(chain) == 0 {
		return nil, errors.New("rendition selection matches nothing: set an attribute or a fallback")
	}
	return chain, nil
}
