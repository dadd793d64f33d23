package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LimitsConfig tunes delivery, indexing and session behaviour.
type LimitsConfig struct {
	Delivery DeliveryLimits `yaml:"delivery"`
	Index    IndexLimits    `yaml:"index"`
	Session  SessionLimits  `yaml:"session"`
}

type DeliveryLimits struct {
	ArtifactTTLSeconds   int64 `yaml:"artifact_ttl_seconds"`
	RequestWindowSeconds int64 `yaml:"request_window_seconds"`
	SweepBatch           int   `yaml:"sweep_batch"`
	SweepIntervalSeconds int64 `yaml:"sweep_interval_seconds"`
}

type IndexLimits struct {
	MinTokenLength int      `yaml:"min_token_length"`
	ExtraStopwords []string `yaml:"extra_stopwords"`
	ReindexBatch   int      `yaml:"reindex_batch"`
	SearchLimit    int      `yaml:"search_limit"`
}

type SessionLimits struct {
	IdleTimeoutSeconds   int64 `yaml:"idle_timeout_seconds"`
	TransformTimeoutSecs int64 `yaml:"transform_timeout_seconds"`
	MaxClipSeconds       int   `yaml:"max_clip_seconds"`
}

// LoadLimits loads a YAML limits file; missing file or fields fall back to defaults.
func LoadLimits(path string) (*LimitsConfig, error) {
	if path == "" {
		return defaultLimits(), nil
	}
	// #nosec G304 -- limits config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultLimits(), fmt.Errorf("read limits config: %w", err)
	}
	return ParseLimits(data)
}

// ParseLimits parses limits config from YAML bytes.
func ParseLimits(data []byte) (*LimitsConfig, error) {
	cfg := defaultLimits()
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return defaultLimits(), fmt.Errorf("parse limits config: %w", err)
	}
	def := defaultLimits()
	if cfg.Delivery.ArtifactTTLSeconds <= 0 {
		cfg.Delivery.ArtifactTTLSeconds = def.Delivery.ArtifactTTLSeconds
	}
	if cfg.Delivery.RequestWindowSeconds <= 0 {
		cfg.Delivery.RequestWindowSeconds = def.Delivery.RequestWindowSeconds
	}
	if cfg.Delivery.SweepBatch <= 0 {
		cfg.Delivery.SweepBatch = def.Delivery.SweepBatch
	}
	if cfg.Delivery.SweepIntervalSeconds <= 0 {
		cfg.Delivery.SweepIntervalSeconds = def.Delivery.SweepIntervalSeconds
	}
	if cfg.Index.MinTokenLength <= 0 {
		cfg.Index.MinTokenLength = def.Index.MinTokenLength
	}
	if cfg.Index.ReindexBatch <= 0 {
		cfg.Index.ReindexBatch = def.Index.ReindexBatch
	}
	if cfg.Index.SearchLimit <= 0 {
		cfg.Index.SearchLimit = def.Index.SearchLimit
	}
	if cfg.Session.IdleTimeoutSeconds <= 0 {
		cfg.Session.IdleTimeoutSeconds = def.Session.IdleTimeoutSeconds
	}
	if cfg.Session.TransformTimeoutSecs <= 0 {
		cfg.Session.TransformTimeoutSecs = def.Session.TransformTimeoutSecs
	}
	if cfg.Session.MaxClipSeconds <= 0 {
		cfg.Session.MaxClipSeconds = def.Session.MaxClipSeconds
	}
	return cfg, nil
}

// ArtifactTTL returns the delivery artifact TTL as a duration.
func (c *LimitsConfig) ArtifactTTL() time.Duration {
	return time.Duration(c.Delivery.ArtifactTTLSeconds) * time.Second
}

// RequestWindow returns how long after expiry a re-request stays possible.
func (c *LimitsConfig) RequestWindow() time.Duration {
	return time.Duration(c.Delivery.RequestWindowSeconds) * time.Second
}

// IdleTimeout returns the session idle reap window.
func (c *LimitsConfig) IdleTimeout() time.Duration {
	return time.Duration(c.Session.IdleTimeoutSeconds) * time.Second
}

// TransformTimeout returns the hard ceiling for one media tool invocation.
func (c *LimitsConfig) TransformTimeout() time.Duration {
	return time.Duration(c.Session.TransformTimeoutSecs) * time.Second
}

func defaultLimits() *LimitsConfig {
	return &LimitsConfig{
		Delivery: DeliveryLimits{
			ArtifactTTLSeconds:   600,
			RequestWindowSeconds: 12 * 3600,
			SweepBatch:           100,
			SweepIntervalSeconds: 60,
		},
		Index: IndexLimits{
			MinTokenLength: 2,
			ReindexBatch:   200,
			SearchLimit:    50,
		},
		Session: SessionLimits{
			IdleTimeoutSeconds:   600,
			TransformTimeoutSecs: 120,
			MaxClipSeconds:       60,
		},
	}
}
