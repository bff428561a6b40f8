// Package config loads zonecount's JSON tuning file and process environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/zonecount/internal/crossing"
	"github.com/banshee-data/zonecount/internal/geometry"
	"github.com/banshee-data/zonecount/internal/session"
)

// DefaultConfigPath is the canonical defaults file, relative to the repo root.
const DefaultConfigPath = "config/zonecount.defaults.json"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config tunes counting sessions. Every field is optional; the Get* methods
// fall back to built-in defaults for anything the file leaves out.
type Config struct {
	BatchSize     *int    `json:"batch_size,omitempty"`
	TrackCapacity *int    `json:"track_capacity,omitempty"`
	TrackTTL      *string `json:"track_ttl,omitempty"` // duration string like "30s"
	FlushRetries  *int    `json:"flush_retries,omitempty"`
	FlushBackoff  *string `json:"flush_backoff,omitempty"`

	// StrictGeometry rejects zero-area zones at creation time.
	StrictGeometry *bool `json:"strict_geometry,omitempty"`

	// Frame bounds in pixels. Observations outside them are skipped.
	FrameWidth  *float64 `json:"frame_width,omitempty"`
	FrameHeight *float64 `json:"frame_height,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrString(v string) *string    { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// Defaults returns a Config with every field set to its built-in default.
func Defaults() *Config {
	return &Config{
		BatchSize:      ptrInt(crossing.DefaultBatchSize),
		TrackCapacity:  ptrInt(crossing.DefaultTrackCapacity),
		TrackTTL:       ptrString("0s"),
		FlushRetries:   ptrInt(3),
		FlushBackoff:   ptrString("200ms"),
		StrictGeometry: ptrBool(false),
		FrameWidth:     ptrFloat64(0),
		FrameHeight:    ptrFloat64(0),
	}
}

// Load reads a Config from a JSON file. The path must end in .json and the
// file must be under 1MB. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the values that are set.
func (c *Config) Validate() error {
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", *c.BatchSize)
	}
	if c.TrackCapacity != nil && *c.TrackCapacity < 0 {
		return fmt.Errorf("track_capacity must be non-negative, got %d", *c.TrackCapacity)
	}
	if c.FlushRetries != nil && *c.FlushRetries < 0 {
		return fmt.Errorf("flush_retries must be non-negative, got %d", *c.FlushRetries)
	}
	for name, v := range map[string]*string{"track_ttl": c.TrackTTL, "flush_backoff": c.FlushBackoff} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, *v)
		}
	}
	if c.FrameWidth != nil && *c.FrameWidth < 0 {
		return fmt.Errorf("frame_width must be non-negative, got %f", *c.FrameWidth)
	}
	if c.FrameHeight != nil && *c.FrameHeight < 0 {
		return fmt.Errorf("frame_height must be non-negative, got %f", *c.FrameHeight)
	}
	return nil
}

// GetBatchSize returns batch_size or the default.
func (c *Config) GetBatchSize() int {
	if c.BatchSize == nil {
		return crossing.DefaultBatchSize
	}
	return *c.BatchSize
}

// GetTrackCapacity returns track_capacity or the default. Zero is unbounded.
func (c *Config) GetTrackCapacity() int {
	if c.TrackCapacity == nil {
		return crossing.DefaultTrackCapacity
	}
	return *c.TrackCapacity
}

// GetTrackTTL returns track_ttl, or zero (disabled) if unset or unparsable.
func (c *Config) GetTrackTTL() time.Duration {
	return parseDuration(c.TrackTTL, 0)
}

func (c *Config) GetFlushRetries() int {
	if c.FlushRetries == nil {
		return 3
	}
	return *c.FlushRetries
}

func (c *Config) GetFlushBackoff() time.Duration {
	return parseDuration(c.FlushBackoff, 200*time.Millisecond)
}

func (c *Config) GetStrictGeometry() bool {
	return c.StrictGeometry != nil && *c.StrictGeometry
}

// GetFrameSize returns the frame bounds, or zeros when unset.
func (c *Config) GetFrameSize() (width, height float64) {
	if c.FrameWidth != nil {
		width = *c.FrameWidth
	}
	if c.FrameHeight != nil {
		height = *c.FrameHeight
	}
	return width, height
}

// GeometryOptions returns the polygon validation options for new zones.
func (c *Config) GeometryOptions() []geometry.Option {
	if c.GetStrictGeometry() {
		return []geometry.Option{geometry.Strict()}
	}
	return nil
}

// SessionConfig converts c into the controller's configuration.
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.BatchSize = c.GetBatchSize()
	cfg.FlushRetries = c.GetFlushRetries()
	cfg.FlushBackoff = c.GetFlushBackoff()
	cfg.State.Capacity = c.GetTrackCapacity()
	cfg.State.TTL = c.GetTrackTTL()
	cfg.FrameWidth, cfg.FrameHeight = c.GetFrameSize()
	return cfg
}

func parseDuration(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}
