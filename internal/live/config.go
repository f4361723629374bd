package live

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Config holds engine-wide settings applied to every asset.
type Config struct {
	// Root is the directory holding one subdirectory per asset.
	Root string
	// BaseURL is the public path prefix assets are served under.
	BaseURL string

	SegmentDuration time.Duration
	ListSize        int
	DVRWindow       time.Duration
	PollInterval    time.Duration

	// AutoEnd stops a live asset that has produced nothing for this long.
	AutoEnd time.Duration
	// Expiry destroys an archived asset this long after its last activity. Zero keeps it forever.
	Expiry time.Duration

	ThumbnailInterval time.Duration
	ThumbnailHeight   int

	SaveDelay time.Duration
	// MaxRestarts is how many times an asset restarts its transcoder after an unexpected exit.
	MaxRestarts int
}

// DefaultConfig returns the defaults used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Root:              "data/live",
		BaseURL:           "/lives",
		SegmentDuration:   2 * time.Second,
		ListSize:          3,
		DVRWindow:         0,
		PollInterval:      500 * time.Millisecond,
		AutoEnd:           30 * time.Second,
		Expiry:            0,
		ThumbnailInterval: 60 * time.Second,
		ThumbnailHeight:   180,
		SaveDelay:         250 * time.Millisecond,
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Root == "" {
		c.Root = d.Root
	}
	if c.BaseURL == "" {
		c.BaseURL = d.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.SegmentDuration <= 0 {
		c.SegmentDuration = d.SegmentDuration
	}
	if c.ListSize <= 0 {
		c.ListSize = d.ListSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.AutoEnd <= 0 {
		c.AutoEnd = d.AutoEnd
	}
	if c.ThumbnailHeight <= 0 {
		c.ThumbnailHeight = d.ThumbnailHeight
	}
	if c.SaveDelay <= 0 {
		c.SaveDelay = d.SaveDelay
	}
	return c
}

// Validate rejects configurations that cannot serve a playlist.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Root) == "" {
		return fmt.Errorf("live root is required")
	}
	if c.ListSize <= 0 {
		return fmt.Errorf("list size must be positive, got %d", c.ListSize)
	}
	if c.SegmentDuration <= 0 {
		return fmt.Errorf("segment duration must be positive, got %v", c.SegmentDuration)
	}
	if c.DVRWindow < 0 || c.Expiry < 0 || c.ThumbnailInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("max restarts must not be negative")
	}
	return nil
}

func (c Config) stream() StreamConfig {
	return StreamConfig{
		ListSize:        c.ListSize,
		DVRWindow:       c.DVRWindow,
		SegmentDuration: c.SegmentDuration,
	}
}

func (c Config) dir(id LiveID) string {
	return filepath.Join(c.Root, string(id))
}

func (c Config) publicURL(id LiveID, rel string) string {
	return c.BaseURL + "/" + string(id) + "/" + rel
}
