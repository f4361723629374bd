package live

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"hls-live/internal/transcoder"
)

// LiveID uniquely identifies a live asset. It doubles as the asset's directory name.
type LiveID string

// Valid reports whether id is safe to use as a directory name.
func (id LiveID) Valid() bool {
	s := string(id)
	if s == "" || s == "." || s == ".." || len(s) > 128 {
		return false
	}
	return !strings.ContainsAny(s, `/\`)
}

var (
	// ErrNotFound is returned when no asset is registered under an id.
	ErrNotFound = errors.New("live not found")

	// ErrExists is returned when registering an id twice.
	ErrExists = errors.New("live already exists")

	// ErrInvalidID is returned for ids that cannot name a directory.
	ErrInvalidID = errors.New("invalid live id")

	// ErrUnknownRendition is returned for renditions outside the asset's ladder.
	ErrUnknownRendition = errors.New("unknown rendition")

	// ErrNotStarted is returned when an asset has no renditions yet.
	ErrNotStarted = errors.New("live has not been started")

	// ErrInvalidSettings is returned when start settings fail validation.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrBadQuery is returned for malformed playlist query parameters.
	ErrBadQuery = errors.New("bad playlist query")
)

// Segment is one media segment discovered in a transcoder manifest.
type Segment struct {
	Sequence int64    `json:"sequence"`
	URI      string   `json:"uri"`
	Duration float64  `json:"duration"`
	Tags     []string `json:"tags"`
	Aspect   float64  `json:"aspect,omitempty"`
	Init     string   `json:"init,omitempty"`
}

// Settings describe the input of a live asset.
type Settings struct {
	Input  string                   `json:"input"`
	Format string                   `json:"format,omitempty"`
	Width  int                      `json:"width"`
	Height int                      `json:"height"`
	FPS    float64                  `json:"fps,omitempty"`
	Encode transcoder.EncodeOptions `json:"encode"`
}

// Merge returns s with every non-zero field of o applied on top.
func (s Settings) Merge(o Settings) Settings {
	out := s
	if o.Input != "" {
		out.Input = o.Input
	}
	if o.Format != "" {
		out.Format = o.Format
	}
	if o.Width > 0 {
		out.Width = o.Width
	}
	if o.Height > 0 {
		out.Height = o.Height
	}
	if o.FPS > 0 {
		out.FPS = o.FPS
	}
	if o.Encode.Codec != "" {
		out.Encode.Codec = o.Encode.Codec
	}
	if o.Encode.HWAccel != "" {
		out.Encode.HWAccel = o.Encode.HWAccel
	}
	if o.Encode.Preset != "" {
		out.Encode.Preset = o.Encode.Preset
	}
	return out
}

// Validate checks the fields start needs.
func (s Settings) Validate() error {
	switch {
	case strings.TrimSpace(s.Input) == "":
		return fmt.Errorf("%w: input is required", ErrInvalidSettings)
	case s.Width <= 0 || s.Height <= 0:
		return fmt.Errorf("%w: source width and height are required", ErrInvalidSettings)
	case s.FPS < 0:
		return fmt.Errorf("%w: fps must not be negative", ErrInvalidSettings)
	}
	switch s.Encode.Codec {
	case "", transcoder.CodecH264, transcoder.CodecHEVC, transcoder.CodecAV1:
	default:
		return fmt.Errorf("%w: unsupported codec %q", ErrInvalidSettings, s.Encode.Codec)
	}
	return nil
}

// AspectRatio is the source display ratio, or 0 when unknown.
func (s Settings) AspectRatio() float64 {
	if s.Width <= 0 || s.Height <= 0 {
		return 0
	}
	return float64(s.Width) / float64(s.Height)
}

// StreamConfig is the playlist shape recorded when an asset starts. It is
// persisted so a recovered asset keeps the window it was published with.
type StreamConfig struct {
	ListSize        int           `json:"list_size"`
	DVRWindow       time.Duration `json:"dvr_window"`
	SegmentDuration time.Duration `json:"segment_duration"`
}

// MaxSegments is the number of segments a bounded live playlist exposes:
// max(ListSize, ceil(DVRWindow / SegmentDuration)).
func (c StreamConfig) MaxSegments() int {
	n := c.ListSize
	if c.DVRWindow > 0 && c.SegmentDuration > 0 {
		dvr := int(math.Ceil(float64(c.DVRWindow) / float64(c.SegmentDuration)))
		if dvr > n {
			n = dvr
		}
	}
	return n
}

// RenditionStatus describes one rung of a running asset.
type RenditionStatus struct {
	Name         string `json:"name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	Bandwidth    int    `json:"bandwidth"`
	LastSequence int64  `json:"last_sequence"`
}

// Status is the externally visible view of a live asset.
type Status struct {
	ID         LiveID            `json:"id"`
	State      string            `json:"state"`
	IsLive     bool              `json:"is_live"`
	Title      string            `json:"title,omitempty"`
	URL        string            `json:"url"`
	Duration   float64           `json:"duration"`
	Size       int64             `json:"size"`
	Segments   map[string]int64  `json:"segments"`
	TS         time.Time         `json:"ts"`
	Thumbnail  string            `json:"thumbnail,omitempty"`
	Renditions []RenditionStatus `json:"renditions"`
}
