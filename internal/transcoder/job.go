// Package transcoder is the process-control facade over the external ffmpeg
// transcoder: it turns an ABR ladder into a running process that writes one live
// manifest and segment set per rendition, and extracts single frames for thumbnails.
package transcoder

import (
	"context"
	"errors"
	"path/filepath"
	"time"
)

// Segment container formats written by the transcoder.
const (
	FormatMPEGTS = "mpegts"
	FormatFMP4   = "fmp4"
)

// Codec families.
const (
	CodecH264 = "h264"
	CodecHEVC = "hevc"
	CodecAV1  = "av1"
)

// File names inside each rendition directory.
const (
	ManifestName = "stream.m3u8"
	InitName     = "init.mp4"
)

// ErrNoRenditions is returned when a job has an empty ladder.
var ErrNoRenditions = errors.New("no renditions")

// EncodeOptions selects codec family and hardware acceleration.
type EncodeOptions struct {
	Codec   string `json:"codec,omitempty"`
	HWAccel string `json:"hwaccel,omitempty"`
	Preset  string `json:"preset,omitempty"`
}

// CodecFamily returns the configured codec, defaulting to h264.
func (o EncodeOptions) CodecFamily() string {
	switch o.Codec {
	case CodecHEVC, CodecAV1:
		return o.Codec
	default:
		return CodecH264
	}
}

// SegmentFormat is fmp4 for codecs that require it and mpegts otherwise.
func (o EncodeOptions) SegmentFormat() string {
	if o.CodecFamily() == CodecH264 {
		return FormatMPEGTS
	}
	return FormatFMP4
}

// Rendition is one rung of the ladder as the transcoder sees it.
type Rendition struct {
	Name      string
	Width     int
	Height    int
	VideoKbps int
	AudioKbps int
}

// Job describes a transcode of one input into a rendition ladder under Dir.
type Job struct {
	ID              string
	Input           string
	InputFormat     string
	FPS             float64
	Dir             string
	Renditions      []Rendition
	SegmentDuration time.Duration
	ListSize        int
	// StartNumber is the index of the first segment file. A restarted job
	// continues after the segments already written.
	StartNumber     int64
	Encode          EncodeOptions
}

// ManifestPath is where the transcoder writes the live manifest of rendition name.
func (j Job) ManifestPath(name string) string {
	return filepath.Join(j.Dir, name, ManifestName)
}

// Process is a running transcoder.
type Process interface {
	// Done is closed when the process has exited.
	Done() <-chan struct{}
	// Err is the exit error once Done is closed.
	Err() error
	// Stop asks the process to exit and waits until it has, or ctx is done.
	Stop(ctx context.Context) error
}
