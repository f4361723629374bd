package live

import (
	"fmt"
	"math"
	"sort"
)

// Rung is one candidate rendition of the ABR ladder.
type Rung struct {
	Name      string `json:"name"`
	Height    int    `json:"height"`
	VideoKbps int    `json:"video_kbps"`
	AudioKbps int    `json:"audio_kbps"`
}

// Bandwidth is the rung's peak bitrate in bits per second.
func (r Rung) Bandwidth() int {
	return (r.VideoKbps + r.AudioKbps) * 1000
}

// DefaultLadder is the candidate table, in ascending resolution.
var DefaultLadder = []Rung{
	{Name: "240p", Height: 240, VideoKbps: 400, AudioKbps: 64},
	{Name: "480p", Height: 480, VideoKbps: 1200, AudioKbps: 128},
	{Name: "720p", Height: 720, VideoKbps: 2800, AudioKbps: 128},
	{Name: "1080p", Height: 1080, VideoKbps: 5000, AudioKbps: 192},
}

const defaultAspect = 16.0 / 9.0

// SelectRungs keeps the rungs whose height does not exceed sourceHeight, in
// ascending order. A source smaller than every rung gets a single rung at its own
// height with the lowest rung's bitrates, so low-resolution inputs are never upscaled.
func SelectRungs(ladder []Rung, sourceHeight int) []Rung {
	out := make([]Rung, 0, len(ladder))
	for _, r := range ladder {
		if r.Height <= sourceHeight {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	if len(out) > 0 || len(ladder) == 0 || sourceHeight <= 0 {
		return out
	}

	lowest := ladder[0]
	for _, r := range ladder[1:] {
		if r.Height < lowest.Height {
			lowest = r
		}
	}
	h := even(float64(sourceHeight))
	return []Rung{{
		Name:      fmt.Sprintf("%dp", h),
		Height:    h,
		VideoKbps: lowest.VideoKbps,
		AudioKbps: lowest.AudioKbps,
	}}
}

// Dimensions returns the encoded size for a rung height in the given aspect
// ratio. Both sides are even.
func Dimensions(height int, aspect float64) (int, int) {
	if aspect <= 0 {
		aspect = defaultAspect
	}
	h := even(float64(height))
	w := even(float64(h) * aspect)
	return w, h
}

func even(v float64) int {
	n := int(math.Round(v/2)) * 2
	if n < 2 {
		return 2
	}
	return n
}
