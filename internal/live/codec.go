package live

import (
	"fmt"

	"hls-live/internal/transcoder"
)

const audioCodec = "mp4a.40.2"

// codecLevel is the level the encoder is expected to signal for a given height.
type codecLevel struct {
	maxHeight int
	major     int
	minor     int
}

var codecLevels = []codecLevel{
	{maxHeight: 240, major: 2, minor: 1},
	{maxHeight: 480, major: 3, minor: 0},
	{maxHeight: 720, major: 3, minor: 1},
	{maxHeight: 1080, major: 4, minor: 0},
}

func levelFor(height int) codecLevel {
	for _, l := range codecLevels {
		if height <= l.maxHeight {
			return l
		}
	}
	return codecLevel{maxHeight: height, major: 5, minor: 1}
}

// VideoCodecString returns the RFC 6381 codec tag for the family at height.
//
//	h264: avc1.PPCCLL with High profile (0x64), no constraint flags, level_idc in hex.
//	hevc: hvc1.<profile>.<compat>.L<level*30>.<constraint> for Main profile.
//	av1:  av01.<profile>.<seq_level_idx><tier>.<bitdepth> for Main profile, 8 bit.
func VideoCodecString(family string, height int) string {
	l := levelFor(height)
	switch family {
	case transcoder.CodecHEVC:
		return fmt.Sprintf("hvc1.1.6.L%d.B0", (l.major*10+l.minor)*3)
	case transcoder.CodecAV1:
		return fmt.Sprintf("av01.0.%02dM.08", (l.major-2)*4+l.minor)
	default:
		return fmt.Sprintf("avc1.6400%02x", l.major*10+l.minor)
	}
}

// CodecsAttribute is the CODECS value of a variant: video then audio.
func CodecsAttribute(family string, height int) string {
	return VideoCodecString(family, height) + "," + audioCodec
}
