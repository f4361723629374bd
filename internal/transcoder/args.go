package transcoder

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"
)

const minLiveListSize = 6

// BuildArgs returns the ffmpeg arguments for job: one scaled video output per
// rendition, all muxed as HLS with a per-rendition directory named after the rung.
func BuildArgs(job Job) ([]string, error) {
	if strings.TrimSpace(job.Input) == "" {
		return nil, fmt.Errorf("input source is required")
	}
	if strings.TrimSpace(job.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if len(job.Renditions) == 0 {
		return nil, ErrNoRenditions
	}

	segSeconds := job.SegmentDuration.Seconds()
	if segSeconds <= 0 {
		segSeconds = 2
	}
	fps := job.FPS
	if fps <= 0 {
		fps = 30
	}
	gop := int(math.Round(fps * segSeconds))
	listSize := job.ListSize * 2
	if listSize < minLiveListSize {
		listSize = minLiveListSize
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if hw := hwaccelFlag(job.Encode.HWAccel); hw != "" {
		args = append(args, "-hwaccel", hw)
	}
	if job.InputFormat != "" {
		args = append(args, "-f", job.InputFormat)
	}
	args = append(args, "-i", job.Input)

	n := len(job.Renditions)
	var graph strings.Builder
	fmt.Fprintf(&graph, "[0:v]split=%d", n)
	for i := range job.Renditions {
		fmt.Fprintf(&graph, "[v%d]", i)
	}
	for i, r := range job.Renditions {
		fmt.Fprintf(&graph, ";[v%d]scale=%d:%d[v%dout]", i, r.Width, r.Height, i)
	}
	args = append(args, "-filter_complex", graph.String())

	encoder := encoderName(job.Encode)
	streamMap := make([]string, 0, n)
	for i, r := range job.Renditions {
		idx := strconv.Itoa(i)
		args = append(args,
			"-map", "[v"+idx+"out]",
			"-map", "0:a:0?",
			"-c:v:"+idx, encoder,
			"-b:v:"+idx, fmt.Sprintf("%dk", r.VideoKbps),
			"-maxrate:v:"+idx, fmt.Sprintf("%dk", r.VideoKbps*11/10),
			"-bufsize:v:"+idx, fmt.Sprintf("%dk", r.VideoKbps*2),
			"-c:a:"+idx, "aac",
			"-b:a:"+idx, fmt.Sprintf("%dk", r.AudioKbps),
		)
		streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name))
	}
	if job.Encode.Preset != "" {
		args = append(args, "-preset", job.Encode.Preset)
	}

	ext := "ts"
	args = append(args,
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-f", "hls",
		"-hls_time", strconv.FormatFloat(segSeconds, 'f', -1, 64),
		"-hls_list_size", strconv.Itoa(listSize),
		"-hls_flags", "independent_segments+program_date_time",
	)
	if job.StartNumber > 0 {
		args = append(args, "-start_number", strconv.FormatInt(job.StartNumber, 10))
	}
	if job.Encode.SegmentFormat() == FormatFMP4 {
		ext = "m4s"
		args = append(args, "-hls_segment_type", "fmp4", "-hls_fmp4_init_filename", InitName)
	}
	args = append(args,
		"-hls_segment_filename", filepath.ToSlash(filepath.Join(job.Dir, "%v", "seg_%05d."+ext)),
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.ToSlash(filepath.Join(job.Dir, "%v", ManifestName)),
	)
	return args, nil
}

func hwaccelFlag(hw string) string {
	switch hw {
	case "":
		return ""
	case "nvenc":
		return "cuda"
	default:
		return hw
	}
}

func encoderName(o EncodeOptions) string {
	family := o.CodecFamily()
	if o.HWAccel != "" {
		return family + "_" + o.HWAccel
	}
	switch family {
	case CodecHEVC:
		return "libx265"
	case CodecAV1:
		return "libsvtav1"
	default:
		return "libx264"
	}
}
