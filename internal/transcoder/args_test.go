package transcoder

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testJob() Job {
	return Job{
		ID:              "abc",
		Input:           "rtmp://localhost/live/abc",
		InputFormat:     "flv",
		FPS:             30,
		Dir:             "/data/live/abc",
		SegmentDuration: 2 * time.Second,
		ListSize:        3,
		Renditions: []Rendition{
			{Name: "240p", Width: 426, Height: 240, VideoKbps: 400, AudioKbps: 64},
			{Name: "480p", Width: 854, Height: 480, VideoKbps: 1200, AudioKbps: 128},
		},
	}
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func TestBuildArgs_ladder(t *testing.T) {
	args, err := BuildArgs(testJob())
	require.NoError(t, err)

	require.Equal(t, "flv", argValue(args, "-f"))
	require.Equal(t, "[0:v]split=2[v0][v1];[v0]scale=426:240[v0out];[v1]scale=854:480[v1out]", argValue(args, "-filter_complex"))
	require.Equal(t, "v:0,a:0,name:240p v:1,a:1,name:480p", argValue(args, "-var_stream_map"))
	require.Equal(t, "60", argValue(args, "-g"))
	require.Equal(t, "2", argValue(args, "-hls_time"))
	require.Equal(t, "6", argValue(args, "-hls_list_size"))
	require.Equal(t, "libx264", argValue(args, "-c:v:0"))
	require.Equal(t, "1200k", argValue(args, "-b:v:1"))
	require.Equal(t, "/data/live/abc/%v/seg_%05d.ts", argValue(args, "-hls_segment_filename"))
	require.Equal(t, "/data/live/abc/%v/stream.m3u8", args[len(args)-1])
	require.NotContains(t, args, "-hls_segment_type")
	require.NotContains(t, args, "-start_number")
}

func TestBuildArgs_start_number_continues_numbering(t *testing.T) {
	job := testJob()
	job.StartNumber = 42
	args, err := BuildArgs(job)
	require.NoError(t, err)
	require.Equal(t, "42", argValue(args, "-start_number"))
}

func TestBuildArgs_fmp4_for_hevc_with_hwaccel(t *testing.T) {
	job := testJob()
	job.Encode = EncodeOptions{Codec: CodecHEVC, HWAccel: "nvenc"}
	args, err := BuildArgs(job)
	require.NoError(t, err)

	require.Equal(t, "cuda", argValue(args, "-hwaccel"))
	require.Equal(t, "hevc_nvenc", argValue(args, "-c:v:0"))
	require.Equal(t, "fmp4", argValue(args, "-hls_segment_type"))
	require.Equal(t, InitName, argValue(args, "-hls_fmp4_init_filename"))
	require.True(t, strings.HasSuffix(argValue(args, "-hls_segment_filename"), ".m4s"))
}

func TestBuildArgs_validation(t *testing.T) {
	job := testJob()
	job.Renditions = nil
	_, err := BuildArgs(job)
	require.ErrorIs(t, err, ErrNoRenditions)

	job = testJob()
	job.Input = " "
	_, err = BuildArgs(job)
	require.Error(t, err)
}

func TestEncodeOptions_defaults(t *testing.T) {
	require.Equal(t, CodecH264, EncodeOptions{}.CodecFamily())
	require.Equal(t, FormatMPEGTS, EncodeOptions{}.SegmentFormat())
	require.Equal(t, FormatFMP4, EncodeOptions{Codec: CodecAV1}.SegmentFormat())
	require.Equal(t, "libsvtav1", encoderName(EncodeOptions{Codec: CodecAV1}))
}

func TestJob_ManifestPath(t *testing.T) {
	require.Equal(t, "/data/live/abc/480p/stream.m3u8", testJob().ManifestPath("480p"))
}
