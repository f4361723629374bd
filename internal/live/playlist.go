package live

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"

	// masterReferenceBandwidth is the bitrate the first listed variant is chosen around.
	masterReferenceBandwidth = 2_000_000
)

// PlaylistQuery holds the media playlist request parameters.
type PlaylistQuery struct {
	// MSN is the requested media sequence number; HasMSN is false when absent.
	MSN    int64
	HasMSN bool
	Skip   bool
	Full   bool
	VOD    bool
}

// ParsePlaylistQuery reads _HLS_msn, _HLS_skip, vod and full.
func ParsePlaylistQuery(q url.Values) (PlaylistQuery, error) {
	var pq PlaylistQuery
	if raw := q.Get("_HLS_msn"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return pq, fmt.Errorf("%w: _HLS_msn=%q", ErrBadQuery, raw)
		}
		pq.MSN, pq.HasMSN = n, true
	}
	switch strings.ToUpper(q.Get("_HLS_skip")) {
	case "", "NO":
	case "YES", "V2":
		pq.Skip = true
	default:
		return pq, fmt.Errorf("%w: _HLS_skip=%q", ErrBadQuery, q.Get("_HLS_skip"))
	}
	pq.VOD = flagSet(q, "vod")
	pq.Full = flagSet(q, "full")
	return pq, nil
}

func flagSet(q url.Values, name string) bool {
	if !q.Has(name) {
		return false
	}
	switch strings.ToLower(q.Get(name)) {
	case "0", "false", "no":
		return false
	}
	return true
}

// window is the slice of a rendition's timeline a playlist exposes.
// start and end are inclusive sequence numbers; skipped counts the oldest
// segments of the window replaced by an EXT-X-SKIP directive.
type window struct {
	start   int
	end     int
	skipped int
}

func computeWindow(total int, cfg StreamConfig, full, skip bool) window {
	maxSegments := cfg.MaxSegments()
	if full {
		maxSegments = total
	}
	w := window{start: total - maxSegments, end: total - 1}
	if w.start < 0 {
		w.start = 0
	}
	if skip {
		w.skipped = clamp(w.end+1-cfg.ListSize, 0, maxSegments-cfg.ListSize)
		if n := w.end - w.start + 1; w.skipped > n {
			w.skipped = n
		}
		if w.skipped < 0 {
			w.skipped = 0
		}
	}
	return w
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	return min(max(v, lo), hi)
}

// targetDuration is the ceiling of the longest segment, never below the configured duration.
func targetDuration(segs []Segment, cfg StreamConfig) int {
	longest := cfg.SegmentDuration.Seconds()
	for _, s := range segs {
		if s.Duration > longest {
			longest = s.Duration
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}

// buildMediaPlaylist renders the live view of segs, which must be the segments
// [w.start, w.end] in order.
func buildMediaPlaylist(segs []Segment, w window, cfg StreamConfig, ended bool) string {
	var b strings.Builder
	td := targetDuration(segs, cfg)

	version := 6
	if w.skipped > 0 {
		version = 9
	}
	b.WriteString(tagHeader + "\n")
	fmt.Fprintf(&b, "#EXT-X-VERSION:%d\n", version)
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", td)
	fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,CAN-SKIP-UNTIL=%d\n", 6*td)
	fmt.Fprintf(&b, "%s%d\n", tagMediaSequence, w.start)

	if w.skipped > 0 {
		fmt.Fprintf(&b, "#EXT-X-SKIP:SKIPPED-SEGMENTS=%d\n", w.skipped)
	}
	rest := segs[min(w.skipped, len(segs)):]
	if len(rest) > 0 && rest[0].Init != "" && !hasMapTag(rest[0].Tags) {
		fmt.Fprintf(&b, "%sURI=%q\n", tagMap, rest[0].Init)
	}
	for _, s := range rest {
		for _, line := range segmentLines(s) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if ended {
		b.WriteString(tagEndList + "\n")
	}
	return b.String()
}

// variant is one entry of the master playlist.
type variant struct {
	name      string
	width     int
	height    int
	bandwidth int
	codecs    string
	fps       float64
}

// orderVariants sorts by bandwidth and moves the variant closest to the
// reference bandwidth to the front.
func orderVariants(vs []variant) []variant {
	out := append([]variant(nil), vs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].bandwidth < out[j].bandwidth })
	best := -1
	for i, v := range out {
		if best < 0 || distance(v.bandwidth) < distance(out[best].bandwidth) {
			best = i
		}
	}
	if best > 0 {
		v := out[best]
		copy(out[1:best+1], out[:best])
		out[0] = v
	}
	return out
}

func distance(bw int) int {
	d := bw - masterReferenceBandwidth
	if d < 0 {
		return -d
	}
	return d
}

func buildMasterPlaylist(vs []variant) string {
	var b strings.Builder
	b.WriteString(tagHeader + "\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	b.WriteString("#EXT-X-INDEPENDENT-SEGMENTS\n")
	for _, v := range orderVariants(vs) {
		fmt.Fprintf(&b, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d", v.bandwidth, v.width, v.height)
		if v.fps > 0 {
			fmt.Fprintf(&b, ",FRAME-RATE=%.3f", v.fps)
		}
		fmt.Fprintf(&b, ",CODECS=%q\n", v.codecs)
		b.WriteString(v.name + "/stream.m3u8\n")
	}
	return b.String()
}
