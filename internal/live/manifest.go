package live

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"
)

const (
	tagHeader        = "#EXTM3U"
	tagInf           = "#EXTINF:"
	tagMap           = "#EXT-X-MAP:"
	tagMediaSequence = "#EXT-X-MEDIA-SEQUENCE:"
	tagPlaylistType  = "#EXT-X-PLAYLIST-TYPE:"
	tagEndList       = "#EXT-X-ENDLIST"
)

// playlistTags apply to the whole media playlist rather than to the next segment.
var playlistTags = []string{
	tagHeader,
	"#EXT-X-VERSION:",
	"#EXT-X-TARGETDURATION:",
	tagMediaSequence,
	"#EXT-X-DISCONTINUITY-SEQUENCE:",
	tagPlaylistType,
	"#EXT-X-INDEPENDENT-SEGMENTS",
	"#EXT-X-ALLOW-CACHE:",
	"#EXT-X-SERVER-CONTROL:",
	"#EXT-X-PART-INF:",
	"#EXT-X-START:",
	tagEndList,
}

func isPlaylistTag(line string) bool {
	for _, t := range playlistTags {
		if strings.HasPrefix(line, t) {
			return true
		}
	}
	return false
}

// manifest is a parsed transcoder media playlist.
type manifest struct {
	// header holds the playlist-level lines seen before the first segment.
	header  []string
	entries []Segment
	ended   bool
	// partial is set when the file did not end with a newline, i.e. it was
	// read mid-write. The unterminated line is dropped.
	partial bool
}

// parseManifest reads every segment of a media playlist. Sequence numbers are
// left zero; the caller assigns them in discovery order.
func parseManifest(data []byte) manifest {
	var m manifest
	if n := len(data); n > 0 && data[n-1] != '\n' {
		m.partial = true
		if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
			data = data[:i+1]
		} else {
			data = nil
		}
	}

	var (
		pending  []string
		duration float64
		initURI  string
		seen     bool
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		switch {
		case line == tagEndList:
			m.ended = true
		case strings.HasPrefix(line, tagMap):
			initURI = attrValue(line[len(tagMap):], "URI")
			if seen || len(pending) > 0 {
				pending = append(pending, line)
			} else {
				m.header = append(m.header, line)
			}
		case isPlaylistTag(line):
			if !seen {
				m.header = append(m.header, line)
			}
		case strings.HasPrefix(line, tagInf):
			duration = parseInf(line)
			pending = append(pending, line)
		case strings.HasPrefix(line, "#"):
			pending = append(pending, line)
		default:
			seen = true
			m.entries = append(m.entries, Segment{
				URI:      line,
				Duration: duration,
				Tags:     pending,
				Init:     initURI,
			})
			pending = nil
			duration = 0
		}
	}
	return m
}

func parseInf(line string) float64 {
	v := strings.TrimPrefix(line, tagInf)
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// attrValue extracts a (possibly quoted) attribute from an HLS attribute list.
func attrValue(list, name string) string {
	for len(list) > 0 {
		eq := strings.IndexByte(list, '=')
		if eq < 0 {
			return ""
		}
		key := strings.TrimSpace(list[:eq])
		rest := list[eq+1:]
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return ""
			}
			val = rest[1 : end+1]
			rest = rest[end+2:]
		} else if comma := strings.IndexByte(rest, ','); comma >= 0 {
			val = rest[:comma]
			rest = rest[comma:]
		} else {
			val = rest
			rest = ""
		}
		if key == name {
			return val
		}
		list = strings.TrimPrefix(rest, ",")
	}
	return ""
}

// vodHeader turns a live manifest header into the header of the append-only
// archive playlist: media sequence pinned to 0 and the type set to EVENT.
func vodHeader(header []string) []string {
	out := make([]string, 0, len(header)+2)
	out = append(out, tagHeader)
	for _, line := range header {
		switch {
		case line == tagHeader,
			strings.HasPrefix(line, tagMediaSequence),
			strings.HasPrefix(line, tagPlaylistType),
			strings.HasPrefix(line, "#EXT-X-SERVER-CONTROL:"),
			strings.HasPrefix(line, "#EXT-X-PART-INF:"),
			line == tagEndList:
			continue
		}
		out = append(out, line)
	}
	out = append(out, tagPlaylistType+"EVENT", tagMediaSequence+"0")
	return out
}

// segmentLines returns the tag lines followed by the URI.
func segmentLines(s Segment) []string {
	out := make([]string, 0, len(s.Tags)+1)
	out = append(out, s.Tags...)
	return append(out, s.URI)
}

func hasMapTag(tags []string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, tagMap) {
			return true
		}
	}
	return false
}
