package live

import (
	"context"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"time"

	"hls-live/internal/bus"
)

const (
	thumbnailDir     = "thumbnails"
	thumbnailTimeout = 30 * time.Second
)

// createThumbnail extracts the first frame of seg. Failures are logged and
// dropped; the bucket is not retried. The caller has already added to l.thumbs.
func (l *Live) createThumbnail(lv *Level, seg Segment, aspect float64) {
	defer l.thumbs.Done()

	var inputs []string
	if seg.Init != "" {
		inputs = append(inputs, filepath.Join(lv.dir, filepath.FromSlash(seg.Init)))
	}
	inputs = append(inputs, filepath.Join(lv.dir, filepath.FromSlash(seg.URI)))

	name := strings.TrimSuffix(path.Base(seg.URI), path.Ext(seg.URI)) + ".webp"
	out := filepath.Join(l.dir, thumbnailDir, name)
	width, height := Dimensions(l.cfg.ThumbnailHeight, aspect)

	ctx, cancel := context.WithTimeout(l.thumbCtx, thumbnailTimeout)
	defer cancel()
	if err := l.deps.Thumbnailer.ExtractFrame(ctx, inputs, out, width, height); err != nil {
		l.log.Debug("thumbnail failed",
			slog.String("segment", seg.URI),
			slog.String("error", err.Error()))
		l.deps.Metrics.IncThumbnail(false)
		return
	}
	l.deps.Metrics.IncThumbnail(true)

	url := l.cfg.publicURL(l.id, thumbnailDir+"/"+name)
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.state.Thumbnail = url
	l.mu.Unlock()

	l.saver.Schedule()
	l.publish(bus.TopicThumbnail, bus.ThumbnailEvent{ID: string(l.id), URL: url})
}
