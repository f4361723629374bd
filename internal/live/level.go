package live

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"hls-live/internal/platform/metrics"
	"hls-live/internal/transcoder"
)

// VODName is the append-only archive playlist kept next to each live manifest.
const VODName = "vod.m3u8"

// levelParent is what a Level needs from the asset that owns it.
// Implementations must not call back into the Level while holding their own locks.
type levelParent interface {
	streamConfig() StreamConfig
	aspectRatio() float64
	archived() bool
	levelAdvanced(l *Level, u levelUpdate)
}

// levelUpdate describes one batch of newly published segments.
type levelUpdate struct {
	segments []Segment
	// offset is the media time at which segments[0] starts.
	offset float64
	bytes  int64
}

// Level follows the live manifest of one rendition and serves its playlists.
type Level struct {
	rung   Rung
	width  int
	height int
	dir    string
	parent levelParent

	pollInterval time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
	warn         rate.Sometimes

	// updating is held for the whole of a manifest read so polls never overlap.
	updating sync.Mutex
	lastMod  time.Time
	lastSize int64

	mu            sync.Mutex
	segments      []Segment
	known         map[string]struct{}
	waiters       map[int64]chan struct{}
	stopped       bool
	headerWritten bool
	duration      float64

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

type levelOptions struct {
	pollInterval time.Duration
	log          *slog.Logger
	metrics      *metrics.Metrics
}

func newLevel(r Rung, aspect float64, dir string, parent levelParent, opts levelOptions) *Level {
	w, h := Dimensions(r.Height, aspect)
	if opts.log == nil {
		opts.log = slog.Default()
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = DefaultConfig().PollInterval
	}
	l := &Level{
		rung:         r,
		width:        w,
		height:       h,
		dir:          dir,
		parent:       parent,
		pollInterval: opts.pollInterval,
		log:          opts.log.With(slog.String("rendition", r.Name)),
		metrics:      opts.metrics,
		warn:         rate.Sometimes{Interval: 10 * time.Second},
		known:        make(map[string]struct{}),
		waiters:      make(map[int64]chan struct{}),
	}
	l.restore()
	return l
}

// restore seeds the segment list from an existing archive so numbering
// continues where a previous run stopped.
func (l *Level) restore() {
	data, err := os.ReadFile(filepath.Join(l.dir, VODName))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			l.log.Warn("read vod playlist", slog.String("error", err.Error()))
		}
		return
	}
	m := parseManifest(data)
	for _, s := range m.entries {
		if _, ok := l.known[s.URI]; ok {
			continue
		}
		s.Sequence = int64(len(l.segments))
		l.known[s.URI] = struct{}{}
		l.segments = append(l.segments, s)
		l.duration += s.Duration
	}
	l.headerWritten = len(data) > 0
}

// Name is the rendition name, also its directory name.
func (l *Level) Name() string { return l.rung.Name }

// Rung returns the ladder entry the level encodes.
func (l *Level) Rung() Rung { return l.rung }

// Size returns the encoded width and height.
func (l *Level) Size() (int, int) { return l.width, l.height }

// LastSequence is the newest published sequence number, or -1.
func (l *Level) LastSequence() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int64(len(l.segments)) - 1
}

// TotalDuration is the summed duration of every published segment, in seconds.
func (l *Level) TotalDuration() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duration
}

// Stopped reports whether Stop has completed.
func (l *Level) Stopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopped
}

// Start begins polling the live manifest. Writes to the rendition directory
// trigger an early poll.
func (l *Level) Start() error {
	if l.cancel != nil {
		return nil
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create rendition dir: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx)
	return nil
}

func (l *Level) run(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if w, err := fsnotify.NewWatcher(); err != nil {
		l.log.Debug("manifest watcher unavailable", slog.String("error", err.Error()))
	} else {
		defer w.Close()
		if err := w.Add(l.dir); err != nil {
			l.log.Debug("watch rendition dir", slog.String("error", err.Error()))
		} else {
			events, errs = w.Events, w.Errors
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.poll(false)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(ev.Name) == transcoder.ManifestName && ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				l.poll(false)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			l.log.Debug("manifest watcher", slog.String("error", err.Error()))
		}
	}
}

// poll reads the live manifest when its mtime changed. A poll already in flight
// makes this one a no-op unless force is set.
func (l *Level) poll(force bool) {
	if force {
		l.updating.Lock()
	} else if !l.updating.TryLock() {
		return
	}
	defer l.updating.Unlock()

	if err := l.update(force); err != nil {
		l.warn.Do(func() {
			l.log.Warn("manifest poll failed", slog.String("error", err.Error()))
		})
	}
}

func (l *Level) update(force bool) error {
	path := filepath.Join(l.dir, transcoder.ManifestName)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if !force && fi.ModTime().Equal(l.lastMod) && fi.Size() == l.lastSize {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	m := parseManifest(data)
	if !m.partial {
		l.lastMod, l.lastSize = fi.ModTime(), fi.Size()
	}
	return l.ingest(m)
}

// ingest appends the segments of m whose URI is not yet known. The archive is
// written before the segments become visible to readers.
func (l *Level) ingest(m manifest) error {
	aspect := l.parent.aspectRatio()

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil
	}
	next := int64(len(l.segments))
	offset := l.duration
	var fresh []Segment
	seen := make(map[string]struct{})
	for _, s := range m.entries {
		if _, ok := l.known[s.URI]; ok {
			continue
		}
		if _, ok := seen[s.URI]; ok {
			continue
		}
		seen[s.URI] = struct{}{}
		s.Sequence = next
		s.Aspect = aspect
		next++
		fresh = append(fresh, s)
	}
	writeHeader := !l.headerWritten
	l.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	if err := l.appendVOD(m.header, fresh, writeHeader); err != nil {
		return fmt.Errorf("append vod playlist: %w", err)
	}

	var bytes int64
	for _, s := range fresh {
		if fi, err := os.Stat(filepath.Join(l.dir, filepath.FromSlash(s.URI))); err == nil {
			bytes += fi.Size()
		}
	}

	l.mu.Lock()
	l.headerWritten = true
	for _, s := range fresh {
		l.known[s.URI] = struct{}{}
		l.segments = append(l.segments, s)
		l.duration += s.Duration
	}
	last := int64(len(l.segments)) - 1
	for msn, ch := range l.waiters {
		if msn <= last {
			close(ch)
			delete(l.waiters, msn)
		}
	}
	l.mu.Unlock()

	l.metrics.AddSegmentsIngested(l.rung.Name, len(fresh))
	l.log.Debug("segments published",
		slog.Int64("first", fresh[0].Sequence),
		slog.Int64("last", last))
	l.parent.levelAdvanced(l, levelUpdate{segments: fresh, offset: offset, bytes: bytes})
	return nil
}

func (l *Level) appendVOD(header []string, segs []Segment, writeHeader bool) error {
	f, err := os.OpenFile(filepath.Join(l.dir, VODName), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	var b strings.Builder
	if writeHeader {
		for _, line := range vodHeader(header) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	for _, s := range segs {
		for _, line := range segmentLines(s) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// WaitForSegment returns a channel closed once segment msn is published or the
// level stops. All waiters for the same msn share one channel.
func (l *Level) WaitForSegment(msn int64) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || msn < int64(len(l.segments)) {
		return closedChan
	}
	ch, ok := l.waiters[msn]
	if !ok {
		ch = make(chan struct{})
		l.waiters[msn] = ch
	}
	return ch
}

// Stop ends polling, ingests whatever the transcoder wrote last and releases
// every pending blocking read. It is safe to call more than once.
func (l *Level) Stop() error {
	l.stopOnce.Do(func() {
		if l.cancel != nil {
			l.cancel()
			<-l.done
		}
		l.poll(true)

		l.mu.Lock()
		l.stopped = true
		for msn, ch := range l.waiters {
			close(ch)
			delete(l.waiters, msn)
		}
		l.mu.Unlock()
	})
	return nil
}

// Playlist renders the media playlist for q. Archived assets and vod requests
// get the archive file; everything else gets the live window, optionally after
// blocking until q.MSN is published.
func (l *Level) Playlist(ctx context.Context, q PlaylistQuery) (string, error) {
	if archived := l.parent.archived(); q.VOD || archived {
		return l.vodPlaylist(archived)
	}
	if q.HasMSN {
		select {
		case <-l.WaitForSegment(q.MSN):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	cfg := l.parent.streamConfig()
	l.mu.Lock()
	w := computeWindow(len(l.segments), cfg, q.Full, q.Skip)
	segs := make([]Segment, 0, w.end-w.start+1)
	if w.end >= w.start {
		segs = append(segs, l.segments[w.start:w.end+1]...)
	}
	ended := l.stopped
	l.mu.Unlock()

	return buildMediaPlaylist(segs, w, cfg, ended), nil
}

func (l *Level) vodPlaylist(archived bool) (string, error) {
	data, err := os.ReadFile(filepath.Join(l.dir, VODName))
	if err != nil {
		return "", fmt.Errorf("vod playlist %s: %w", l.rung.Name, err)
	}
	out := string(data)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	if archived && !strings.Contains(out, tagEndList) {
		out += tagEndList + "\n"
	}
	return out, nil
}
