// Package live turns the per-rendition manifests written by a running
// transcoder into low-latency HLS playlists and manages the lifecycle of each
// live asset: start, stale detection, stop, archival to VOD, expiry and
// crash recovery.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"hls-live/internal/bus"
	"hls-live/internal/lifecycle"
	"hls-live/internal/platform/metrics"
	"hls-live/internal/transcoder"
)

// Stop reasons owned by this package, in addition to the lifecycle ones.
const (
	ReasonRecovered lifecycle.Reason = "recovered"
	ReasonShutdown  lifecycle.Reason = "shutdown"
	ReasonDestroyed lifecycle.Reason = "destroyed"
)

const (
	transcoderStopTimeout = 10 * time.Second
	publishTimeout        = time.Second
)

// Transcoder starts the external process that writes the rendition manifests.
type Transcoder interface {
	Start(ctx context.Context, job transcoder.Job) (transcoder.Process, error)
}

// Thumbnailer extracts a single frame from a segment.
type Thumbnailer interface {
	ExtractFrame(ctx context.Context, inputs []string, out string, width, height int) error
}

// Deps are the collaborators shared by every asset.
type Deps struct {
	Config      Config
	Ladder      []Rung
	Transcoder  Transcoder
	Thumbnailer Thumbnailer
	Bus         bus.Bus
	Store       Store
	Metrics     *metrics.Metrics
	Log         *slog.Logger
	Now         func() time.Time
	// OnDestroy is called once the asset's files are gone.
	OnDestroy func(LiveID)
}

func (d Deps) withDefaults() Deps {
	d.Config = d.Config.WithDefaults()
	if len(d.Ladder) == 0 {
		d.Ladder = DefaultLadder
	}
	if d.Store == nil {
		d.Store = NewMemoryStore()
	}
	if d.Log == nil {
		d.Log = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return d
}

// Live is one live asset and its rendition ladder.
type Live struct {
	id     LiveID
	dir    string
	cfg    Config
	deps   Deps
	log    *slog.Logger
	runner *lifecycle.Runner
	saver  *saver
	master singleflight.Group

	mu          sync.Mutex
	state       Snapshot
	pending     Settings
	levels      []*Level
	proc        transcoder.Process
	masterCache string
	thumbBucket int64
	destroyed   bool

	thumbCtx    context.Context
	thumbCancel context.CancelFunc
	thumbs      sync.WaitGroup
}

// New returns a stopped asset. Its directory is not created.
func New(id LiveID, title string, deps Deps) *Live {
	deps = deps.withDefaults()
	l := &Live{
		id:          id,
		dir:         deps.Config.dir(id),
		cfg:         deps.Config,
		deps:        deps,
		log:         deps.Log.With(slog.String("live_id", string(id))),
		thumbBucket: -1,
		state: Snapshot{
			ID:       id,
			Title:    title,
			URL:      deps.Config.publicURL(id, "master.m3u8"),
			Segments: make(map[string]int64),
			TS:       deps.Now(),
		},
	}
	l.thumbCtx, l.thumbCancel = context.WithCancel(context.Background())
	l.runner = lifecycle.NewRunner(lifecycle.Hooks{
		OnStart: l.onStart,
		OnStop:  l.archive,
	}, lifecycle.WithMaxRestarts(deps.Config.MaxRestarts), lifecycle.WithLogger(l.log))
	l.saver = newSaver(deps.Config.SaveDelay, l.save, l.log, deps.Metrics.IncSnapshotWriteFailures)
	return l
}

// ID returns the asset id.
func (l *Live) ID() LiveID { return l.id }

// Dir returns the asset directory.
func (l *Live) Dir() string { return l.dir }

// State returns the lifecycle state.
func (l *Live) State() lifecycle.State { return l.runner.State() }

// IsLive reports whether the asset is live, as opposed to archived.
func (l *Live) IsLive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.IsLive
}

// Start merges settings into the asset and launches the transcoder. Starting a
// started asset is a no-op.
func (l *Live) Start(ctx context.Context, settings Settings) error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return ErrNotFound
	}
	l.pending = settings
	l.mu.Unlock()
	return l.runner.Start(ctx)
}

// Stop ends the transcoder and archives the asset.
func (l *Live) Stop(ctx context.Context, reason lifecycle.Reason) error {
	return l.runner.Stop(ctx, reason)
}

func (l *Live) onStart(ctx context.Context) error {
	l.mu.Lock()
	settings := l.state.Settings.Merge(l.pending)
	l.pending = Settings{}
	if err := settings.Validate(); err != nil {
		l.mu.Unlock()
		return err
	}
	rungs := SelectRungs(l.deps.Ladder, settings.Height)
	if len(rungs) == 0 {
		l.mu.Unlock()
		return fmt.Errorf("%w: no rendition fits source height %d", ErrInvalidSettings, settings.Height)
	}
	l.state.Settings = settings
	l.state.Stream = l.cfg.stream()
	aspect := l.aspectLocked()
	current := l.levels
	l.mu.Unlock()

	levels := l.generateLevels(current, rungs, aspect)
	segments := make(map[string]int64, len(levels))
	var next int64
	for _, lv := range levels {
		last := lv.LastSequence()
		segments[lv.Name()] = last
		next = max(next, last+1)
	}

	l.mu.Lock()
	l.levels = levels
	l.state.Renditions = rungs
	l.state.Segments = segments
	l.state.IsLive = true
	l.state.TS = l.deps.Now()
	l.masterCache = ""
	l.mu.Unlock()

	for _, lv := range levels {
		if err := lv.Start(); err != nil {
			l.startFailed(levels)
			return err
		}
	}

	job := transcoder.Job{
		ID:              string(l.id),
		Input:           settings.Input,
		InputFormat:     settings.Format,
		FPS:             settings.FPS,
		Dir:             l.dir,
		SegmentDuration: l.cfg.SegmentDuration,
		ListSize:        l.cfg.ListSize,
		StartNumber:     next,
		Encode:          settings.Encode,
	}
	for _, lv := range levels {
		w, h := lv.Size()
		r := lv.Rung()
		job.Renditions = append(job.Renditions, transcoder.Rendition{
			Name:      r.Name,
			Width:     w,
			Height:    h,
			VideoKbps: r.VideoKbps,
			AudioKbps: r.AudioKbps,
		})
	}
	if l.deps.Transcoder == nil {
		l.startFailed(levels)
		return errors.New("no transcoder configured")
	}
	proc, err := l.deps.Transcoder.Start(ctx, job)
	if err != nil {
		l.startFailed(levels)
		return err
	}

	l.mu.Lock()
	l.proc = proc
	l.mu.Unlock()
	go l.watch(proc)

	l.log.Info("live started",
		slog.Int("renditions", len(levels)),
		slog.Int64("start_number", next),
		slog.String("codec", settings.Encode.CodecFamily()))
	l.deps.Metrics.IncLivesStarted()
	l.publish(bus.TopicStarted, bus.LifecycleEvent{ID: string(l.id)})
	l.saver.Schedule()
	return nil
}

// generateLevels returns one level per rung. Running levels of the same rungs
// are kept; otherwise fresh levels pick up from the archive on disk.
func (l *Live) generateLevels(current []*Level, rungs []Rung, aspect float64) []*Level {
	if len(current) == len(rungs) {
		reuse := true
		for i, lv := range current {
			if lv.Name() != rungs[i].Name || lv.Stopped() {
				reuse = false
				break
			}
		}
		if reuse {
			return current
		}
	}
	levels := make([]*Level, 0, len(rungs))
	for _, r := range rungs {
		levels = append(levels, newLevel(r, aspect, l.levelDir(r.Name), l, levelOptions{
			pollInterval: l.cfg.PollInterval,
			log:          l.log,
			metrics:      l.deps.Metrics,
		}))
	}
	return levels
}

func (l *Live) levelDir(name string) string {
	return filepath.Join(l.dir, name)
}

// watch reports an unplanned transcoder exit to the runner.
func (l *Live) watch(proc transcoder.Process) {
	<-proc.Done()
	l.mu.Lock()
	current := l.proc == proc
	l.mu.Unlock()
	if !current {
		return
	}
	l.runner.Ended(context.Background(), proc.Err())
}

// archive is the stop hook: it ends the transcoder, flushes every level and,
// unless the transcoder is about to be restarted, marks the asset archived.
func (l *Live) archive(ctx context.Context, reason lifecycle.Reason) error {
	l.mu.Lock()
	proc := l.proc
	l.proc = nil
	levels := l.levels
	l.mu.Unlock()

	if proc != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), transcoderStopTimeout)
		if err := proc.Stop(stopCtx); err != nil {
			l.log.Warn("transcoder did not stop cleanly", slog.String("error", err.Error()))
		}
		cancel()
	}
	err := l.stopLevels(levels)
	if reason == lifecycle.ReasonRestart {
		return err
	}

	l.markArchived()
	l.log.Info("live stopped", slog.String("reason", string(reason)))
	l.deps.Metrics.IncLivesStopped(string(reason))
	l.publish(bus.TopicStopped, bus.LifecycleEvent{ID: string(l.id), Reason: string(reason)})
	l.saver.Flush()
	return err
}

func (l *Live) stopLevels(levels []*Level) error {
	var g errgroup.Group
	for _, lv := range levels {
		g.Go(lv.Stop)
	}
	return g.Wait()
}

func (l *Live) startFailed(levels []*Level) {
	_ = l.stopLevels(levels)
	l.markArchived()
	l.saver.Schedule()
}

func (l *Live) markArchived() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.IsLive = false
	l.state.TS = l.deps.Now()
	for _, lv := range l.levels {
		l.state.Segments[lv.Name()] = lv.LastSequence()
	}
}

// Destroy stops the asset, removes its directory and deregisters it.
func (l *Live) Destroy(ctx context.Context) error {
	if err := l.runner.Stop(ctx, ReasonDestroyed); err != nil {
		l.log.Warn("stop before destroy", slog.String("error", err.Error()))
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	levels := l.levels
	l.mu.Unlock()

	_ = l.stopLevels(levels)
	l.thumbCancel()
	l.thumbs.Wait()
	l.saver.Close()

	err := os.RemoveAll(l.dir)
	if err != nil {
		err = fmt.Errorf("remove %s: %w", l.dir, err)
	}
	l.log.Info("live destroyed")
	l.deps.Metrics.IncLivesDestroyed()
	if l.deps.OnDestroy != nil {
		l.deps.OnDestroy(l.id)
	}
	return err
}

// Tick applies the staleness and expiry policy. It is meant to be called about
// once per second.
func (l *Live) Tick(ctx context.Context, now time.Time) {
	l.mu.Lock()
	isLive, last, destroyed := l.state.IsLive, l.state.TS, l.destroyed
	l.mu.Unlock()
	if destroyed {
		return
	}

	if isLive {
		if l.runner.State() != lifecycle.Started || now.Sub(last) <= l.cfg.AutoEnd {
			return
		}
		l.log.Warn("no new segments, ending live", slog.Duration("idle", now.Sub(last)))
		if err := l.Stop(ctx, lifecycle.ReasonStale); err != nil {
			l.log.Warn("stop stale live", slog.String("error", err.Error()))
		}
		return
	}
	if l.cfg.Expiry > 0 && now.Sub(last) > l.cfg.Expiry && l.runner.State() == lifecycle.Stopped {
		l.log.Info("archive expired", slog.Duration("age", now.Sub(last)))
		if err := l.Destroy(ctx); err != nil {
			l.log.Warn("destroy expired live", slog.String("error", err.Error()))
		}
	}
}

// Load restores the asset from its snapshot. An asset that was live when the
// snapshot was written has no transcoder behind it any more, so it is
// archived immediately. A false result means the asset cannot be recovered.
func (l *Live) Load(ctx context.Context) (bool, error) {
	snap, err := l.deps.Store.Load(l.id)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	l.state = snap.clone()
	l.state.ID = l.id
	if l.state.Segments == nil {
		l.state.Segments = make(map[string]int64)
	}
	if l.state.Stream.ListSize <= 0 {
		l.state.Stream = l.cfg.stream()
	}
	rungs := l.state.Renditions
	if len(rungs) == 0 {
		rungs = SelectRungs(l.deps.Ladder, l.state.Settings.Height)
	}
	aspect := l.aspectLocked()
	wasLive := l.state.IsLive
	l.mu.Unlock()

	levels := l.generateLevels(nil, rungs, aspect)
	l.mu.Lock()
	l.levels = levels
	l.state.Renditions = rungs
	l.mu.Unlock()

	if wasLive {
		l.log.Warn("live was interrupted, archiving")
		if err := l.archive(ctx, ReasonRecovered); err != nil {
			return true, err
		}
		return true, nil
	}
	return true, l.stopLevels(levels)
}

func (l *Live) save() error {
	l.mu.Lock()
	snap := l.state.clone()
	l.mu.Unlock()
	return l.deps.Store.Save(&snap)
}

// SetAspectRatio records a display aspect ratio hint. It applies to segments
// published from now on and to levels created by the next start.
func (l *Live) SetAspectRatio(ratio float64) {
	if ratio <= 0 {
		return
	}
	l.mu.Lock()
	l.state.Aspect = ratio
	l.mu.Unlock()
	l.saver.Schedule()
}

// Master returns the master playlist. It is built once per rendition set.
func (l *Live) Master(ctx context.Context) (string, error) {
	l.mu.Lock()
	if len(l.levels) == 0 {
		l.mu.Unlock()
		return "", ErrNotStarted
	}
	if l.masterCache != "" {
		out := l.masterCache
		l.mu.Unlock()
		return out, nil
	}
	l.mu.Unlock()

	v, err, _ := l.master.Do("master", func() (any, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.masterCache != "" {
			return l.masterCache, nil
		}
		family := l.state.Settings.Encode.CodecFamily()
		vs := make([]variant, 0, len(l.levels))
		for _, lv := range l.levels {
			w, h := lv.Size()
			vs = append(vs, variant{
				name:      lv.Name(),
				width:     w,
				height:    h,
				bandwidth: lv.Rung().Bandwidth(),
				codecs:    CodecsAttribute(family, h),
				fps:       l.state.Settings.FPS,
			})
		}
		l.masterCache = buildMasterPlaylist(vs)
		return l.masterCache, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Playlist serves the media playlist of rendition.
func (l *Live) Playlist(ctx context.Context, rendition string, q PlaylistQuery) (string, error) {
	lv, err := l.level(rendition)
	if err != nil {
		return "", err
	}
	return lv.Playlist(ctx, q)
}

func (l *Live) level(name string) (*Level, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.levels) == 0 {
		return nil, ErrNotStarted
	}
	for _, lv := range l.levels {
		if lv.Name() == name {
			return lv, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownRendition, name)
}

// Status returns a point-in-time view of the asset.
func (l *Live) Status() Status {
	state := l.runner.State()
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		ID:         l.id,
		State:      string(state),
		IsLive:     l.state.IsLive,
		Title:      l.state.Title,
		URL:        l.state.URL,
		Duration:   l.state.Duration,
		Size:       l.state.Size,
		Segments:   make(map[string]int64, len(l.state.Segments)),
		TS:         l.state.TS,
		Thumbnail:  l.state.Thumbnail,
		Renditions: make([]RenditionStatus, 0, len(l.levels)),
	}
	for k, v := range l.state.Segments {
		st.Segments[k] = v
	}
	for _, lv := range l.levels {
		w, h := lv.Size()
		last, ok := l.state.Segments[lv.Name()]
		if !ok {
			last = -1
		}
		st.Renditions = append(st.Renditions, RenditionStatus{
			Name:         lv.Name(),
			Width:        w,
			Height:       h,
			Bandwidth:    lv.Rung().Bandwidth(),
			LastSequence: last,
		})
	}
	return st
}

func (l *Live) publish(topic string, msg bus.Message) {
	if l.deps.Bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := l.deps.Bus.Publish(ctx, topic, msg); err != nil {
		l.log.Debug("publish", slog.String("topic", topic), slog.String("error", err.Error()))
	}
}

func (l *Live) streamConfig() StreamConfig {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Stream.ListSize <= 0 {
		return l.cfg.stream()
	}
	return l.state.Stream
}

func (l *Live) aspectRatio() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.aspectLocked()
}

func (l *Live) aspectLocked() float64 {
	if l.state.Aspect > 0 {
		return l.state.Aspect
	}
	if r := l.state.Settings.AspectRatio(); r > 0 {
		return r
	}
	return defaultAspect
}

func (l *Live) archived() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.state.IsLive
}

// levelAdvanced records newly published segments and schedules a thumbnail
// when the top rendition crosses into a new time bucket.
func (l *Live) levelAdvanced(lv *Level, u levelUpdate) {
	if len(u.segments) == 0 {
		return
	}
	newest := u.segments[len(u.segments)-1]
	end := u.offset
	for _, s := range u.segments {
		end += s.Duration
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.state.Segments[lv.Name()] = newest.Sequence
	l.state.Size += u.bytes
	l.state.TS = l.deps.Now()

	top := len(l.levels) > 0 && l.levels[len(l.levels)-1] == lv
	thumb := false
	if top {
		l.state.Duration = end
		if interval := l.cfg.ThumbnailInterval.Seconds(); interval > 0 && l.deps.Thumbnailer != nil {
			bucket := int64((end - newest.Duration) / interval)
			if bucket != l.thumbBucket {
				l.thumbBucket = bucket
				thumb = true
				l.thumbs.Add(1)
			}
		}
	}
	aspect := l.aspectLocked()
	l.mu.Unlock()

	l.saver.Schedule()
	if thumb {
		go l.createThumbnail(lv, newest, aspect)
	}
}
