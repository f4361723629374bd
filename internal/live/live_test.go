package live

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hls-live/internal/bus"
	"hls-live/internal/lifecycle"
	"hls-live/internal/platform/logger"
)

type liveFixture struct {
	live  *Live
	tc    *fakeTranscoder
	thumb *fakeThumbnailer
	store *MemoryStore
	bus   *bus.MemoryBus
	clock *fakeClock
	cfg   Config
}

func newLiveFixture(t *testing.T, mutate func(*Config)) *liveFixture {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	f := &liveFixture{
		tc:    &fakeTranscoder{},
		thumb: &fakeThumbnailer{},
		store: NewMemoryStore(),
		bus:   bus.NewMemoryBus(),
		clock: newFakeClock(),
		cfg:   cfg,
	}
	f.live = New("abc", "test stream", Deps{
		Config:      cfg,
		Transcoder:  f.tc,
		Thumbnailer: f.thumb,
		Bus:         f.bus,
		Store:       f.store,
		Log:         logger.Discard(),
		Now:         f.clock.Now,
	})
	require.NoError(t, os.MkdirAll(f.live.Dir(), 0o755))
	t.Cleanup(func() {
		_ = f.live.Destroy(context.Background())
		_ = f.bus.Close()
	})
	return f
}

func (f *liveFixture) renditionDir(name string) string {
	return filepath.Join(f.live.Dir(), name)
}

func TestLive_Start_builds_ladder_and_job(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.live.Start(ctx, testSettings()))
	require.Equal(t, lifecycle.Started, f.live.State())

	job, _ := f.tc.last()
	require.Equal(t, f.live.Dir(), job.Dir)
	require.Equal(t, int64(0), job.StartNumber)
	require.Len(t, job.Renditions, 3)
	require.Equal(t, "720p", job.Renditions[2].Name)
	require.Equal(t, 1280, job.Renditions[2].Width)

	st := f.live.Status()
	require.True(t, st.IsLive)
	require.Equal(t, "STARTED", st.State)
	require.Equal(t, "/lives/abc/master.m3u8", st.URL)
	require.Equal(t, map[string]int64{"240p": -1, "480p": -1, "720p": -1}, st.Segments)

	master, err := f.live.Master(ctx)
	require.NoError(t, err)
	lines := strings.Split(master, "\n")
	require.Equal(t, "480p/stream.m3u8", lines[4])
	require.Contains(t, master, `CODECS="avc1.64001f,mp4a.40.2"`)
	require.Contains(t, master, "FRAME-RATE=30.000")

	again, err := f.live.Master(ctx)
	require.NoError(t, err)
	require.Equal(t, master, again)

	// Starting again is a no-op.
	require.NoError(t, f.live.Start(ctx, testSettings()))
	require.Len(t, f.tc.jobs, 1)
}

func TestLive_Start_rejects_invalid_settings(t *testing.T) {
	f := newLiveFixture(t, nil)
	err := f.live.Start(context.Background(), Settings{Input: "rtmp://x"})
	require.ErrorIs(t, err, ErrInvalidSettings)
	require.Equal(t, lifecycle.Stopped, f.live.State())
	require.Empty(t, f.tc.jobs)
}

func TestLive_Start_transcoder_failure_returns_to_stopped(t *testing.T) {
	f := newLiveFixture(t, nil)
	f.tc.err = errors.New("no ffmpeg")

	err := f.live.Start(context.Background(), testSettings())
	require.Error(t, err)
	require.Equal(t, lifecycle.Stopped, f.live.State())
	require.False(t, f.live.IsLive())
}

func TestLive_Stop_archives_and_publishes(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()
	sub, err := f.bus.Subscribe(ctx, bus.TopicStopped)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.live.Start(ctx, testSettings()))
	writeManifest(t, f.renditionDir("480p"), 0, 2)
	require.Eventually(t, func() bool {
		return f.live.Status().Segments["480p"] == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, proc := f.tc.last()
	require.NoError(t, f.live.Stop(ctx, lifecycle.ReasonManual))
	require.False(t, f.live.IsLive())
	require.Equal(t, lifecycle.Stopped, f.live.State())

	select {
	case <-proc.Done():
	default:
		t.Fatal("transcoder was not stopped")
	}

	select {
	case msg := <-sub.C():
		require.Equal(t, bus.LifecycleEvent{ID: "abc", Reason: "manual"}, msg)
	case <-time.After(time.Second):
		t.Fatal("no stopped event")
	}

	snap, err := f.store.Load("abc")
	require.NoError(t, err)
	require.False(t, snap.IsLive)
	require.Equal(t, int64(1), snap.Segments["480p"])
	require.Equal(t, int64(20), snap.Size)

	body, err := f.live.Playlist(ctx, "480p", PlaylistQuery{})
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(body, "#EXT-X-ENDLIST\n"))
	require.Contains(t, body, "#EXT-X-PLAYLIST-TYPE:EVENT")
}

func TestLive_transcoder_exit_archives(t *testing.T) {
	f := newLiveFixture(t, nil)
	require.NoError(t, f.live.Start(context.Background(), testSettings()))

	_, proc := f.tc.last()
	proc.exit(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		return f.live.State() == lifecycle.Stopped && !f.live.IsLive()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLive_transcoder_exit_restarts_within_budget(t *testing.T) {
	f := newLiveFixture(t, func(c *Config) { c.MaxRestarts = 1 })
	ctx := context.Background()
	require.NoError(t, f.live.Start(ctx, testSettings()))

	writeManifest(t, f.renditionDir("720p"), 0, 3)
	require.Eventually(t, func() bool {
		return f.live.Status().Segments["720p"] == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, proc := f.tc.last()
	proc.exit(errors.New("exit status 1"))

	require.Eventually(t, func() bool {
		f.tc.mu.Lock()
		defer f.tc.mu.Unlock()
		return len(f.tc.jobs) == 2
	}, 2*time.Second, 5*time.Millisecond)
	job, _ := f.tc.last()
	require.Equal(t, int64(3), job.StartNumber)
	require.True(t, f.live.IsLive())
	require.Equal(t, lifecycle.Started, f.live.State())

	writeManifest(t, f.renditionDir("720p"), 3, 1)
	require.Eventually(t, func() bool {
		return f.live.Status().Segments["720p"] == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestLive_Playlist_errors(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()

	_, err := f.live.Master(ctx)
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = f.live.Playlist(ctx, "480p", PlaylistQuery{})
	require.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, f.live.Start(ctx, testSettings()))
	_, err = f.live.Playlist(ctx, "1080p", PlaylistQuery{})
	require.ErrorIs(t, err, ErrUnknownRendition)
}

func TestLive_Tick_ends_stale_live(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.live.Start(ctx, testSettings()))

	f.live.Tick(ctx, f.clock.Advance(10*time.Second))
	require.True(t, f.live.IsLive())

	f.live.Tick(ctx, f.clock.Advance(25*time.Second))
	require.False(t, f.live.IsLive())
	require.Equal(t, lifecycle.Stopped, f.live.State())
}

func TestLive_Tick_destroys_expired_archive(t *testing.T) {
	f := newLiveFixture(t, func(c *Config) { c.Expiry = time.Minute })
	ctx := context.Background()
	var destroyed []LiveID
	f.live.deps.OnDestroy = func(id LiveID) { destroyed = append(destroyed, id) }

	require.NoError(t, f.live.Start(ctx, testSettings()))
	require.NoError(t, f.live.Stop(ctx, lifecycle.ReasonManual))

	f.live.Tick(ctx, f.clock.Advance(30*time.Second))
	require.DirExists(t, f.live.Dir())

	f.live.Tick(ctx, f.clock.Advance(31*time.Second))
	require.NoDirExists(t, f.live.Dir())
	require.Equal(t, []LiveID{"abc"}, destroyed)
}

func TestLive_Load_archives_interrupted_live(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()

	// A previous process archived two segments and then died while live.
	dir := f.renditionDir("480p")
	writeManifest(t, dir, 0, 2)
	prev := newTestLevel(t, dir, &fakeParent{cfg: StreamConfig{ListSize: 3}})
	prev.poll(true)
	// It also wrote one more segment it never got to ingest.
	writeManifest(t, dir, 0, 3)

	require.NoError(t, f.store.Save(&Snapshot{
		ID:         "abc",
		Settings:   Settings{Input: "rtmp://x", Width: 854, Height: 480},
		Stream:     StreamConfig{ListSize: 3, SegmentDuration: 2 * time.Second},
		Renditions: []Rung{DefaultLadder[0], DefaultLadder[1]},
		IsLive:     true,
		Segments:   map[string]int64{"240p": -1, "480p": 1},
	}))

	ok, err := f.live.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, f.live.IsLive())
	require.Equal(t, lifecycle.Stopped, f.live.State())

	body, err := f.live.Playlist(ctx, "480p", PlaylistQuery{})
	require.NoError(t, err)
	require.Len(t, segmentURIs(body), 3)
	require.True(t, strings.HasSuffix(body, "#EXT-X-ENDLIST\n"))

	snap, err := f.store.Load("abc")
	require.NoError(t, err)
	require.False(t, snap.IsLive)
	require.Equal(t, int64(2), snap.Segments["480p"])
}

func TestLive_Load_missing_snapshot(t *testing.T) {
	f := newLiveFixture(t, nil)
	ok, err := f.live.Load(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, ErrSnapshotMissing)
}

func TestLive_thumbnail_per_time_bucket(t *testing.T) {
	f := newLiveFixture(t, func(c *Config) {
		c.ThumbnailInterval = 4 * time.Second
		c.ThumbnailHeight = 180
	})
	ctx := context.Background()
	sub, err := f.bus.Subscribe(ctx, bus.TopicThumbnail)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, f.live.Start(ctx, testSettings()))

	// Lower renditions never trigger thumbnails.
	writeManifest(t, f.renditionDir("240p"), 0, 3)
	require.Eventually(t, func() bool {
		return f.live.Status().Segments["240p"] == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Zero(t, f.thumb.callCount())

	writeManifest(t, f.renditionDir("720p"), 0, 3)
	select {
	case msg := <-sub.C():
		require.Equal(t, bus.ThumbnailEvent{ID: "abc", URL: "/lives/abc/thumbnails/seg_00002.webp"}, msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no thumbnail event")
	}
	require.Equal(t, "/lives/abc/thumbnails/seg_00002.webp", f.live.Status().Thumbnail)

	f.thumb.mu.Lock()
	call := f.thumb.calls[0]
	f.thumb.mu.Unlock()
	require.Equal(t, []string{filepath.Join(f.renditionDir("720p"), "seg_00002.ts")}, call.inputs)
	require.Equal(t, filepath.Join(f.live.Dir(), "thumbnails", "seg_00002.webp"), call.out)
	require.Equal(t, 320, call.width)
	require.Equal(t, 180, call.height)

	// seg 3 starts at 6s, still bucket 1.
	writeManifest(t, f.renditionDir("720p"), 1, 3)
	require.Eventually(t, func() bool {
		return f.live.Status().Segments["720p"] == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, f.thumb.callCount())

	// seg 4 starts at 8s, bucket 2.
	writeManifest(t, f.renditionDir("720p"), 2, 3)
	require.Eventually(t, func() bool { return f.thumb.callCount() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestLive_thumbnail_failure_is_not_fatal(t *testing.T) {
	f := newLiveFixture(t, func(c *Config) { c.ThumbnailInterval = time.Second })
	f.thumb.err = errors.New("decode failed")
	ctx := context.Background()

	require.NoError(t, f.live.Start(ctx, testSettings()))
	writeManifest(t, f.renditionDir("720p"), 0, 1)
	require.Eventually(t, func() bool { return f.thumb.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	body, err := f.live.Playlist(ctx, "720p", PlaylistQuery{})
	require.NoError(t, err)
	require.Contains(t, body, "seg_00000.ts")
	require.Empty(t, f.live.Status().Thumbnail)
}

func TestLive_Destroy_removes_files(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.live.Start(ctx, testSettings()))
	writeManifest(t, f.renditionDir("480p"), 0, 1)

	require.NoError(t, f.live.Destroy(ctx))
	require.NoDirExists(t, f.live.Dir())
	require.NoError(t, f.live.Destroy(ctx))
	require.ErrorIs(t, f.live.Start(ctx, testSettings()), ErrNotFound)
}

func TestLive_SetAspectRatio_tags_new_segments(t *testing.T) {
	f := newLiveFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.live.Start(ctx, testSettings()))

	f.live.SetAspectRatio(4.0 / 3.0)
	writeManifest(t, f.renditionDir("240p"), 0, 1)
	require.Eventually(t, func() bool {
		return f.live.Status().Segments["240p"] == 0
	}, 2*time.Second, 5*time.Millisecond)

	lv, err := f.live.level("240p")
	require.NoError(t, err)
	lv.mu.Lock()
	aspect := lv.segments[0].Aspect
	lv.mu.Unlock()
	require.InDelta(t, 4.0/3.0, aspect, 1e-9)
}
