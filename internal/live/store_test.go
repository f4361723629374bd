package live

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"hls-live/internal/platform/logger"
)

func TestFileStore_Save_and_Load(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "abc"), 0o755))

	want := &Snapshot{
		ID:         "abc",
		Title:      "evening show",
		URL:        "/lives/abc/master.m3u8",
		Settings:   Settings{Input: "rtmp://x", Width: 1920, Height: 1080, FPS: 30},
		Stream:     StreamConfig{ListSize: 3, DVRWindow: time.Minute, SegmentDuration: 2 * time.Second},
		Renditions: []Rung{DefaultLadder[0]},
		IsLive:     true,
		Duration:   12.5,
		Size:       4096,
		Segments:   map[string]int64{"240p": 6},
		TS:         time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Thumbnail:  "/lives/abc/thumbnails/seg_00005.webp",
		Aspect:     1.5,
	}
	require.NoError(t, store.Save(want))

	got, err := store.Load("abc")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}

	entries, err := os.ReadDir(filepath.Join(root, "abc"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp files may be left behind")
}

func TestFileStore_Load_errors(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root)

	_, err := store.Load("missing")
	require.ErrorIs(t, err, ErrSnapshotMissing)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "bad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bad", SnapshotName), []byte("{not json"), 0o644))
	_, err = store.Load("bad")
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrSnapshotMissing))
}

func TestFileStore_Save_requires_dir(t *testing.T) {
	store := NewFileStore(t.TempDir())
	require.Error(t, store.Save(&Snapshot{ID: "gone"}))
}

func TestFileStore_List(t *testing.T) {
	root := t.TempDir()
	store := NewFileStore(root)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), nil, 0o644))

	ids, err := store.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []LiveID{"a", "b"}, ids)

	ids, err = NewFileStore(filepath.Join(root, "nope")).List()
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestMemoryStore_returns_copies(t *testing.T) {
	store := NewMemoryStore()
	snap := &Snapshot{ID: "a", Segments: map[string]int64{"240p": 1}}
	require.NoError(t, store.Save(snap))
	snap.Segments["240p"] = 99

	got, err := store.Load("a")
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Segments["240p"])

	ids, err := store.List()
	require.NoError(t, err)
	require.Equal(t, []LiveID{"a"}, ids)
}

func TestSaver_coalesces_writes(t *testing.T) {
	var writes atomic.Int32
	s := newSaver(20*time.Millisecond, func() error {
		writes.Add(1)
		return nil
	}, logger.Discard(), nil)

	for range 10 {
		s.Schedule()
	}
	require.Eventually(t, func() bool { return writes.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int32(1), writes.Load())

	s.Schedule()
	s.Flush()
	require.Equal(t, int32(2), writes.Load())
	time.Sleep(40 * time.Millisecond)
	require.Equal(t, int32(2), writes.Load(), "flush must cancel the pending write")
}

func TestSaver_Close_drops_pending_writes(t *testing.T) {
	var writes, failures atomic.Int32
	s := newSaver(10*time.Millisecond, func() error {
		writes.Add(1)
		return errors.New("disk full")
	}, logger.Discard(), func() { failures.Add(1) })

	s.Flush()
	require.Equal(t, int32(1), failures.Load())

	s.Schedule()
	s.Close()
	time.Sleep(30 * time.Millisecond)
	s.Flush()
	require.Equal(t, int32(1), writes.Load())
}
