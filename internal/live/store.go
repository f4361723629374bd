package live

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

// SnapshotName is the crash-recovery file inside each asset directory.
const SnapshotName = "data.json"

// ErrSnapshotMissing is returned by Store.Load when no snapshot was saved for an id.
var ErrSnapshotMissing = errors.New("snapshot missing")

// Snapshot is the persisted state of a live asset.
type Snapshot struct {
	ID         LiveID           `json:"id"`
	Title      string           `json:"title,omitempty"`
	URL        string           `json:"url"`
	Settings   Settings         `json:"settings"`
	Stream     StreamConfig     `json:"stream"`
	Renditions []Rung           `json:"renditions"`
	IsLive     bool             `json:"is_live"`
	Duration   float64          `json:"duration"`
	Size       int64            `json:"size"`
	Segments   map[string]int64 `json:"segments"`
	TS         time.Time        `json:"ts"`
	Thumbnail  string           `json:"thumbnail,omitempty"`
	Aspect     float64          `json:"aspect,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	s.Segments = maps.Clone(s.Segments)
	s.Renditions = append([]Rung(nil), s.Renditions...)
	return s
}

// Store is the persistence abstraction for asset snapshots.
type Store interface {
	Load(id LiveID) (*Snapshot, error)
	Save(s *Snapshot) error
	// List returns every id that may have a snapshot, including ones whose
	// snapshot turns out to be missing or corrupt.
	List() ([]LiveID, error)
}

// FileStore keeps each snapshot in Root/<id>/data.json. Writes are atomic.
type FileStore struct {
	Root string
}

// NewFileStore returns a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{Root: root}
}

func (s *FileStore) path(id LiveID) string {
	return filepath.Join(s.Root, string(id), SnapshotName)
}

// Load implements Store.Load.
func (s *FileStore) Load(id LiveID) (*Snapshot, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotMissing, id)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	snap.ID = id
	return &snap, nil
}

// Save implements Store.Save. The asset directory must already exist.
func (s *FileStore) Save(snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	pending, err := renameio.NewPendingFile(s.path(snap.ID), renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending snapshot: %w", err)
	}
	defer pending.Cleanup()

	if _, err := pending.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// List implements Store.List by listing the subdirectories of Root.
func (s *FileStore) List() ([]LiveID, error) {
	entries, err := os.ReadDir(s.Root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make([]LiveID, 0, len(entries))
	for _, e := range entries {
		if id := LiveID(e.Name()); e.IsDir() && id.Valid() {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[LiveID]Snapshot
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[LiveID]Snapshot)}
}

// Load implements Store.Load.
func (s *MemoryStore) Load(id LiveID) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotMissing, id)
	}
	out := snap.clone()
	return &out, nil
}

// Save implements Store.Save.
func (s *MemoryStore) Save(snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap.clone()
	return nil
}

// List implements Store.List.
func (s *MemoryStore) List() ([]LiveID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]LiveID, 0, len(s.snaps))
	for id := range s.snaps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// saver coalesces snapshot writes: any number of Schedule calls within delay
// produce one write.
type saver struct {
	delay time.Duration
	save  func() error
	log   *slog.Logger
	fail  func()

	mu     sync.Mutex
	timer  *time.Timer
	closed bool

	// writing serializes writes so Close can wait for the one in flight.
	writing sync.Mutex
}

func newSaver(delay time.Duration, save func() error, log *slog.Logger, fail func()) *saver {
	return &saver{delay: delay, save: save, log: log, fail: fail}
}

// Schedule arranges a write after the debounce delay.
func (s *saver) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

func (s *saver) fire() {
	s.mu.Lock()
	s.timer = nil
	s.mu.Unlock()
	s.write()
}

// Flush cancels any pending write and writes now.
func (s *saver) Flush() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
	s.write()
}

// Close drops pending writes and waits for one in progress. Later calls are no-ops.
func (s *saver) Close() {
	s.mu.Lock()
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	s.writing.Lock()
	defer s.writing.Unlock()
}

func (s *saver) write() {
	s.writing.Lock()
	defer s.writing.Unlock()

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	if err := s.save(); err != nil {
		s.log.Warn("save snapshot failed", slog.String("error", err.Error()))
		if s.fail != nil {
			s.fail()
		}
	}
}
