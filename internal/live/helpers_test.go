package live

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-live/internal/platform/logger"
	"hls-live/internal/transcoder"
)

// manifestBody renders a transcoder live manifest listing count segments from first.
func manifestBody(first, count int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n")
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", first)
	for i := first; i < first+count; i++ {
		fmt.Fprintf(&b, "#EXTINF:2.000000,\nseg_%05d.ts\n", i)
	}
	return b.String()
}

// writeManifest writes the live manifest and its segment files into dir.
func writeManifest(t *testing.T, dir string, first, count int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := first; i < first+count; i++ {
		name := filepath.Join(dir, fmt.Sprintf("seg_%05d.ts", i))
		if err := os.WriteFile(name, []byte("0123456789"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, transcoder.ManifestName), []byte(manifestBody(first, count)), 0o644); err != nil {
		t.Fatal(err)
	}
}

type fakeParent struct {
	mu         sync.Mutex
	cfg        StreamConfig
	isArchived bool
	updates    []levelUpdate
}

func (p *fakeParent) streamConfig() StreamConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

func (p *fakeParent) aspectRatio() float64 { return defaultAspect }

func (p *fakeParent) archived() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isArchived
}

func (p *fakeParent) setArchived(v bool) {
	p.mu.Lock()
	p.isArchived = v
	p.mu.Unlock()
}

func (p *fakeParent) levelAdvanced(_ *Level, u levelUpdate) {
	p.mu.Lock()
	p.updates = append(p.updates, u)
	p.mu.Unlock()
}

func newTestLevel(t *testing.T, dir string, parent *fakeParent) *Level {
	t.Helper()
	r := Rung{Name: "480p", Height: 480, VideoKbps: 1200, AudioKbps: 128}
	return newLevel(r, defaultAspect, dir, parent, levelOptions{
		pollInterval: 10 * time.Millisecond,
		log:          logger.Discard(),
	})
}

type fakeProcess struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{})}
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) Err() error            { return p.err }

func (p *fakeProcess) Stop(context.Context) error {
	p.exit(nil)
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

type fakeTranscoder struct {
	mu    sync.Mutex
	jobs  []transcoder.Job
	procs []*fakeProcess
	err   error
}

func (f *fakeTranscoder) Start(_ context.Context, job transcoder.Job) (transcoder.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProcess()
	f.jobs = append(f.jobs, job)
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeTranscoder) last() (transcoder.Job, *fakeProcess) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[len(f.jobs)-1], f.procs[len(f.procs)-1]
}

type frameCall struct {
	inputs        []string
	out           string
	width, height int
}

type fakeThumbnailer struct {
	mu    sync.Mutex
	calls []frameCall
	err   error
}

func (f *fakeThumbnailer) ExtractFrame(_ context.Context, inputs []string, out string, width, height int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, frameCall{inputs: inputs, out: out, width: width, height: height})
	return f.err
}

func (f *fakeThumbnailer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		Root:            t.TempDir(),
		BaseURL:         "/lives",
		SegmentDuration: 2 * time.Second,
		ListSize:        3,
		PollInterval:    10 * time.Millisecond,
		AutoEnd:         30 * time.Second,
		SaveDelay:       5 * time.Millisecond,
	}
}

func testSettings() Settings {
	return Settings{Input: "rtmp://localhost/live/key", Format: "flv", Width: 1280, Height: 720, FPS: 30}
}
