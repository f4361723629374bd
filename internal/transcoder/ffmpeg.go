package transcoder

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const stopGrace = 5 * time.Second

// FFmpeg launches ffmpeg processes.
type FFmpeg struct {
	BinPath string
	Log     *slog.Logger
}

// NewFFmpeg returns an FFmpeg using binPath ("ffmpeg" when empty).
func NewFFmpeg(binPath string, log *slog.Logger) *FFmpeg {
	if strings.TrimSpace(binPath) == "" {
		binPath = "ffmpeg"
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{BinPath: binPath, Log: log}
}

// Start creates the rendition directories and launches the transcode for job.
// The process is not bound to ctx; it runs until Stop or until it exits.
func (f *FFmpeg) Start(ctx context.Context, job Job) (Process, error) {
	args, err := BuildArgs(job)
	if err != nil {
		return nil, err
	}
	for _, r := range job.Renditions {
		if err := os.MkdirAll(filepath.Join(job.Dir, r.Name), 0o755); err != nil {
			return nil, fmt.Errorf("create rendition dir %s: %w", r.Name, err)
		}
	}
	log := f.Log.With(slog.String("live_id", job.ID))
	return f.launch(args, log)
}

func (f *FFmpeg) launch(args []string, log *slog.Logger) (*process, error) {
	runCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(runCtx, f.BinPath, args...) // #nosec G204
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = stopGrace
	cmd.Stdout = newLogWriter(log, "stdout")
	cmd.Stderr = newLogWriter(log, "stderr")
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	log.Info("transcoder started", slog.Int("pid", cmd.Process.Pid))

	p := &process{cancel: cancel, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil {
			log.Warn("transcoder exited with error", slog.String("error", err.Error()))
		} else {
			log.Info("transcoder exited")
		}
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		cancel()
		close(p.done)
	}()
	return p, nil
}

type process struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (p *process) Done() <-chan struct{} {
	return p.done
}

func (p *process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *process) Stop(ctx context.Context) error {
	p.cancel()
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExtractFrame writes the first frame of the concatenation of inputs to out,
// scaled to width x height. Passing the init segment first makes fragmented
// segments decodable.
func (f *FFmpeg) ExtractFrame(ctx context.Context, inputs []string, out string, width, height int) error {
	if len(inputs) == 0 {
		return fmt.Errorf("no input")
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	src := inputs[0]
	if len(inputs) > 1 {
		src = "concat:" + strings.Join(inputs, "|")
	}
	if width <= 0 {
		width = -2
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", src,
		"-frames:v", "1",
		"-vf", "scale=" + strconv.Itoa(width) + ":" + strconv.Itoa(height),
		"-c:v", "libwebp",
		out,
	}
	cmd := exec.CommandContext(ctx, f.BinPath, args...) // #nosec G204
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("extract frame: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// logWriter forwards process output line by line to the logger.
type logWriter struct {
	log    *slog.Logger
	stream string
}

func newLogWriter(log *slog.Logger, stream string) *logWriter {
	return &logWriter{log: log, stream: stream}
}

func (w *logWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.log.Info("transcoder output", slog.String("stream", w.stream), slog.String("line", string(line)))
	}
	return total, nil
}
