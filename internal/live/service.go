package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"hls-live/internal/bus"
	"hls-live/internal/lifecycle"
)

// TickInterval is how often Run applies the staleness and expiry policy.
const TickInterval = time.Second

// CreateRequest admits a new asset. An empty ID gets a random one.
type CreateRequest struct {
	ID       LiveID    `json:"id,omitempty"`
	Title    string    `json:"title,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
}

// Service owns the registry and the per-asset collaborators.
type Service struct {
	deps Deps
	reg  *Registry
	log  *slog.Logger
}

// NewService returns a Service that registers assets in reg.
func NewService(deps Deps, reg *Registry) (*Service, error) {
	deps = deps.withDefaults()
	if err := deps.Config.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		reg = NewRegistry()
	}
	s := &Service{deps: deps, reg: reg, log: deps.Log}
	s.deps.OnDestroy = s.forget
	return s, nil
}

// Registry returns the registry the service writes to.
func (s *Service) Registry() *Registry { return s.reg }

func (s *Service) forget(id LiveID) {
	s.reg.Remove(id)
	s.deps.Metrics.SetActiveLives(s.reg.ActiveCount())
}

// Create registers a new asset and creates its directory. When req carries
// settings the asset is started right away.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Live, error) {
	id := req.ID
	if id == "" {
		id = LiveID(uuid.NewString())
	}
	if !id.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, err := s.reg.Get(id); err == nil {
		return nil, ErrExists
	}

	l := New(id, req.Title, s.deps)
	if err := os.MkdirAll(l.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create live dir: %w", err)
	}
	if err := s.reg.Add(l); err != nil {
		return nil, err
	}
	s.log.Info("live created", slog.String("live_id", string(id)))
	l.saver.Schedule()

	if req.Settings != nil {
		if err := l.Start(ctx, *req.Settings); err != nil {
			return l, err
		}
		s.deps.Metrics.SetActiveLives(s.reg.ActiveCount())
	}
	return l, nil
}

// Get returns the asset registered under id.
func (s *Service) Get(id LiveID) (*Live, error) {
	return s.reg.Get(id)
}

// List returns the status of every asset.
func (s *Service) List() []Status {
	lives := s.reg.List()
	out := make([]Status, 0, len(lives))
	for _, l := range lives {
		out = append(out, l.Status())
	}
	return out
}

// Start starts the asset registered under id.
func (s *Service) Start(ctx context.Context, id LiveID, settings Settings) error {
	l, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if err := l.Start(ctx, settings); err != nil {
		return err
	}
	s.deps.Metrics.SetActiveLives(s.reg.ActiveCount())
	return nil
}

// Stop stops and archives the asset registered under id.
func (s *Service) Stop(ctx context.Context, id LiveID) error {
	l, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	if err := l.Stop(ctx, lifecycle.ReasonManual); err != nil {
		return err
	}
	s.deps.Metrics.SetActiveLives(s.reg.ActiveCount())
	return nil
}

// Destroy removes the asset registered under id and all of its files.
func (s *Service) Destroy(ctx context.Context, id LiveID) error {
	l, err := s.reg.Get(id)
	if err != nil {
		return err
	}
	return l.Destroy(ctx)
}

// Recover reloads every asset found in the store. Assets whose snapshot is
// missing or corrupt are destroyed. It returns the number of recovered assets.
func (s *Service) Recover(ctx context.Context) (int, error) {
	ids, err := s.deps.Store.List()
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	n := 0
	for _, id := range ids {
		if _, err := s.reg.Get(id); err == nil {
			continue
		}
		l := New(id, "", s.deps)
		ok, err := l.Load(ctx)
		if !ok {
			s.log.Warn("unrecoverable live, destroying",
				slog.String("live_id", string(id)),
				slog.Any("error", err))
			if err := l.Destroy(ctx); err != nil {
				s.log.Warn("destroy unrecoverable live", slog.String("live_id", string(id)), slog.String("error", err.Error()))
			}
			continue
		}
		if err != nil {
			s.log.Warn("live recovered with errors", slog.String("live_id", string(id)), slog.String("error", err.Error()))
		}
		if err := s.reg.Add(l); err != nil {
			continue
		}
		n++
	}
	s.log.Info("recovery finished", slog.Int("recovered", n), slog.Int("found", len(ids)))
	s.deps.Metrics.SetActiveLives(s.reg.ActiveCount())
	return n, nil
}

// Run ticks every asset once per TickInterval and applies aspect-ratio hints
// from the bus until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	var hints <-chan bus.Message
	if s.deps.Bus != nil {
		sub, err := s.deps.Bus.Subscribe(ctx, bus.TopicAspect)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", bus.TopicAspect, err)
		}
		defer sub.Close()
		hints = sub.C()
	}

	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Tick(ctx, now)
		case msg, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			s.applyHint(msg)
		}
	}
}

// Tick runs one staleness and expiry pass over every asset.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	for _, l := range s.reg.List() {
		l.Tick(ctx, now)
	}
	s.deps.Metrics.SetActiveLives(s.reg.ActiveCount())
}

func (s *Service) applyHint(msg bus.Message) {
	hint, ok := msg.(bus.AspectHint)
	if !ok {
		s.log.Debug("unexpected aspect message", slog.Any("message", msg))
		return
	}
	l, err := s.reg.Get(LiveID(hint.ID))
	if err != nil {
		return
	}
	l.SetAspectRatio(hint.Ratio)
}

// Shutdown stops every running asset and writes its final snapshot. Archives
// stay on disk.
func (s *Service) Shutdown(ctx context.Context) error {
	var g errgroup.Group
	for _, l := range s.reg.List() {
		g.Go(func() error {
			defer l.saver.Close()
			if err := l.Stop(ctx, ReasonShutdown); err != nil {
				return fmt.Errorf("stop %s: %w", l.ID(), err)
			}
			l.saver.Flush()
			return nil
		})
	}
	err := g.Wait()
	s.deps.Metrics.SetActiveLives(0)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
