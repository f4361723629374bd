package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-live/internal/bus"
	"hls-live/internal/live"
	"hls-live/internal/platform/config"
	"hls-live/internal/platform/logger"
	"hls-live/internal/platform/metrics"
	"hls-live/internal/transcoder"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	adminRate := config.GetEnvInt("ADMIN_RATE_LIMIT", 60)
	recoverOnBoot := config.GetEnvBool("LIVE_RECOVER", true)

	defaults := live.DefaultConfig()
	cfg := live.Config{
		Root:              config.GetEnv("LIVE_ROOT", defaults.Root),
		BaseURL:           config.GetEnv("LIVE_BASE_URL", defaults.BaseURL),
		SegmentDuration:   config.GetEnvDuration("HLS_SEGMENT_DURATION", defaults.SegmentDuration),
		ListSize:          config.GetEnvInt("HLS_LIST_SIZE", defaults.ListSize),
		DVRWindow:         config.GetEnvDuration("HLS_DVR_WINDOW", defaults.DVRWindow),
		PollInterval:      config.GetEnvDuration("HLS_POLL_INTERVAL", defaults.PollInterval),
		AutoEnd:           config.GetEnvDuration("LIVE_AUTO_END", defaults.AutoEnd),
		Expiry:            config.GetEnvDuration("LIVE_EXPIRY", defaults.Expiry),
		ThumbnailInterval: config.GetEnvDuration("THUMBNAIL_INTERVAL", defaults.ThumbnailInterval),
		ThumbnailHeight:   config.GetEnvInt("THUMBNAIL_HEIGHT", defaults.ThumbnailHeight),
		SaveDelay:         config.GetEnvDuration("SNAPSHOT_SAVE_DELAY", defaults.SaveDelay),
		MaxRestarts:       config.GetEnvInt("LIVE_MAX_RESTARTS", defaults.MaxRestarts),
	}

	log := logger.New(logLevel, logFormat)
	met := metrics.New()
	events := bus.NewMemoryBus()
	ffmpeg := transcoder.NewFFmpeg(config.GetEnv("FFMPEG_PATH", "ffmpeg"), log)

	reg := live.NewRegistry()
	svc, err := live.NewService(live.Deps{
		Config:      cfg,
		Transcoder:  ffmpeg,
		Thumbnailer: ffmpeg,
		Bus:         events,
		Store:       live.NewFileStore(cfg.Root),
		Metrics:     met,
		Log:         log,
	}, reg)
	if err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if recoverOnBoot {
		if _, err := svc.Recover(ctx); err != nil {
			log.Error("recovery failed", "error", err)
			os.Exit(1)
		}
	}
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := svc.Run(ctx); err != nil {
			log.Error("live service stopped", "error", err)
		}
	}()

	h := live.NewHandler(svc, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveLives(reg.ActiveCount()) }).ServeHTTP(w, r)
	})
	admin := httprate.LimitByIP(adminRate, time.Minute)
	r.Route("/lives", func(r chi.Router) {
		r.Get("/", h.List)
		r.With(admin).Post("/", h.Create)
		r.Route("/{live_id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.With(admin).Delete("/", h.Destroy)
			r.With(admin).Post("/start", h.Start)
			r.With(admin).Post("/stop", h.Stop)
			r.Get("/master.m3u8", h.Master)
			r.Get("/{rendition}/stream.m3u8", h.Playlist)
			r.Get("/*", h.Files)
		})
	})

	addr := ":" + port
	srv := &http.Server{
		Addr: addr,
		Handler: otelhttp.NewHandler(r, "hls-live",
			otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/metrics" }),
		),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"root", cfg.Root,
		"list_size", cfg.ListSize,
		"dvr_window", cfg.DVRWindow,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	cancel()
	<-runDone

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()

	// Stopping the lives first releases blocking playlist reads.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("stopping lives", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	_ = events.Close()

	log.Info("server stopped")
}
