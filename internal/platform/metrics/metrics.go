package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the live HLS engine.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	playlistRequestsTotal  *prometheus.CounterVec
	segmentsIngestedTotal  *prometheus.CounterVec
	blockingReadsWaiting   prometheus.Gauge
	thumbnailsTotal        *prometheus.CounterVec
	livesStartedTotal      prometheus.Counter
	livesStoppedTotal      *prometheus.CounterVec
	livesDestroyedTotal    prometheus.Counter
	activeLives            prometheus.Gauge
	snapshotWriteFailTotal prometheus.Counter
}

// New creates and registers Prometheus metrics for the engine.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		playlistRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_playlist_requests_total",
			Help: "Playlist requests by kind (master, live, full, vod, delta)",
		}, []string{"kind"}),
		segmentsIngestedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_segments_ingested_total",
			Help: "Segments discovered in transcoder manifests, by rendition",
		}, []string{"rendition"}),
		blockingReadsWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_blocking_reads_waiting",
			Help: "Playlist requests currently parked waiting for a media sequence number",
		}),
		thumbnailsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_thumbnails_total",
			Help: "Thumbnail extractions by result (ok, failed)",
		}, []string{"result"}),
		livesStartedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_lives_started_total",
			Help: "Total number of live assets started",
		}),
		livesStoppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hls_lives_stopped_total",
			Help: "Live assets archived, by reason (manual, stale, exited, recovered)",
		}, []string{"reason"}),
		livesDestroyedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_lives_destroyed_total",
			Help: "Total number of live assets destroyed",
		}),
		activeLives: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hls_active_lives",
			Help: "Number of assets currently live",
		}),
		snapshotWriteFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hls_snapshot_write_failures_total",
			Help: "Crash-recovery snapshot writes that failed",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.playlistRequestsTotal,
		m.segmentsIngestedTotal,
		m.blockingReadsWaiting,
		m.thumbnailsTotal,
		m.livesStartedTotal,
		m.livesStoppedTotal,
		m.livesDestroyedTotal,
		m.activeLives,
		m.snapshotWriteFailTotal,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// IncPlaylistRequest counts a playlist response of the given kind.
func (m *Metrics) IncPlaylistRequest(kind string) {
	if m == nil {
		return
	}
	m.playlistRequestsTotal.WithLabelValues(kind).Inc()
}

// AddSegmentsIngested counts n newly published segments of a rendition.
func (m *Metrics) AddSegmentsIngested(rendition string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentsIngestedTotal.WithLabelValues(rendition).Add(float64(n))
}

// BlockingReadStarted and BlockingReadDone bracket a parked playlist request.
func (m *Metrics) BlockingReadStarted() {
	if m == nil {
		return
	}
	m.blockingReadsWaiting.Inc()
}

func (m *Metrics) BlockingReadDone() {
	if m == nil {
		return
	}
	m.blockingReadsWaiting.Dec()
}

// IncThumbnail records a thumbnail extraction outcome.
func (m *Metrics) IncThumbnail(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.thumbnailsTotal.WithLabelValues(result).Inc()
}

// IncLivesStarted increments the started counter.
func (m *Metrics) IncLivesStarted() {
	if m == nil {
		return
	}
	m.livesStartedTotal.Inc()
}

// IncLivesStopped increments the archived counter for reason.
func (m *Metrics) IncLivesStopped(reason string) {
	if m == nil {
		return
	}
	m.livesStoppedTotal.WithLabelValues(reason).Inc()
}

// IncLivesDestroyed increments the destroyed counter.
func (m *Metrics) IncLivesDestroyed() {
	if m == nil {
		return
	}
	m.livesDestroyedTotal.Inc()
}

// SetActiveLives sets the active lives gauge.
func (m *Metrics) SetActiveLives(n int) {
	if m == nil {
		return
	}
	m.activeLives.Set(float64(n))
}

// IncSnapshotWriteFailures counts a failed snapshot write.
func (m *Metrics) IncSnapshotWriteFailures() {
	if m == nil {
		return
	}
	m.snapshotWriteFailTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active lives).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
