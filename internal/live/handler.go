package live

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-live/internal/lifecycle"
	"hls-live/internal/platform/metrics"
)

const maxBodyBytes = 1 << 20

var mediaContentTypes = map[string]string{
	".m3u8": playlistContentType,
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".webp": "image/webp",
}

// Handler exposes the playlist and admin endpoints using go-chi.
type Handler struct {
	svc     *Service
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics) *Handler {
	return &Handler{svc: svc, log: log, metrics: m}
}

// Master handles GET /lives/{live_id}/master.m3u8.
func (h *Handler) Master(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.Get(LiveID(chi.URLParam(r, "live_id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	body, err := l.Master(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.IncPlaylistRequest("master")
	writePlaylist(w, body)
}

// Playlist handles GET /lives/{live_id}/{rendition}/stream.m3u8.
// Query: _HLS_msn, _HLS_skip, vod, full.
func (h *Handler) Playlist(w http.ResponseWriter, r *http.Request) {
	q, err := ParsePlaylistQuery(r.URL.Query())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l, err := h.svc.Get(LiveID(chi.URLParam(r, "live_id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	// Blocking reads can outlive the server's read and write timeouts.
	rc := http.NewResponseController(w)
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	if q.HasMSN {
		h.metrics.BlockingReadStarted()
		defer h.metrics.BlockingReadDone()
	}
	body, err := l.Playlist(r.Context(), chi.URLParam(r, "rendition"), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.metrics.IncPlaylistRequest(playlistKind(q))
	writePlaylist(w, body)
}

func playlistKind(q PlaylistQuery) string {
	switch {
	case q.VOD:
		return "vod"
	case q.Full:
		return "full"
	case q.Skip:
		return "delta"
	default:
		return "live"
	}
}

func writePlaylist(w http.ResponseWriter, body string) {
	hdr := w.Header()
	hdr.Set("Content-Type", playlistContentType)
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Expires", "0")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

// Files handles GET /lives/{live_id}/* for segments, init segments, thumbnails
// and archive playlists. Paths cannot leave the asset directory.
func (h *Handler) Files(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.Get(LiveID(chi.URLParam(r, "live_id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	rel := path.Clean("/" + chi.URLParam(r, "*"))
	if rel == "/" || path.Base(rel) == SnapshotName {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	name := filepath.Join(l.Dir(), filepath.FromSlash(rel))
	if fi, err := os.Stat(name); err != nil || fi.IsDir() {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if ct, ok := mediaContentTypes[path.Ext(rel)]; ok {
		w.Header().Set("Content-Type", ct)
	}
	http.ServeFile(w, r, name)
}

// Create handles POST /lives. Body: CreateRequest; settings start the asset.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := decodeBody(r, &req); err != nil {
		h.log.Debug("invalid create body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	l, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l.Status())
}

// List handles GET /lives.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.List())
}

// Get handles GET /lives/{live_id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	l, err := h.svc.Get(LiveID(chi.URLParam(r, "live_id")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Status())
}

// Start handles POST /lives/{live_id}/start. Body: Settings.
func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	id := LiveID(chi.URLParam(r, "live_id"))
	var settings Settings
	if err := decodeBody(r, &settings); err != nil {
		h.log.Debug("invalid start body", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.svc.Start(r.Context(), id, settings); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.status(w, r, id)
}

// Stop handles POST /lives/{live_id}/stop.
func (h *Handler) Stop(w http.ResponseWriter, r *http.Request) {
	id := LiveID(chi.URLParam(r, "live_id"))
	if err := h.svc.Stop(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.log.Info("live stopped by request", slog.String("live_id", string(id)))
	h.status(w, r, id)
}

// Destroy handles DELETE /lives/{live_id}.
func (h *Handler) Destroy(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Destroy(r.Context(), LiveID(chi.URLParam(r, "live_id"))); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request, id LiveID) {
	l, err := h.svc.Get(id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l.Status())
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, context.Canceled):
		// client went away during a blocking read
		return
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUnknownRendition),
		errors.Is(err, ErrNotStarted),
		errors.Is(err, fs.ErrNotExist):
		code = http.StatusNotFound
	case errors.Is(err, ErrBadQuery),
		errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrInvalidSettings):
		code = http.StatusBadRequest
	case errors.Is(err, ErrExists),
		errors.Is(err, lifecycle.ErrInvalidTransition):
		code = http.StatusConflict
	default:
		h.log.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		code = http.StatusInternalServerError
	}
	http.Error(w, http.StatusText(code), code)
}

func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
