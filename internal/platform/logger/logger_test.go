package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"bogus": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewWithWriter_text_format(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "info", "text")
	log.Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "k=v") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestRequestLogger_logs_status_and_size(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "debug", "json")

	h := RequestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("abc"))
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/lives", nil))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	if entry["status"].(float64) != http.StatusTeapot {
		t.Errorf("expected status 418, got %v", entry["status"])
	}
	if entry["size"].(float64) != 3 {
		t.Errorf("expected size 3, got %v", entry["size"])
	}
	if entry["level"] != "WARN" {
		t.Errorf("4xx should log at warn, got %v", entry["level"])
	}
}

func TestRequestLevel_media_paths_are_debug(t *testing.T) {
	if got := requestLevel("/lives/a/720p/stream.m3u8", http.StatusOK); got != slog.LevelDebug {
		t.Errorf("expected debug for playlist, got %v", got)
	}
	if got := requestLevel("/lives", http.StatusOK); got != slog.LevelInfo {
		t.Errorf("expected info, got %v", got)
	}
}
