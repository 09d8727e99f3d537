// Package server tests for the status endpoints and activity log
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cycast/cycast/internal/config"
	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

func newStatusFixture(t *testing.T, settings *config.Settings) (*StatusHandler, *stream.Ring, *stats.Counters) {
	t.Helper()

	ring := stream.NewRing(1024 * 1024)
	counters := stats.NewCounters()
	mux := stream.NewProducerMux(ring, counters, nil)
	bc := stream.NewBroadcaster(ring, stream.Options{ChunkSize: 1024, Counters: counters})
	go bc.Run()
	t.Cleanup(bc.Stop)

	np := &stream.NowPlaying{}
	np.Set("Some Track", "Some Artist")

	h := NewStatusHandler(bc, ring, mux, np, settings, counters,
		stats.NewLatencyHistogram(), stats.NewLatencyHistogram(),
		stats.NewThroughputMeter(), NewActivityLog(10), nil)
	return h, ring, counters
}

func TestStatusEndpoint(t *testing.T) {
	h, _, counters := newStatusFixture(t, testSettings())
	counters.SetSourceConnected(true)

	rec := httptest.NewRecorder()
	h.HandleStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload struct {
		SourceConnected bool              `json:"source_connected"`
		SourceStatus    string            `json:"source_status"`
		Metadata        map[string]string `json:"metadata"`
		StationName     string            `json:"station_name"`
		MountPoint      string            `json:"mount_point"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding status: %v", err)
	}

	if !payload.SourceConnected || payload.SourceStatus != "Connected" {
		t.Errorf("source fields = (%v, %q)", payload.SourceConnected, payload.SourceStatus)
	}
	if payload.Metadata["title"] != "Some Track" || payload.Metadata["artist"] != "Some Artist" {
		t.Errorf("metadata = %v", payload.Metadata)
	}
	if payload.StationName != "Cycast Radio" {
		t.Errorf("station_name = %q", payload.StationName)
	}
	if payload.MountPoint != "/stream" {
		t.Errorf("mount_point = %q", payload.MountPoint)
	}
}

func TestStatsEndpoint(t *testing.T) {
	h, ring, _ := newStatusFixture(t, testSettings())
	ring.Write(make([]byte, 512))

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}

	buffer, ok := payload["buffer"].(map[string]interface{})
	if !ok {
		t.Fatal("buffer section missing")
	}
	if buffer["available"].(float64) != 512 {
		t.Errorf("buffer.available = %v, want 512", buffer["available"])
	}
	if _, ok := payload["counters"]; !ok {
		t.Error("counters section missing")
	}
	if payload["producer_mode"] != "playlist" {
		t.Errorf("producer_mode = %v, want playlist", payload["producer_mode"])
	}
}

func TestStatsDisabled(t *testing.T) {
	settings := testSettings()
	settings.EnableStats = false
	h, _, _ := newStatusFixture(t, settings)

	rec := httptest.NewRecorder()
	h.HandleStats(rec, httptest.NewRequest(http.MethodGet, "/api/stats", nil))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d with stats disabled, want 403", rec.Code)
	}
}

func TestIndexPage(t *testing.T) {
	h, _, _ := newStatusFixture(t, testSettings())

	rec := httptest.NewRecorder()
	h.HandleIndex(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "Cycast Radio") {
		t.Error("station name missing from status page")
	}
	if !strings.Contains(body, "/stream") {
		t.Error("mount link missing from status page")
	}
}

func TestIndexPageUnknownPath(t *testing.T) {
	h, _, _ := newStatusFixture(t, testSettings())

	rec := httptest.NewRecorder()
	h.HandleIndex(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d for unknown path, want 404", rec.Code)
	}
}

func TestActivityLogWrap(t *testing.T) {
	a := NewActivityLog(3)

	if a.Len() != 0 {
		t.Errorf("Len = %d on empty log, want 0", a.Len())
	}

	for i := 0; i < 5; i++ {
		a.Addf(EventTrackChange, "event %d", i)
	}

	events := a.Recent()
	if len(events) != 3 {
		t.Fatalf("Recent returned %d events, want 3", len(events))
	}

	// Oldest-first, holding the last three entries
	for i, e := range events {
		want := fmt.Sprintf("event %d", i+2)
		if e.Message != want {
			t.Errorf("event %d message = %q, want %q", i, e.Message, want)
		}
	}
}

func TestActivityLogPartialFill(t *testing.T) {
	a := NewActivityLog(10)
	a.Add(EventSourceConnect, "one")
	a.Add(EventSourceDisconnect, "two")

	events := a.Recent()
	if len(events) != 2 {
		t.Fatalf("Recent returned %d events, want 2", len(events))
	}
	if events[0].Message != "one" || events[1].Message != "two" {
		t.Errorf("events out of order: %v", events)
	}
}
