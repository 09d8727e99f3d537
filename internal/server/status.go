// Package server handles the listener-facing HTTP surface
// This file implements the read-only status endpoints: the HTML status
// page, /api/status and /api/stats. They only read exported counters and
// registry snapshots; nothing here touches the streaming hot path.
package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"time"

	"github.com/cycast/cycast/internal/config"
	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

// StatusHandler serves the status page and JSON APIs
type StatusHandler struct {
	broadcaster *stream.Broadcaster
	ring        *stream.Ring
	mux         *stream.ProducerMux
	nowPlaying  *stream.NowPlaying
	settings    *config.Settings
	counters    *stats.Counters
	ttfbHist    *stats.Histogram
	cycleHist   *stats.Histogram
	outMeter    *stats.ThroughputMeter
	activity    *ActivityLog
	logger      *log.Logger
}

// NewStatusHandler creates the status handler
func NewStatusHandler(
	bc *stream.Broadcaster,
	ring *stream.Ring,
	mux *stream.ProducerMux,
	np *stream.NowPlaying,
	settings *config.Settings,
	counters *stats.Counters,
	ttfbHist, cycleHist *stats.Histogram,
	outMeter *stats.ThroughputMeter,
	activity *ActivityLog,
	logger *log.Logger,
) *StatusHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &StatusHandler{
		broadcaster: bc,
		ring:        ring,
		mux:         mux,
		nowPlaying:  np,
		settings:    settings,
		counters:    counters,
		ttfbHist:    ttfbHist,
		cycleHist:   cycleHist,
		outMeter:    outMeter,
		activity:    activity,
		logger:      logger,
	}
}

// statusData is the /api/status payload
type statusData struct {
	SourceConnected bool              `json:"source_connected"`
	SourceStatus    string            `json:"source_status"`
	Metadata        map[string]string `json:"metadata"`
	Listeners       int               `json:"listeners"`
	UptimeSeconds   int64             `json:"uptime_seconds"`
	UptimeFormatted string            `json:"uptime_formatted"`
	StationName     string            `json:"station_name"`
	StationGenre    string            `json:"station_genre"`
	MountPoint      string            `json:"mount_point"`
}

func (h *StatusHandler) statusData() statusData {
	title, artist := h.nowPlaying.Get()
	uptime := int64(h.counters.Uptime().Seconds())
	connected := h.counters.SourceConnected()

	status := "Playlist Fallback"
	if connected {
		status = "Connected"
	}

	return statusData{
		SourceConnected: connected,
		SourceStatus:    status,
		Metadata:        map[string]string{"title": title, "artist": artist},
		Listeners:       h.broadcaster.ListenerCount(),
		UptimeSeconds:   uptime,
		UptimeFormatted: fmt.Sprintf("%dh %dm", uptime/3600, (uptime%3600)/60),
		StationName:     h.settings.StationName,
		StationGenre:    h.settings.StationGenre,
		MountPoint:      h.settings.Server.MountPoint,
	}
}

// HandleStatus serves GET /api/status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, h.statusData())
}

// listenerStat is the per-listener entry in /api/stats
type listenerStat struct {
	ID               uint64  `json:"id"`
	RemoteAddr       string  `json:"remote_addr"`
	BytesSent        int64   `json:"bytes_sent"`
	ConnectedSeconds float64 `json:"connected_seconds"`
}

// HandleStats serves GET /api/stats; 403 when stats are disabled
func (h *StatusHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !h.settings.EnableStats {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]string{"error": "Stats disabled"})
		return
	}

	subs := h.broadcaster.Subscribers()
	listeners := make([]listenerStat, 0, len(subs))
	for _, s := range subs {
		listeners = append(listeners, listenerStat{
			ID:               s.ID,
			RemoteAddr:       s.RemoteAddr,
			BytesSent:        s.BytesSent(),
			ConnectedSeconds: time.Since(s.ConnectedAt).Seconds(),
		})
	}

	payload := map[string]interface{}{
		"counters":        h.counters.Snapshot(),
		"total_listeners": len(listeners),
		"listeners":       listeners,
		"producer_mode":   h.mux.Mode().String(),
		"buffer": map[string]interface{}{
			"available":       h.ring.Available(),
			"space":           h.ring.Space(),
			"capacity":        h.ring.Cap(),
			"fill_percentage": h.ring.FillPercent() * 100,
			"generation":      h.ring.Generation(),
		},
		"throughput_out_bps": h.outMeter.Rate(10),
	}
	if h.ttfbHist != nil {
		payload["ttfb"] = h.ttfbHist.Summary()
	}
	if h.cycleHist != nil {
		payload["broadcast_cycle"] = h.cycleHist.Summary()
	}
	if h.activity != nil {
		payload["recent_events"] = h.activity.Recent()
	}

	writeJSON(w, payload)
}

var statusPage = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>{{.StationName}} - Cycast</title>
<style>
body{font-family:system-ui;margin:40px;background:#111;color:#eee}
h1{color:#00ADD8}.card{background:#222;padding:20px;margin:10px 0;border-radius:8px}
.live{color:#4f4}.fallback{color:#fa4}
</style>
</head>
<body>
<h1>{{.StationName}}</h1>
<div class="card">
<p>Source: <span class="{{if .SourceConnected}}live{{else}}fallback{{end}}">{{.SourceStatus}}</span></p>
<p>Now playing: <strong>{{index .Metadata "artist"}}{{if index .Metadata "artist"}} - {{end}}{{index .Metadata "title"}}</strong></p>
<p>Listeners: <strong>{{.Listeners}}</strong></p>
<p>Uptime: {{.UptimeFormatted}}</p>
<p>Listen: <a href="{{.MountPoint}}">{{.MountPoint}}</a></p>
</div>
</body>
</html>
`))

// HandleIndex serves the HTML status page
func (h *StatusHandler) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusPage.Execute(w, h.statusData()); err != nil {
		h.logger.Printf("Error rendering status page: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Client went away mid-encode; nothing to do
		_ = err
	}
}
