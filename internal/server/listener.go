// Package server handles the listener-facing HTTP surface: the stream
// mount, the status pages and the stats API.
package server

import (
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cycast/cycast/internal/config"
	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

// Version of the Cycast server, injected at build time via ldflags
var Version = "dev"

// ListenerHandler serves the stream mount. Each GET registers a
// subscriber with the broadcaster and drains its chunk queue straight to
// the socket, flushing after every chunk.
//
// The first byte reaches the client as soon as the broadcaster hands the
// handler its first chunk: the drain loop blocks directly on the
// subscriber channel with no pre-buffering and no external wakeup, so
// time-to-first-byte is bounded by one broadcast cycle.
type ListenerHandler struct {
	broadcaster *stream.Broadcaster
	nowPlaying  *stream.NowPlaying
	settings    *config.Settings
	counters    *stats.Counters
	ttfbHist    *stats.Histogram
	outMeter    *stats.ThroughputMeter
	activity    *ActivityLog
	logger      *log.Logger
}

// NewListenerHandler creates the mount handler
func NewListenerHandler(
	bc *stream.Broadcaster,
	np *stream.NowPlaying,
	settings *config.Settings,
	counters *stats.Counters,
	ttfbHist *stats.Histogram,
	outMeter *stats.ThroughputMeter,
	activity *ActivityLog,
	logger *log.Logger,
) *ListenerHandler {
	if logger == nil {
		logger = log.Default()
	}
	return &ListenerHandler{
		broadcaster: bc,
		nowPlaying:  np,
		settings:    settings,
		counters:    counters,
		ttfbHist:    ttfbHist,
		outMeter:    outMeter,
		activity:    activity,
		logger:      logger,
	}
}

// ServeHTTP handles listener requests on the mount point
func (h *ListenerHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodHead:
		h.writeHeaders(w, 0)
		w.WriteHeader(http.StatusOK)
		return
	case http.MethodOptions:
		h.handleOptions(w)
		return
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sub, err := h.broadcaster.Register(clientIP(r), r.UserAgent())
	if err != nil {
		http.Error(w, "Listener limit reached", http.StatusServiceUnavailable)
		return
	}

	connectedAt := time.Now()
	h.logger.Printf("New listener %d from %s", sub.ID, sub.RemoteAddr)
	if h.activity != nil {
		h.activity.Addf(EventListenerConnect, "listener %d connected from %s", sub.ID, sub.RemoteAddr)
	}

	defer func() {
		h.broadcaster.Unregister(sub.ID)
		h.logger.Printf("Listener %d disconnected after %s (%d bytes)",
			sub.ID, time.Since(connectedAt).Round(time.Second), sub.BytesSent())
		if h.activity != nil {
			h.activity.Addf(EventListenerDisconnect, "listener %d disconnected", sub.ID)
		}
	}()

	// ICY metadata only when enabled server-side and requested by the
	// client; everyone else gets the untouched audio stream
	metaInterval := 0
	if h.settings.EnableICY && r.Header.Get("Icy-MetaData") == "1" {
		metaInterval = h.settings.ICYMetaInt
	}

	h.writeHeaders(w, metaInterval)
	w.WriteHeader(http.StatusOK)

	flusher, hasFlusher := w.(http.Flusher)
	if hasFlusher {
		flusher.Flush()
	}

	h.streamToClient(w, flusher, hasFlusher, r, sub, metaInterval, connectedAt)
}

// streamToClient drains the subscriber queue to the socket
func (h *ListenerHandler) streamToClient(
	w http.ResponseWriter,
	flusher http.Flusher,
	hasFlusher bool,
	r *http.Request,
	sub *stream.Subscriber,
	metaInterval int,
	connectedAt time.Time,
) {
	ctx := r.Context()

	var icy *icyWriter
	if metaInterval > 0 {
		icy = newICYWriter(w, h.nowPlaying, metaInterval)
	}

	firstChunk := true
	for {
		select {
		case <-ctx.Done():
			return

		case chunk, ok := <-sub.C:
			if !ok {
				// Evicted by the broadcaster or server shutting down
				return
			}

			var n int
			var err error
			if icy != nil {
				n, err = icy.Write(chunk)
			} else {
				n, err = w.Write(chunk)
			}
			if n > 0 {
				sub.AddBytesSent(n)
				h.counters.AddBytesOut(int64(n))
				if h.outMeter != nil {
					h.outMeter.Add(int64(n))
				}
			}
			if err != nil {
				return
			}
			if hasFlusher {
				flusher.Flush()
			}

			if firstChunk {
				firstChunk = false
				if h.ttfbHist != nil {
					h.ttfbHist.ObserveDuration(time.Since(connectedAt))
				}
			}
		}
	}
}

// writeHeaders sets the streaming response headers
func (h *ListenerHandler) writeHeaders(w http.ResponseWriter, metaInterval int) {
	hdr := w.Header()
	hdr.Set("Content-Type", "audio/mpeg")
	hdr.Set("Cache-Control", "no-cache, no-store")
	hdr.Set("Pragma", "no-cache")
	hdr.Set("Connection", "close")
	hdr.Set("Accept-Ranges", "none")
	hdr.Set("Server", "Cycast/"+Version)

	hdr.Set("icy-name", h.settings.StationName)
	hdr.Set("icy-description", h.settings.StationDescription)
	hdr.Set("icy-genre", h.settings.StationGenre)
	hdr.Set("icy-url", h.settings.StationURL)
	hdr.Set("icy-pub", "1")
	if metaInterval > 0 {
		hdr.Set("icy-metaint", strconv.Itoa(metaInterval))
	}

	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Headers", "Origin, Accept, X-Requested-With, Content-Type, Icy-MetaData")
	hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
}

// handleOptions answers CORS preflight requests
func (h *ListenerHandler) handleOptions(w http.ResponseWriter) {
	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", "*")
	hdr.Set("Access-Control-Allow-Methods", "GET, HEAD, OPTIONS")
	hdr.Set("Access-Control-Allow-Headers", "Origin, Accept, X-Requested-With, Content-Type, Icy-MetaData")
	hdr.Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// icyWriter interleaves an ICY metadata block every interval bytes of
// audio payload. The block repeats the empty marker between title
// changes, which is what clients expect.
type icyWriter struct {
	w          http.ResponseWriter
	nowPlaying *stream.NowPlaying
	interval   int
	byteCount  int
	lastTitle  string
}

func newICYWriter(w http.ResponseWriter, np *stream.NowPlaying, interval int) *icyWriter {
	return &icyWriter{w: w, nowPlaying: np, interval: interval}
}

// Write emits audio bytes, inserting a metadata block at each interval
// boundary. The returned count covers audio payload only, so byte
// accounting stays comparable with non-ICY listeners.
func (iw *icyWriter) Write(p []byte) (int, error) {
	written := 0

	for len(p) > 0 {
		untilMeta := iw.interval - iw.byteCount

		if untilMeta <= 0 {
			if err := iw.writeMetaBlock(); err != nil {
				return written, err
			}
			iw.byteCount = 0
			untilMeta = iw.interval
		}

		toWrite := len(p)
		if toWrite > untilMeta {
			toWrite = untilMeta
		}

		n, err := iw.w.Write(p[:toWrite])
		iw.byteCount += n
		written += n
		if err != nil {
			return written, err
		}
		p = p[toWrite:]
	}

	return written, nil
}

// writeMetaBlock sends the full block on title change and the one-byte
// empty block otherwise
func (iw *icyWriter) writeMetaBlock() error {
	title := iw.nowPlaying.StreamTitle()
	if title == iw.lastTitle {
		_, err := iw.w.Write([]byte{0})
		return err
	}
	iw.lastTitle = title

	_, err := iw.w.Write(stream.EncodeICYBlock(title))
	return err
}

// clientIP extracts the client address, honoring reverse-proxy headers
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		host = host[:idx]
	}
	return host
}
