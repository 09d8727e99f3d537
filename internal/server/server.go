// Package server handles the listener-facing HTTP surface
// This file wires the components together and owns their lifecycles.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/cycast/cycast/internal/auth"
	"github.com/cycast/cycast/internal/config"
	"github.com/cycast/cycast/internal/playlist"
	"github.com/cycast/cycast/internal/source"
	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

// ErrBind marks port-bind failures so main can exit with the right code
var ErrBind = errors.New("port bind failed")

// Server owns every long-lived component: the ring, the producers, the
// broadcaster, the source acceptor and the listener HTTP server.
type Server struct {
	settings *config.Settings
	logger   *log.Logger

	ring        *stream.Ring
	mux         *stream.ProducerMux
	broadcaster *stream.Broadcaster
	nowPlaying  *stream.NowPlaying
	producer    *playlist.Producer
	acceptor    *source.Acceptor

	counters  *stats.Counters
	ttfbHist  *stats.Histogram
	cycleHist *stats.Histogram
	outMeter  *stats.ThroughputMeter
	activity  *ActivityLog

	httpServer *http.Server
	httpLn     net.Listener

	cancelProducer context.CancelFunc
}

// New builds an unstarted server from validated settings
func New(settings *config.Settings, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}

	counters := stats.NewCounters()
	ttfbHist := stats.NewLatencyHistogram()
	cycleHist := stats.NewLatencyHistogram()
	outMeter := stats.NewThroughputMeter()
	activity := NewActivityLog(200)

	ring := stream.NewRing(settings.BufferBytes)
	mux := stream.NewProducerMux(ring, counters, logger)
	nowPlaying := &stream.NowPlaying{}
	nowPlaying.Set(settings.StationName, "")

	broadcaster := stream.NewBroadcaster(ring, stream.Options{
		ChunkSize:    settings.ChunkSize,
		QueueCap:     settings.ListenerQueue,
		MaxListeners: settings.MaxListeners,
		Pacing: stream.Pacing{
			High:   settings.SleepHigh,
			Medium: settings.SleepMedium,
			Low:    settings.SleepLow,
		},
		Counters:  counters,
		CycleHist: cycleHist,
		Logger:    logger,
		OnEvict: func(sub *stream.Subscriber) {
			activity.Addf(EventListenerEvict, "listener %d (%s) evicted: queue full", sub.ID, sub.RemoteAddr)
		},
	})

	producer := playlist.NewProducer(playlist.Config{
		Directory:  settings.PlaylistDirectory,
		Extensions: settings.PlaylistExtensions,
		Shuffle:    settings.PlaylistShuffle,
		Ring:       ring,
		Mux:        mux,
		NowPlaying: nowPlaying,
		Counters:   counters,
		Logger:     logger,
		Verbose:    settings.VerboseLogging,
		OnTrack: func(t playlist.Track) {
			activity.Addf(EventTrackChange, "playing %s", t.Name)
		},
	})

	acceptor := source.NewAcceptor(source.Config{
		Addr:          fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.SourcePort),
		MountPoint:    settings.Server.MountPoint,
		SourceTimeout: settings.SourceTimeout,
		Ring:          ring,
		Mux:           mux,
		NowPlaying:    nowPlaying,
		Authenticator: auth.NewAuthenticator(settings.Server.SourcePassword),
		Counters:      counters,
		Logger:        logger,
		Verbose:       settings.VerboseLogging,
		OnSessionStart: func(sess *stream.SourceSession) {
			activity.Addf(EventSourceConnect, "source connected from %s", sess.RemoteAddr)
		},
		OnSessionEnd: func(sess *stream.SourceSession) {
			activity.Addf(EventSourceDisconnect, "source %s disconnected (%d bytes)", sess.RemoteAddr, sess.BytesReceived)
		},
	})

	return &Server{
		settings:    settings,
		logger:      logger,
		ring:        ring,
		mux:         mux,
		broadcaster: broadcaster,
		nowPlaying:  nowPlaying,
		producer:    producer,
		acceptor:    acceptor,
		counters:    counters,
		ttfbHist:    ttfbHist,
		cycleHist:   cycleHist,
		outMeter:    outMeter,
		activity:    activity,
	}
}

// Counters exposes the server's counter set
func (s *Server) Counters() *stats.Counters {
	return s.counters
}

// Start binds both ports and launches every component goroutine.
// Bind failures wrap ErrBind.
func (s *Server) Start() error {
	// Bind both ports before starting anything so a half-up server
	// never streams
	if err := s.acceptor.Listen(); err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}

	listenAddr := fmt.Sprintf("%s:%d", s.settings.Server.Host, s.settings.Server.ListenPort)
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		s.acceptor.Stop()
		return fmt.Errorf("%w: listener port: %v", ErrBind, err)
	}
	s.httpLn = ln

	s.httpServer = &http.Server{
		Handler: s.routes(),
		// No write timeout: listener connections are intentionally
		// unbounded streams
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.broadcaster.Run()
	go s.acceptor.Serve()

	producerCtx, cancel := context.WithCancel(context.Background())
	s.cancelProducer = cancel
	go s.producer.Run(producerCtx)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("HTTP server error: %v", err)
		}
	}()

	s.logger.Printf("Listener server on http://%s%s", listenAddr, s.settings.Server.MountPoint)
	s.logger.Printf("Status page on http://%s/", listenAddr)
	return nil
}

// routes builds the HTTP mux: the mount plus the status surface
func (s *Server) routes() http.Handler {
	listenerHandler := NewListenerHandler(
		s.broadcaster, s.nowPlaying, s.settings, s.counters,
		s.ttfbHist, s.outMeter, s.activity, s.logger)
	statusHandler := NewStatusHandler(
		s.broadcaster, s.ring, s.mux, s.nowPlaying, s.settings, s.counters,
		s.ttfbHist, s.cycleHist, s.outMeter, s.activity, s.logger)

	m := http.NewServeMux()
	m.Handle(s.settings.Server.MountPoint, listenerHandler)
	m.HandleFunc("/api/status", statusHandler.HandleStatus)
	m.HandleFunc("/api/stats", statusHandler.HandleStats)
	m.HandleFunc("/", statusHandler.HandleIndex)
	return m
}

// Stop tears components down in dependency order: producers first, then
// the broadcaster (which unwinds listener handlers), then the HTTP
// server within the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancelProducer != nil {
		s.cancelProducer()
	}
	s.acceptor.Stop()

	s.broadcaster.Stop()
	s.ring.Close()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
	}
	return nil
}
