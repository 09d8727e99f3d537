// Package stream implements the Cycast audio data plane
// This file implements the producer switching state machine that decides
// whether the live source or the playlist owns the ring's writer role.
package stream

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cycast/cycast/internal/stats"
)

// ErrSourceConnected is returned when a second source tries to take the
// ring while one is live
var ErrSourceConnected = errors.New("source already connected")

// Mode identifies which producer owns the ring
type Mode int

const (
	// ModeNone means no producer has been started yet
	ModeNone Mode = iota
	// ModePlaylist means the playlist producer owns the ring
	ModePlaylist
	// ModeSource means an authenticated live source owns the ring
	ModeSource
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModePlaylist:
		return "playlist"
	case ModeSource:
		return "source"
	default:
		return "none"
	}
}

// SourceSession describes one authenticated live source
type SourceSession struct {
	ID              string
	RemoteAddr      string
	AuthenticatedAt time.Time
	BytesReceived   int64
}

// ProducerMux arbitrates the ring's single-writer role between the live
// source and the playlist. The ring is cleared on every transition so
// listeners never see two bitstreams spliced mid-frame; they stay
// connected and simply hear a brief gap.
//
// The playlist producer checks PlaylistMayWrite() before every chunk, so
// after a source takes over it stops writing within one chunk, and then
// parks on Gate() until the source releases the ring.
type ProducerMux struct {
	ring     *Ring
	counters *stats.Counters
	logger   *log.Logger

	mu      sync.Mutex
	mode    Mode
	session *SourceSession

	// gate is open (closed channel) while the playlist may write and is
	// swapped for an open channel while a source holds the ring
	gate chan struct{}
}

// NewProducerMux creates a mux in playlist mode with the gate open
func NewProducerMux(ring *Ring, counters *stats.Counters, logger *log.Logger) *ProducerMux {
	if logger == nil {
		logger = log.Default()
	}
	gate := make(chan struct{})
	close(gate)
	return &ProducerMux{
		ring:     ring,
		counters: counters,
		logger:   logger,
		mode:     ModePlaylist,
		gate:     gate,
	}
}

// Mode returns the current producer mode
func (m *ProducerMux) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Session returns a copy of the live source session, if any
func (m *ProducerMux) Session() (SourceSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return SourceSession{}, false
	}
	return *m.session, true
}

// AcquireSource transitions Playlist -> Source. The playlist gate is
// shut first, then the ring is cleared, so the first byte listeners see
// after the switch is the source's first byte.
func (m *ProducerMux) AcquireSource(session *SourceSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode == ModeSource {
		return ErrSourceConnected
	}

	m.gate = make(chan struct{}) // shut
	m.mode = ModeSource
	m.session = session
	m.ring.Clear()

	if m.counters != nil {
		m.counters.SetSourceConnected(true)
	}
	m.logger.Printf("Producer switch: playlist -> source (%s)", session.RemoteAddr)
	return nil
}

// ReleaseSource transitions Source -> Playlist. Only the session that
// acquired the ring may release it; a stale release is a no-op.
func (m *ProducerMux) ReleaseSource(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != ModeSource || m.session == nil || m.session.ID != sessionID {
		return
	}

	remote := m.session.RemoteAddr
	m.mode = ModePlaylist
	m.session = nil
	m.ring.Clear()
	close(m.gate) // reopen for the playlist

	if m.counters != nil {
		m.counters.SetSourceConnected(false)
	}
	m.logger.Printf("Producer switch: source (%s) -> playlist", remote)
}

// Gate returns a channel that is closed while the playlist may write.
// The playlist producer selects on it before each track; while a source
// owns the ring the channel blocks.
func (m *ProducerMux) Gate() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate
}

// PlaylistMayWrite reports whether the playlist currently owns the ring
func (m *ProducerMux) PlaylistMayWrite() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode == ModePlaylist
}
