// Package stream tests for the producer switching state machine
package stream

import (
	"bytes"
	"testing"
	"time"

	"github.com/cycast/cycast/internal/stats"
)

func TestMuxInitialMode(t *testing.T) {
	ring := NewRing(1024)
	m := NewProducerMux(ring, nil, nil)

	if m.Mode() != ModePlaylist {
		t.Errorf("initial mode = %v, want playlist", m.Mode())
	}
	if !m.PlaylistMayWrite() {
		t.Error("playlist should own the ring initially")
	}

	// Gate is open: the select must not block
	select {
	case <-m.Gate():
	default:
		t.Error("gate should be open in playlist mode")
	}
}

func TestMuxAcquireClearsRing(t *testing.T) {
	counters := stats.NewCounters()
	ring := NewRing(1024)
	m := NewProducerMux(ring, counters, nil)

	// Playlist audio already buffered
	ring.Write([]byte("playlist tail bytes"))

	session := &SourceSession{ID: "s1", RemoteAddr: "10.0.0.1:5000", AuthenticatedAt: time.Now()}
	if err := m.AcquireSource(session); err != nil {
		t.Fatalf("AcquireSource error: %v", err)
	}

	if m.Mode() != ModeSource {
		t.Errorf("mode = %v after acquire, want source", m.Mode())
	}
	if ring.Available() != 0 {
		t.Error("ring not cleared on playlist -> source switch")
	}
	if !counters.SourceConnected() {
		t.Error("source_connected flag not set")
	}
	if m.PlaylistMayWrite() {
		t.Error("playlist may still write while source owns the ring")
	}

	// First byte after the switch is the source's first byte
	ring.Write([]byte("live"))
	if got := ring.Read(4); !bytes.Equal(got, []byte("live")) {
		t.Errorf("first post-switch read = %q, want %q", got, "live")
	}
}

func TestMuxSecondSourceRejected(t *testing.T) {
	ring := NewRing(1024)
	m := NewProducerMux(ring, nil, nil)

	if err := m.AcquireSource(&SourceSession{ID: "s1"}); err != nil {
		t.Fatalf("first AcquireSource error: %v", err)
	}
	if err := m.AcquireSource(&SourceSession{ID: "s2"}); err != ErrSourceConnected {
		t.Errorf("second AcquireSource error = %v, want ErrSourceConnected", err)
	}
}

func TestMuxReleaseResumesPlaylist(t *testing.T) {
	counters := stats.NewCounters()
	ring := NewRing(1024)
	m := NewProducerMux(ring, counters, nil)

	m.AcquireSource(&SourceSession{ID: "s1"})
	ring.Write([]byte("source tail"))

	m.ReleaseSource("s1")

	if m.Mode() != ModePlaylist {
		t.Errorf("mode = %v after release, want playlist", m.Mode())
	}
	if ring.Available() != 0 {
		t.Error("ring not cleared on source -> playlist switch")
	}
	if counters.SourceConnected() {
		t.Error("source_connected flag still set after release")
	}

	select {
	case <-m.Gate():
	case <-time.After(time.Second):
		t.Error("gate not reopened for the playlist")
	}
}

func TestMuxStaleReleaseIgnored(t *testing.T) {
	ring := NewRing(1024)
	m := NewProducerMux(ring, nil, nil)

	m.AcquireSource(&SourceSession{ID: "s1"})

	// A release from a session that does not own the ring is a no-op
	m.ReleaseSource("someone-else")
	if m.Mode() != ModeSource {
		t.Errorf("stale release changed mode to %v", m.Mode())
	}

	// And releasing twice only transitions once
	m.ReleaseSource("s1")
	gen := ring.Generation()
	m.ReleaseSource("s1")
	if ring.Generation() != gen {
		t.Error("double release cleared the ring again")
	}
}

func TestMuxGateBlocksPlaylistDuringSource(t *testing.T) {
	ring := NewRing(1024)
	m := NewProducerMux(ring, nil, nil)

	m.AcquireSource(&SourceSession{ID: "s1"})

	select {
	case <-m.Gate():
		t.Error("gate open while source owns the ring")
	case <-time.After(20 * time.Millisecond):
	}

	// A playlist goroutine parked on the gate wakes on release
	woke := make(chan struct{})
	go func() {
		<-m.Gate()
		close(woke)
	}()

	m.ReleaseSource("s1")

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Error("parked playlist goroutine did not wake on release")
	}
}

func TestModeString(t *testing.T) {
	tests := []struct {
		mode Mode
		want string
	}{
		{ModeNone, "none"},
		{ModePlaylist, "playlist"},
		{ModeSource, "source"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("Mode(%d).String() = %q, want %q", tt.mode, got, tt.want)
		}
	}
}
