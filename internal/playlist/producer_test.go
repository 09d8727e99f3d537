// Package playlist tests for the fallback producer
package playlist

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

// writeFile drops a file into dir and fails the test on error
func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

// id3Prefixed returns audio preceded by an ID3v2 tag of the given
// payload size (syncsafe-encoded)
func id3Prefixed(tagSize int, audio []byte) []byte {
	header := []byte{'I', 'D', '3', 3, 0, 0,
		byte(tagSize >> 21 & 0x7f), byte(tagSize >> 14 & 0x7f),
		byte(tagSize >> 7 & 0x7f), byte(tagSize & 0x7f)}
	out := append(header, make([]byte, tagSize)...)
	return append(out, audio...)
}

func newTestProducer(t *testing.T, dir string, shuffle bool) (*Producer, *stream.Ring, *stream.ProducerMux) {
	t.Helper()
	ring := stream.NewRing(1024 * 1024)
	mux := stream.NewProducerMux(ring, stats.NewCounters(), nil)
	p := NewProducer(Config{
		Directory:  dir,
		Extensions: []string{".mp3", ".ogg"},
		Shuffle:    shuffle,
		Ring:       ring,
		Mux:        mux,
		NowPlaying: &stream.NowPlaying{},
		Counters:   stats.NewCounters(),
	})
	return p, ring, mux
}

func TestScanFiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.mp3", []byte("aaaa"))
	writeFile(t, dir, "b.ogg", []byte("bbbb"))
	writeFile(t, dir, "B.MP3", []byte("BBBB")) // case-insensitive match
	writeFile(t, dir, "notes.txt", []byte("not audio"))
	writeFile(t, dir, "cover.jpg", []byte("not audio"))
	if err := os.Mkdir(filepath.Join(dir, "subdir.mp3"), 0755); err != nil {
		t.Fatal(err)
	}

	p, _, _ := newTestProducer(t, dir, false)
	if n := p.Scan(); n != 3 {
		t.Fatalf("Scan() = %d tracks, want 3", n)
	}

	// Unshuffled scan is sorted by name
	names := make([]string, 0, 3)
	for _, track := range p.Tracks() {
		names = append(names, track.Name)
	}
	want := []string{"B.MP3", "a.mp3", "b.ogg"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("track order = %v, want %v", names, want)
		}
	}
}

func TestScanMissingDirectory(t *testing.T) {
	p, _, _ := newTestProducer(t, "/nonexistent/playlist/dir", false)
	if n := p.Scan(); n != 0 {
		t.Errorf("Scan() on missing dir = %d, want 0", n)
	}
}

func TestScanShuffleKeepsAllTracks(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 20; i++ {
		writeFile(t, dir, string(rune('a'+i))+".mp3", []byte("x"))
	}

	p, _, _ := newTestProducer(t, dir, true)
	if n := p.Scan(); n != 20 {
		t.Fatalf("Scan() = %d, want 20", n)
	}

	seen := make(map[string]bool)
	for _, track := range p.Tracks() {
		seen[track.Name] = true
	}
	if len(seen) != 20 {
		t.Errorf("shuffle lost tracks: %d unique of 20", len(seen))
	}
}

func TestPlayTrackFeedsRing(t *testing.T) {
	dir := t.TempDir()
	audio := bytes.Repeat([]byte{0xAB}, 20000)
	writeFile(t, dir, "track.mp3", audio)

	p, ring, _ := newTestProducer(t, dir, false)
	p.Scan()

	if err := p.playTrack(context.Background(), p.Tracks()[0]); err != nil {
		t.Fatalf("playTrack error: %v", err)
	}

	got := ring.Read(len(audio))
	if !bytes.Equal(got, audio) {
		t.Error("ring contents differ from file contents")
	}
}

func TestPlayTrackSkipsID3Tag(t *testing.T) {
	dir := t.TempDir()
	audio := []byte("FRAMEDATAFRAMEDATA")
	writeFile(t, dir, "tagged.mp3", id3Prefixed(100, audio))

	p, ring, _ := newTestProducer(t, dir, false)
	p.Scan()

	if err := p.playTrack(context.Background(), p.Tracks()[0]); err != nil {
		t.Fatalf("playTrack error: %v", err)
	}

	got := ring.Read(len(audio))
	if !bytes.Equal(got, audio) {
		t.Errorf("ring contents = %q, want tag-stripped %q", got, audio)
	}
}

func TestPlayTrackYieldsToSource(t *testing.T) {
	dir := t.TempDir()
	// Big enough that the track cannot fit in one chunk
	writeFile(t, dir, "long.mp3", make([]byte, 64*1024))

	p, _, mux := newTestProducer(t, dir, false)
	p.Scan()

	// Source takes the ring before playback starts: the producer must
	// return promptly without writing
	if err := mux.AcquireSource(&stream.SourceSession{ID: "s1"}); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- p.playTrack(context.Background(), p.Tracks()[0]) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("playTrack error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playTrack kept running while source owned the ring")
	}
}

func TestWriteChunkRetriesUntilSpace(t *testing.T) {
	ring := stream.NewRing(8192)
	mux := stream.NewProducerMux(ring, nil, nil)
	p := NewProducer(Config{
		Directory:  t.TempDir(),
		Extensions: []string{".mp3"},
		Ring:       ring,
		Mux:        mux,
		Counters:   stats.NewCounters(),
	})

	// Fill the ring so the next write is rejected
	ring.Write(make([]byte, 8192))

	go func() {
		time.Sleep(20 * time.Millisecond)
		ring.Read(4096)
	}()

	if !p.writeChunk(context.Background(), make([]byte, 4096)) {
		t.Error("writeChunk returned false without cancellation")
	}
}

func TestWriteChunkCancellable(t *testing.T) {
	ring := stream.NewRing(4096)
	mux := stream.NewProducerMux(ring, nil, nil)
	p := NewProducer(Config{
		Directory:  t.TempDir(),
		Extensions: []string{".mp3"},
		Ring:       ring,
		Mux:        mux,
	})

	ring.Write(make([]byte, 4096)) // full; writes will be rejected forever

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- p.writeChunk(ctx, make([]byte, 1024)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("writeChunk reported success after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("writeChunk did not observe cancellation")
	}
}

func TestRetrySleepBounds(t *testing.T) {
	for _, fill := range []float64{0, 0.25, 0.5, 0.75, 1.0} {
		d := retrySleep(fill)
		if d < retrySleepMin || d > retrySleepMax {
			t.Errorf("retrySleep(%v) = %v, outside [%v, %v]", fill, d, retrySleepMin, retrySleepMax)
		}
	}
	if retrySleep(0.1) >= retrySleep(0.9) {
		t.Error("retry sleep should grow with ring fill")
	}
}

func TestRunWaitsForFilesThenPlays(t *testing.T) {
	dir := t.TempDir()
	p, ring, _ := newTestProducer(t, dir, false)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	// Empty at first; the producer parks on the rescan timer
	time.Sleep(50 * time.Millisecond)
	if ring.Available() != 0 {
		t.Fatal("bytes appeared with an empty playlist")
	}

	writeFile(t, dir, "late.mp3", bytes.Repeat([]byte{1}, 4096))

	deadline := time.Now().Add(2 * rescanInterval)
	for ring.Available() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if ring.Available() == 0 {
		t.Fatal("producer never picked up the late-added file")
	}
}
