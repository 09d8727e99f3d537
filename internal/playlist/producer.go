// Package playlist implements the fallback producer that feeds the ring
// from local audio files whenever no live source is connected.
package playlist

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/cycast/cycast/internal/stats"
	"github.com/cycast/cycast/internal/stream"
)

const (
	// chunkSize is how much of a track is read per ring write
	chunkSize = 8192

	// rescanInterval is how often an empty playlist directory is
	// re-checked, so dropping files in brings the stream up without a
	// restart
	rescanInterval = 5 * time.Second

	// retrySleepMin/Max bound the pause after a rejected ring write; the
	// actual pause scales with ring fill
	retrySleepMin = 5 * time.Millisecond
	retrySleepMax = 20 * time.Millisecond
)

// Track is one playable file discovered in the playlist directory
type Track struct {
	Path string
	Name string
	Size int64

	// Probed from the MP3 header when possible; zero when unknown
	SampleRate int
	Duration   time.Duration
}

// Producer feeds the ring from a directory of audio files, iterating
// cyclically and deferring to the live source via the mux gate.
type Producer struct {
	directory  string
	extensions []string
	shuffle    bool

	ring       *stream.Ring
	mux        *stream.ProducerMux
	nowPlaying *stream.NowPlaying
	counters   *stats.Counters
	logger     *log.Logger
	verbose    bool
	onTrack    func(Track)

	tracks []Track
}

// Config configures a playlist producer
type Config struct {
	Directory  string
	Extensions []string
	Shuffle    bool
	Ring       *stream.Ring
	Mux        *stream.ProducerMux
	NowPlaying *stream.NowPlaying
	Counters   *stats.Counters
	Logger     *log.Logger
	Verbose    bool

	// OnTrack, when set, is called as each track starts
	OnTrack func(Track)
}

// NewProducer creates a playlist producer. The directory is scanned on
// Run, not here, so a missing directory at startup is not fatal.
func NewProducer(cfg Config) *Producer {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Producer{
		directory:  cfg.Directory,
		extensions: cfg.Extensions,
		shuffle:    cfg.Shuffle,
		ring:       cfg.Ring,
		mux:        cfg.Mux,
		nowPlaying: cfg.NowPlaying,
		counters:   cfg.Counters,
		logger:     cfg.Logger,
		verbose:    cfg.Verbose,
		onTrack:    cfg.OnTrack,
	}
}

// Scan enumerates the playlist directory, filtering by the extension
// allow-list and optionally shuffling. Returns the number of tracks.
func (p *Producer) Scan() int {
	p.tracks = nil

	entries, err := os.ReadDir(p.directory)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			p.logger.Printf("Playlist directory %s unreadable: %v", p.directory, err)
		}
		return 0
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !p.allowed(entry.Name()) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		track := Track{
			Path: filepath.Join(p.directory, entry.Name()),
			Name: entry.Name(),
			Size: info.Size(),
		}
		probeTrack(&track)
		p.tracks = append(p.tracks, track)
	}

	// Deterministic base order, then shuffle on top if enabled
	sort.Slice(p.tracks, func(i, j int) bool { return p.tracks[i].Name < p.tracks[j].Name })
	if p.shuffle {
		rand.Shuffle(len(p.tracks), func(i, j int) {
			p.tracks[i], p.tracks[j] = p.tracks[j], p.tracks[i]
		})
	}

	if len(p.tracks) > 0 {
		p.logger.Printf("Loaded %d files into playlist", len(p.tracks))
	}
	return len(p.tracks)
}

// Tracks returns the scanned track list
func (p *Producer) Tracks() []Track {
	return p.tracks
}

// allowed checks the extension allow-list, case-insensitively
func (p *Producer) allowed(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, allowed := range p.extensions {
		if ext == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}

// probeTrack reads the MP3 header for sample rate and an estimated
// duration. Probe failures leave the zero values; the track still plays,
// the logs just say less about it.
func probeTrack(t *Track) {
	if strings.ToLower(filepath.Ext(t.Path)) != ".mp3" {
		return
	}

	f, err := os.Open(t.Path)
	if err != nil {
		return
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return
	}

	t.SampleRate = dec.SampleRate()
	if t.SampleRate > 0 {
		// Decoder length is PCM bytes: 2 channels x 2 bytes per sample
		samples := dec.Length() / 4
		t.Duration = time.Duration(samples) * time.Second / time.Duration(t.SampleRate)
	}
}

// Run is the producer main loop. It rescans while the playlist is empty,
// then iterates tracks cyclically until the context is cancelled. While a
// source owns the ring the loop parks on the mux gate.
func (p *Producer) Run(ctx context.Context) {
	for p.Scan() == 0 {
		p.logger.Printf("No audio files in %s, rescanning in %s", p.directory, rescanInterval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(rescanInterval):
		}
	}

	idx := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !p.waitForGate(ctx) {
			return
		}

		track := p.tracks[idx]
		if err := p.playTrack(ctx, track); err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Printf("Error playing %s: %v", track.Name, err)
			// Per-file errors skip the track; they never stop the producer
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}

		idx = (idx + 1) % len(p.tracks)
	}
}

// waitForGate parks until the playlist owns the ring again
func (p *Producer) waitForGate(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-p.mux.Gate():
		return true
	}
}

// playTrack streams one file into the ring in chunks, yielding to the
// live source between chunks and pacing itself off ring rejections.
func (p *Producer) playTrack(ctx context.Context, track Track) error {
	f, err := os.Open(track.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := skipID3v2(f); err != nil {
		return err
	}

	if p.nowPlaying != nil {
		p.nowPlaying.Set(track.Name, "Playlist")
	}
	if p.onTrack != nil {
		p.onTrack(track)
	}
	if track.Duration > 0 {
		p.logger.Printf("Playing from playlist: %s (%s, %d Hz)",
			track.Name, track.Duration.Round(time.Second), track.SampleRate)
	} else {
		p.logger.Printf("Playing from playlist: %s", track.Name)
	}

	buf := make([]byte, chunkSize)
	var written int64

	for {
		// A source may have taken the ring mid-track; abandon the rest
		// of the file rather than write stale audio after the switch
		if !p.mux.PlaylistMayWrite() {
			if p.verbose {
				p.logger.Printf("Live source connected, pausing playlist mid-track (%s)", track.Name)
			}
			return nil
		}

		n, err := f.Read(buf)
		if n > 0 {
			if !p.writeChunk(ctx, buf[:n]) {
				return ctx.Err()
			}
			written += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if p.verbose {
		p.logger.Printf("Finished playing %s (%d bytes)", track.Name, written)
	}
	return nil
}

// writeChunk pushes one chunk into the ring, retrying rejected writes
// with a pause proportional to ring fill. Returns false only on
// cancellation.
func (p *Producer) writeChunk(ctx context.Context, chunk []byte) bool {
	for {
		if !p.mux.PlaylistMayWrite() {
			// Ownership changed under us; drop the chunk, the ring was
			// cleared anyway
			return true
		}
		if p.ring.Write(chunk) {
			if p.counters != nil {
				p.counters.AddBytesIn(int64(len(chunk)))
			}
			return true
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retrySleep(p.ring.FillPercent())):
		}
	}
}

// retrySleep scales the write-retry pause with ring fill: the fuller the
// ring, the longer the broadcaster needs to drain a chunk's worth
func retrySleep(fill float64) time.Duration {
	d := retrySleepMin + time.Duration(fill*float64(retrySleepMax-retrySleepMin))
	if d > retrySleepMax {
		d = retrySleepMax
	}
	return d
}

// skipID3v2 advances past an ID3v2 tag so the first ring bytes are audio
// frames, not tag data
func skipID3v2(f *os.File) error {
	header := make([]byte, 10)
	if _, err := io.ReadFull(f, header); err != nil {
		// Tiny file; play it from the start
		_, seekErr := f.Seek(0, io.SeekStart)
		return seekErr
	}

	if string(header[:3]) != "ID3" {
		_, err := f.Seek(0, io.SeekStart)
		return err
	}

	// Syncsafe 28-bit tag size
	size := int64(header[6]&0x7f)<<21 | int64(header[7]&0x7f)<<14 |
		int64(header[8]&0x7f)<<7 | int64(header[9]&0x7f)
	_, err := f.Seek(size+10, io.SeekStart)
	return err
}
