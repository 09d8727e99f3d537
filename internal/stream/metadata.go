// Package stream implements the Cycast audio data plane
// This file holds the now-playing metadata shared between producers and
// the listener/status surfaces, plus the ICY wire helpers.
package stream

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
)

// NowPlaying is the current stream metadata. Producers set it (playlist
// on track change, source via ICY passthrough); the listener handler and
// status endpoints read it.
type NowPlaying struct {
	mu     sync.RWMutex
	title  string
	artist string
}

// Set replaces the current title and artist
func (n *NowPlaying) Set(title, artist string) {
	n.mu.Lock()
	n.title = title
	n.artist = artist
	n.mu.Unlock()
}

// Get returns the current title and artist
func (n *NowPlaying) Get() (title, artist string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.title, n.artist
}

// StreamTitle formats the metadata the way ICY clients display it
func (n *NowPlaying) StreamTitle() string {
	title, artist := n.Get()
	if artist != "" && title != "" {
		return artist + " - " + title
	}
	if title != "" {
		return title
	}
	return artist
}

var streamTitleMarker = []byte("StreamTitle='")

// ParseICYTitle extracts a StreamTitle='...'; tag from raw source data
// and splits an "Artist - Track" form. Sources that interleave ICY
// metadata in-band get their titles passed through to listeners.
func ParseICYTitle(data []byte) (title, artist string, ok bool) {
	start := bytes.Index(data, streamTitleMarker)
	if start < 0 {
		return "", "", false
	}
	start += len(streamTitleMarker)

	end := bytes.Index(data[start:], []byte("';"))
	if end < 0 {
		return "", "", false
	}

	full := string(data[start : start+end])
	if before, after, found := strings.Cut(full, " - "); found {
		return strings.TrimSpace(after), strings.TrimSpace(before), true
	}
	return full, "", true
}

// EncodeICYBlock renders an ICY metadata block: a length byte counting
// 16-byte units followed by the padded StreamTitle payload. An empty
// title encodes as the single zero byte clients expect between changes.
func EncodeICYBlock(streamTitle string) []byte {
	if streamTitle == "" {
		return []byte{0}
	}

	meta := fmt.Sprintf("StreamTitle='%s';", escapeICY(streamTitle))

	blocks := (len(meta) + 15) / 16
	if blocks > 255 {
		blocks = 255
		meta = meta[:255*16]
	}

	out := make([]byte, 1+blocks*16)
	out[0] = byte(blocks)
	copy(out[1:], meta)
	return out
}

// escapeICY strips characters that would break the quoted tag
func escapeICY(s string) string {
	s = strings.ReplaceAll(s, "'", "`")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}
