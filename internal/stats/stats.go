// Package stats provides server statistics and metrics collection
package stats

import (
	"sync/atomic"
	"time"
)

// Counters holds the exported server counters. Writers update them
// atomically; readers (the status endpoints) load atomically without
// locking.
type Counters struct {
	startTime time.Time

	currentListeners int64
	peakListeners    int64
	bytesIn          int64
	bytesOut         int64
	evictions        int64
	totalConnections int64
	sourceConnected  atomic.Bool
}

// NewCounters creates a counter set with the uptime clock started
func NewCounters() *Counters {
	return &Counters{startTime: time.Now()}
}

// ListenerConnected increments the current count, bumps the peak if
// needed and records the connection
func (c *Counters) ListenerConnected() {
	n := atomic.AddInt64(&c.currentListeners, 1)
	atomic.AddInt64(&c.totalConnections, 1)

	for {
		peak := atomic.LoadInt64(&c.peakListeners)
		if n <= peak {
			break
		}
		if atomic.CompareAndSwapInt64(&c.peakListeners, peak, n) {
			break
		}
	}
}

// ListenerDisconnected decrements the current count
func (c *Counters) ListenerDisconnected() {
	atomic.AddInt64(&c.currentListeners, -1)
}

// ListenerEvicted records a broadcaster-initiated drop
func (c *Counters) ListenerEvicted() {
	atomic.AddInt64(&c.evictions, 1)
}

// AddBytesIn adds producer bytes written to the ring
func (c *Counters) AddBytesIn(n int64) {
	atomic.AddInt64(&c.bytesIn, n)
}

// AddBytesOut adds bytes delivered to listener sockets
func (c *Counters) AddBytesOut(n int64) {
	atomic.AddInt64(&c.bytesOut, n)
}

// SetSourceConnected flips the live-source flag
func (c *Counters) SetSourceConnected(connected bool) {
	c.sourceConnected.Store(connected)
}

// CurrentListeners returns the current listener count
func (c *Counters) CurrentListeners() int64 {
	return atomic.LoadInt64(&c.currentListeners)
}

// PeakListeners returns the peak listener count
func (c *Counters) PeakListeners() int64 {
	return atomic.LoadInt64(&c.peakListeners)
}

// BytesIn returns total bytes received from producers
func (c *Counters) BytesIn() int64 {
	return atomic.LoadInt64(&c.bytesIn)
}

// BytesOut returns total bytes sent to listeners
func (c *Counters) BytesOut() int64 {
	return atomic.LoadInt64(&c.bytesOut)
}

// Evictions returns the number of listeners dropped by the broadcaster
func (c *Counters) Evictions() int64 {
	return atomic.LoadInt64(&c.evictions)
}

// TotalConnections returns the lifetime listener connection count
func (c *Counters) TotalConnections() int64 {
	return atomic.LoadInt64(&c.totalConnections)
}

// SourceConnected reports whether a live source owns the ring
func (c *Counters) SourceConnected() bool {
	return c.sourceConnected.Load()
}

// StartTime returns when the counters were created
func (c *Counters) StartTime() time.Time {
	return c.startTime
}

// Uptime returns the server uptime
func (c *Counters) Uptime() time.Duration {
	return time.Since(c.startTime)
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Timestamp        time.Time     `json:"timestamp"`
	Uptime           time.Duration `json:"-"`
	UptimeSeconds    int64         `json:"uptime_seconds"`
	CurrentListeners int64         `json:"listeners_current"`
	PeakListeners    int64         `json:"listeners_peak"`
	BytesIn          int64         `json:"bytes_in_total"`
	BytesOut         int64         `json:"bytes_out_total"`
	Evictions        int64         `json:"evictions_total"`
	TotalConnections int64         `json:"connections_total"`
	SourceConnected  bool          `json:"source_connected"`
}

// Snapshot returns a point-in-time copy of the counters
func (c *Counters) Snapshot() Snapshot {
	uptime := c.Uptime()
	return Snapshot{
		Timestamp:        time.Now(),
		Uptime:           uptime,
		UptimeSeconds:    int64(uptime.Seconds()),
		CurrentListeners: c.CurrentListeners(),
		PeakListeners:    c.PeakListeners(),
		BytesIn:          c.BytesIn(),
		BytesOut:         c.BytesOut(),
		Evictions:        c.Evictions(),
		TotalConnections: c.TotalConnections(),
		SourceConnected:  c.SourceConnected(),
	}
}
