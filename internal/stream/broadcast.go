// Package stream implements the Cycast audio data plane
// This file implements the broadcaster: the single goroutine that owns
// the ring's reader role and fans chunks out to every listener.
package stream

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cycast/cycast/internal/stats"
)

var (
	// ErrMaxListeners is returned by Register when the configured cap
	// is reached
	ErrMaxListeners = errors.New("maximum listeners reached")
	// ErrBroadcasterStopped is returned by Register after Stop
	ErrBroadcasterStopped = errors.New("broadcaster stopped")
)

// Subscriber is one listener's view of the broadcast. The HTTP handler
// owns it: it drains C and calls Unregister on the way out. The
// broadcaster holds only the id and the send side of the queue, which it
// drops on the first failed delivery.
type Subscriber struct {
	ID          uint64
	RemoteAddr  string
	UserAgent   string
	ConnectedAt time.Time

	// C delivers chunks in producer order. It is closed exactly once,
	// by the broadcaster, on Unregister, eviction or shutdown.
	C <-chan []byte

	ch        chan []byte
	bytesSent int64
	active    atomic.Bool
}

// BytesSent returns bytes delivered to this subscriber's socket
func (s *Subscriber) BytesSent() int64 {
	return atomic.LoadInt64(&s.bytesSent)
}

// AddBytesSent is called by the HTTP handler after a successful write
func (s *Subscriber) AddBytesSent(n int) {
	atomic.AddInt64(&s.bytesSent, int64(n))
}

// Active reports whether the broadcaster still delivers to this
// subscriber. It transitions true to false exactly once.
func (s *Subscriber) Active() bool {
	return s.active.Load()
}

// Broadcaster reads fixed-size chunks from the ring and delivers each to
// all registered subscribers before reading the next. Delivery is a
// non-blocking channel send: a subscriber whose queue is full is evicted
// so one stalled client can never block the rest.
type Broadcaster struct {
	ring      *Ring
	chunkSize int
	queueCap  int
	maxSubs   int
	pacing    Pacing
	counters  *stats.Counters
	cycleHist *stats.Histogram
	logger    *log.Logger
	onEvict   func(*Subscriber)

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Options configures a Broadcaster
type Options struct {
	ChunkSize    int // bytes per broadcast cycle, default 16 KiB
	QueueCap     int // per-subscriber queue, in chunks, default 32
	MaxListeners int // 0 = unlimited
	Pacing       Pacing
	Counters     *stats.Counters
	CycleHist    *stats.Histogram // optional cycle latency tracking
	Logger       *log.Logger

	// OnEvict, when set, is called after a subscriber is dropped for a
	// full queue
	OnEvict func(*Subscriber)
}

// NewBroadcaster creates a broadcaster over the given ring
func NewBroadcaster(ring *Ring, opts Options) *Broadcaster {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 16384
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = 32
	}
	if opts.Counters == nil {
		opts.Counters = stats.NewCounters()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &Broadcaster{
		ring:      ring,
		chunkSize: opts.ChunkSize,
		queueCap:  opts.QueueCap,
		maxSubs:   opts.MaxListeners,
		pacing:    opts.Pacing.Normalize(),
		counters:  opts.Counters,
		cycleHist: opts.CycleHist,
		logger:    opts.Logger,
		onEvict:   opts.OnEvict,
		subs:      make(map[uint64]*Subscriber),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Register adds a subscriber and returns it. IDs are monotonically
// increasing and never reused.
func (b *Broadcaster) Register(remoteAddr, userAgent string) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.stopCh:
		return nil, ErrBroadcasterStopped
	default:
	}

	if b.maxSubs > 0 && len(b.subs) >= b.maxSubs {
		return nil, ErrMaxListeners
	}

	b.nextID++
	ch := make(chan []byte, b.queueCap)
	sub := &Subscriber{
		ID:          b.nextID,
		RemoteAddr:  remoteAddr,
		UserAgent:   userAgent,
		ConnectedAt: time.Now(),
		C:           ch,
		ch:          ch,
	}
	sub.active.Store(true)
	b.subs[sub.ID] = sub

	b.counters.ListenerConnected()
	return sub, nil
}

// Unregister removes a subscriber. Idempotent: calling it twice, or after
// an eviction, has the same effect as one call.
func (b *Broadcaster) Unregister(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if sub.active.CompareAndSwap(true, false) {
		close(sub.ch)
	}
	b.counters.ListenerDisconnected()
}

// IsActive reports whether the subscriber is still registered
func (b *Broadcaster) IsActive(id uint64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[id]
	return ok
}

// ListenerCount returns the number of registered subscribers
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Subscribers returns a snapshot of the registry for the stats endpoint
func (b *Broadcaster) Subscribers() []*Subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s)
	}
	return out
}

// Run is the broadcaster main loop. It returns when Stop is called.
// Callers run it on its own goroutine.
func (b *Broadcaster) Run() {
	defer close(b.doneCh)

	emptyReads := 0
	for {
		select {
		case <-b.stopCh:
			return
		default:
		}

		if b.ring.Available() < b.chunkSize {
			emptyReads++
			b.sleep(b.pacing.Select(b.ring.FillPercent(), emptyReads))
			continue
		}

		start := time.Now()
		chunk := b.ring.Read(b.chunkSize)
		if chunk == nil {
			// Raced with a Clear between the Available check and the
			// read; treat as an empty cycle
			emptyReads++
			b.sleep(b.pacing.Select(b.ring.FillPercent(), emptyReads))
			continue
		}
		emptyReads = 0

		b.deliver(chunk)

		if b.cycleHist != nil {
			b.cycleHist.ObserveDuration(time.Since(start))
		}

		b.sleep(b.pacing.Select(b.ring.FillPercent(), 0))
	}
}

// deliver enqueues the chunk on every subscriber, evicting any whose
// queue is full
func (b *Broadcaster) deliver(chunk []byte) {
	b.mu.RLock()
	var evicted []*Subscriber
	for _, sub := range b.subs {
		select {
		case sub.ch <- chunk:
		default:
			evicted = append(evicted, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range evicted {
		b.evict(sub)
	}
}

// evict drops a subscriber that cannot keep up. The handler observes the
// closed channel and tears the connection down.
func (b *Broadcaster) evict(sub *Subscriber) {
	b.mu.Lock()
	_, ok := b.subs[sub.ID]
	if ok {
		delete(b.subs, sub.ID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	if sub.active.CompareAndSwap(true, false) {
		close(sub.ch)
	}
	b.counters.ListenerDisconnected()
	b.counters.ListenerEvicted()
	b.logger.Printf("Listener %d (%s) evicted: queue full", sub.ID, sub.RemoteAddr)
	if b.onEvict != nil {
		b.onEvict(sub)
	}
}

// sleep waits for d or until Stop
func (b *Broadcaster) sleep(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-b.stopCh:
	case <-timer.C:
	}
}

// Stop halts the main loop and closes every subscriber channel, which
// unwinds all listener handlers. Safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh

		b.mu.Lock()
		subs := make([]*Subscriber, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.subs = make(map[uint64]*Subscriber)
		b.mu.Unlock()

		for _, sub := range subs {
			if sub.active.CompareAndSwap(true, false) {
				close(sub.ch)
			}
			b.counters.ListenerDisconnected()
		}
	})
}
