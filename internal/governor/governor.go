// Package governor serializes and budgets all outbound calls to the shared
// market-data/broker API across concurrently running bot instances.
//
// Every caller acquires a slot before issuing a network call and reports the
// outcome afterwards. Waiting callers are served strictly by priority (exit
// checks protecting open capital before opportunistic scans), the aggregate
// grant rate never exceeds the configured ceiling per rolling window, and two
// consecutive rate-limit outcomes trip a circuit breaker with an exponential
// cooldown ladder.
package governor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"condorbot/internal/metrics"
)

// Priority orders waiting callers. Higher values are served first.
type Priority int

const (
	// PriorityScan is for opportunistic entry scans and advisor queries.
	PriorityScan Priority = iota
	// PriorityEntry is for calls that are part of an in-flight entry.
	PriorityEntry
	// PriorityExit is for exit checks and close orders protecting open capital.
	PriorityExit
)

// ErrTimedOut is returned when a caller's context expires before a slot is
// granted. Callers must treat it as "insufficient information this cycle",
// never as a negative signal.
var ErrTimedOut = errors.New("governor: acquire timed out")

// rateLimitTripThreshold is the number of consecutive rate-limit outcomes
// that trips the breaker.
const rateLimitTripThreshold = 2

// BreakerState is the circuit breaker state.
type BreakerState int32

const (
	// BreakerClosed admits calls normally.
	BreakerClosed BreakerState = iota
	// BreakerOpen admits nothing until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits exactly one probe call.
	BreakerHalfOpen
)

// String implements fmt.Stringer for operator output.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// DefaultCooldowns is the breaker cooldown ladder: each consecutive trip
// waits longer, capped at the last entry.
var DefaultCooldowns = []time.Duration{5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}

// Config configures a Governor.
type Config struct {
	// Ceiling is the maximum number of grants per rolling Window.
	Ceiling int
	// Window is the rolling interval the ceiling applies to.
	Window time.Duration
	// Cooldowns overrides the breaker cooldown ladder when non-empty.
	Cooldowns []time.Duration
	// Tracker overrides the in-memory rolling window, e.g. with the
	// Redis-backed tracker when multiple processes share one budget.
	Tracker WindowTracker
	// Now overrides the clock for tests.
	Now func() time.Time
}

// WindowTracker tracks grants inside a rolling interval. Implementations are
// called with the governor lock held and must be cheap or bounded in latency.
type WindowTracker interface {
	// Reserve consumes one slot if available. When the window is full it
	// returns false and the earliest instant a slot may free (zero if
	// unknown, in which case the caller polls on its own schedule).
	Reserve(now time.Time) (bool, time.Time)
	// InWindow reports the current number of reserved slots.
	InWindow(now time.Time) int
}

// Stats is an operator-facing snapshot of governor state.
type Stats struct {
	Granted     uint64       `json:"granted"`
	TimedOut    uint64       `json:"timed_out"`
	Trips       uint64       `json:"breaker_trips"`
	Breaker     string       `json:"breaker_state"`
	InWindow    int          `json:"in_window"`
	Waiting     int          `json:"waiting"`
	CacheHits   uint64       `json:"cache_hits"`
	CacheMisses uint64       `json:"cache_misses"`
	Ceiling     int          `json:"ceiling"`
	Window      time.Duration `json:"window_ns"`
}

type waiter struct {
	priority  Priority
	seq       uint64
	ready     chan struct{}
	grant     *Grant
	granted   bool
	cancelled bool
}

// Grant is a permission to make exactly one outbound call. The holder must
// call Report once the call completes.
type Grant struct {
	g        *Governor
	probe    bool
	reported bool
}

// Governor is the process-wide shared gate. Safe for concurrent use; its
// mutex is the sole synchronization point in the system.
type Governor struct {
	mu      sync.Mutex
	ceiling int
	window  time.Duration
	tracker WindowTracker
	now     func() time.Time

	waiters waiterHeap
	seq     uint64

	breaker           BreakerState
	consecRateLimited int
	cooldowns         []time.Duration
	cooldownIdx       int
	reopenAt          time.Time
	probeInFlight     bool

	wake *time.Timer

	cache *Cache

	granted  uint64
	timedOut uint64
	trips    uint64
}

// New creates a Governor. The rate budget starts empty: prior quota usage is
// never assumed to survive a restart.
func New(cfg Config) *Governor {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	cooldowns := cfg.Cooldowns
	if len(cooldowns) == 0 {
		cooldowns = DefaultCooldowns
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = newMemoryWindow(cfg.Ceiling, cfg.Window)
	}
	return &Governor{
		ceiling:   cfg.Ceiling,
		window:    cfg.Window,
		tracker:   tracker,
		now:       now,
		cooldowns: cooldowns,
		cache:     NewCache(now),
	}
}

// Cache returns the governor's adaptive response cache. Hits never consume
// rate quota.
func (g *Governor) Cache() *Cache {
	return g.cache
}

// Acquire blocks until a slot is granted or ctx expires. Callers bound the
// wait with context.WithTimeout; expiry returns ErrTimedOut.
func (g *Governor) Acquire(ctx context.Context, p Priority) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimedOut
	}

	w := &waiter{priority: p, ready: make(chan struct{})}

	g.mu.Lock()
	g.seq++
	w.seq = g.seq
	heap.Push(&g.waiters, w)
	g.dispatchLocked()
	g.mu.Unlock()

	select {
	case <-w.ready:
		return w.grant, nil
	case <-ctx.Done():
		g.mu.Lock()
		defer g.mu.Unlock()
		if w.granted {
			// Granted while we were giving up; the slot is already
			// consumed, so hand it to the caller anyway.
			return w.grant, nil
		}
		w.cancelled = true
		g.timedOut++
		metrics.GovernorTimeouts.Inc()
		return nil, ErrTimedOut
	}
}

// Report records the outcome of the granted call. Two consecutive rate-limit
// outcomes trip the breaker; a successful half-open probe closes it, a failed
// probe reopens it with the next cooldown.
func (gr *Grant) Report(success, rateLimited bool) {
	g := gr.g
	g.mu.Lock()
	defer g.mu.Unlock()

	if gr.reported {
		return
	}
	gr.reported = true
	if gr.probe {
		g.probeInFlight = false
	}

	switch {
	case rateLimited:
		g.consecRateLimited++
		if g.breaker == BreakerHalfOpen || g.consecRateLimited >= rateLimitTripThreshold {
			g.tripLocked()
		}
	case success:
		g.consecRateLimited = 0
		if g.breaker == BreakerHalfOpen && gr.probe {
			g.breaker = BreakerClosed
			g.cooldownIdx = 0
			metrics.GovernorBreakerState.Set(float64(BreakerClosed))
		}
	default:
		// A non-rate-limit failure breaks the consecutive streak but a
		// failed probe still reopens the breaker.
		g.consecRateLimited = 0
		if g.breaker == BreakerHalfOpen && gr.probe {
			g.tripLocked()
		}
	}

	g.dispatchLocked()
}

// Stats returns a snapshot for operator-facing output.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	hits, misses := g.cache.counts()
	return Stats{
		Granted:     g.granted,
		TimedOut:    g.timedOut,
		Trips:       g.trips,
		Breaker:     g.breaker.String(),
		InWindow:    g.tracker.InWindow(g.now()),
		Waiting:     g.waiters.live(),
		CacheHits:   hits,
		CacheMisses: misses,
		Ceiling:     g.ceiling,
		Window:      g.window,
	}
}

// BreakerStatus returns the current breaker state.
func (g *Governor) BreakerStatus() BreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breaker
}

func (g *Governor) tripLocked() {
	g.breaker = BreakerOpen
	cd := g.cooldowns[g.cooldownIdx]
	if g.cooldownIdx < len(g.cooldowns)-1 {
		g.cooldownIdx++
	}
	g.reopenAt = g.now().Add(cd)
	g.consecRateLimited = 0
	g.trips++
	metrics.GovernorBreakerState.Set(float64(BreakerOpen))
	g.scheduleWakeLocked(g.reopenAt)
}

// dispatchLocked grants slots to waiting callers in priority order while the
// breaker and the rolling window admit them. Called with g.mu held.
func (g *Governor) dispatchLocked() {
	for {
		w := g.waiters.peekLive()
		if w == nil {
			return
		}

		now := g.now()
		switch g.breaker {
		case BreakerOpen:
			if now.Before(g.reopenAt) {
				g.scheduleWakeLocked(g.reopenAt)
				return
			}
			g.breaker = BreakerHalfOpen
			g.probeInFlight = false
			metrics.GovernorBreakerState.Set(float64(BreakerHalfOpen))
		case BreakerHalfOpen:
			if g.probeInFlight {
				return
			}
		}

		ok, retryAt := g.tracker.Reserve(now)
		if !ok {
			if !retryAt.IsZero() {
				g.scheduleWakeLocked(retryAt)
			} else {
				g.scheduleWakeLocked(now.Add(g.window / 10))
			}
			return
		}

		heap.Pop(&g.waiters)
		w.granted = true
		w.grant = &Grant{g: g, probe: g.breaker == BreakerHalfOpen}
		if w.grant.probe {
			g.probeInFlight = true
		}
		g.granted++
		metrics.GovernorGrants.Inc()
		close(w.ready)
	}
}

func (g *Governor) scheduleWakeLocked(at time.Time) {
	d := at.Sub(g.now())
	if d < 0 {
		d = 0
	}
	if g.wake == nil {
		g.wake = time.AfterFunc(d, func() {
			g.mu.Lock()
			g.dispatchLocked()
			g.mu.Unlock()
		})
		return
	}
	g.wake.Reset(d)
}

// waiterHeap orders waiters by priority (high first), then arrival order.
type waiterHeap []*waiter

func (h waiterHeap) Len() int { return len(h) }

func (h waiterHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h waiterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waiterHeap) Push(x any) { *h = append(*h, x.(*waiter)) }

func (h *waiterHeap) Pop() any {
	old := *h
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return w
}

// peekLive returns the highest-priority live waiter, discarding cancelled
// ones along the way.
func (h *waiterHeap) peekLive() *waiter {
	for h.Len() > 0 {
		w := (*h)[0]
		if !w.cancelled {
			return w
		}
		heap.Pop(h)
	}
	return nil
}

func (h waiterHeap) live() int {
	n := 0
	for _, w := range h {
		if !w.cancelled {
			n++
		}
	}
	return n
}

// memoryWindow is the default single-process rolling window.
type memoryWindow struct {
	ceiling int
	span    time.Duration
	grants  []time.Time
}

func newMemoryWindow(ceiling int, span time.Duration) *memoryWindow {
	return &memoryWindow{ceiling: ceiling, span: span}
}

func (w *memoryWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.grants) && !w.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.grants = append(w.grants[:0], w.grants[i:]...)
	}
}

func (w *memoryWindow) Reserve(now time.Time) (bool, time.Time) {
	w.prune(now)
	if len(w.grants) >= w.ceiling {
		return false, w.grants[0].Add(w.span)
	}
	w.grants = append(w.grants, now)
	return true, time.Time{}
}

func (w *memoryWindow) InWindow(now time.Time) int {
	w.prune(now)
	return len(w.grants)
}
