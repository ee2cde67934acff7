package kernel

import (
	"sort"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/fsutil"
)

// =============================================================================
// Sliding Window
// =============================================================================

// SlidingWindow counts events over a trailing window using sub-buckets.
type SlidingWindow struct {
	window      time.Duration
	bucketCount int
	buckets     map[int64]int
	mu          sync.RWMutex
}

// NewSlidingWindow creates a sliding window of the given length.
func NewSlidingWindow(window time.Duration) *SlidingWindow {
	return &SlidingWindow{
		window:      window,
		bucketCount: 10,
		buckets:     make(map[int64]int),
	}
}

func (w *SlidingWindow) bucketSize() time.Duration {
	size := w.window / time.Duration(w.bucketCount)
	if size <= 0 {
		size = time.Nanosecond
	}
	return size
}

func (w *SlidingWindow) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(w.bucketSize())
}

// oldestBucket is the first bucket still inside the window ending at t.
// The window spans exactly bucketCount buckets, the current one included.
func (w *SlidingWindow) oldestBucket(t time.Time) int64 {
	return w.bucketOf(t) - int64(w.bucketCount) + 1
}

// Record records an event at t and returns the count in the window.
func (w *SlidingWindow) Record(t time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	current := w.bucketOf(t)
	minBucket := w.oldestBucket(t)
	for b := range w.buckets {
		if b < minBucket {
			delete(w.buckets, b)
		}
	}

	w.buckets[current]++
	return w.countLocked(t)
}

// Count returns the number of events in the window ending at t.
func (w *SlidingWindow) Count(t time.Time) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.countLocked(t)
}

func (w *SlidingWindow) countLocked(t time.Time) int {
	minBucket := w.oldestBucket(t)
	count := 0
	for bucket, n := range w.buckets {
		if bucket >= minBucket {
			count += n
		}
	}
	return count
}

// TimeUntilSlotAvailable returns how long until the count drops below limit.
func (w *SlidingWindow) TimeUntilSlotAvailable(t time.Time, limit int) time.Duration {
	w.mu.RLock()
	defer w.mu.RUnlock()

	count := w.countLocked(t)
	if count < limit {
		return 0
	}

	minBucket := w.oldestBucket(t)
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= minBucket {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	size := int64(w.bucketSize())
	excess := count - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// The bucket leaves the window once oldestBucket passes it.
			leavesAt := time.Unix(0, (b+int64(w.bucketCount))*size)
			if d := leavesAt.Sub(t); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.window
}

// IsEmpty reports whether the window holds no buckets at all.
func (w *SlidingWindow) IsEmpty() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buckets) == 0
}

// =============================================================================
// Attempt Limiter
// =============================================================================

// AttemptLimiter caps how many times per hour any single target may be
// attempted. Targets are tracked by fsutil.TargetKey. A limit of zero or
// less disables the cap.
type AttemptLimiter struct {
	limit   int
	window  time.Duration
	windows map[string]*SlidingWindow
	now     func() time.Time
	mu      sync.Mutex
}

// NewAttemptLimiter creates a limiter allowing limit attempts per target per hour.
func NewAttemptLimiter(limit int) *AttemptLimiter {
	return &AttemptLimiter{
		limit:   limit,
		window:  time.Hour,
		windows: make(map[string]*SlidingWindow),
		now:     time.Now,
	}
}

// Limit returns the configured attempts per hour.
func (l *AttemptLimiter) Limit() int { return l.limit }

// Allow reports whether target may be attempted now. It does not record.
func (l *AttemptLimiter) Allow(target string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	w := l.windows[fsutil.TargetKey(target)]
	l.mu.Unlock()
	if w == nil {
		return true
	}
	return w.Count(l.now()) < l.limit
}

// Record counts one attempt against target.
func (l *AttemptLimiter) Record(target string) int {
	if l.limit <= 0 {
		return 0
	}
	key := fsutil.TargetKey(target)
	l.mu.Lock()
	w, ok := l.windows[key]
	if !ok {
		w = NewSlidingWindow(l.window)
		l.windows[key] = w
	}
	l.mu.Unlock()
	return w.Record(l.now())
}

// RetryAfter returns how long until target may be attempted again.
func (l *AttemptLimiter) RetryAfter(target string) time.Duration {
	if l.limit <= 0 {
		return 0
	}
	l.mu.Lock()
	w := l.windows[fsutil.TargetKey(target)]
	l.mu.Unlock()
	if w == nil {
		return 0
	}
	return w.TimeUntilSlotAvailable(l.now(), l.limit)
}

// Usage returns the attempt count per tracked target.
func (l *AttemptLimiter) Usage() map[string]int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	usage := make(map[string]int, len(l.windows))
	for target, w := range l.windows {
		usage[target] = w.Count(now)
	}
	return usage
}

// CleanupExpired drops windows with no attempts left in them.
// Called from the tick loop to bound memory.
func (l *AttemptLimiter) CleanupExpired() int {
	now := l.now()
	cleaned := 0

	l.mu.Lock()
	defer l.mu.Unlock()

	for target, w := range l.windows {
		if w.Count(now) == 0 {
			delete(l.windows, target)
			cleaned++
		}
	}
	return cleaned
}
