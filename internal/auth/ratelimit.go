package auth

import (
	"sync"
	"time"
)

// RateLimiter keeps a sliding window of request timestamps per key.
//
// Each key has its own lock, so unrelated clients never contend. Timestamps
// that fall out of the window are dropped lazily whenever the key is touched,
// and a key whose window empties is removed from the map.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	windows sync.Map // string -> *hitWindow
}

type hitWindow struct {
	mu   sync.Mutex
	hits []time.Time // ascending
	dead bool        // removed from the map; callers must re-fetch
}

// NewRateLimiter returns a limiter allowing limit requests per window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{limit: limit, window: window, now: now}
}

// Limited reports whether key has reached the limit within the trailing
// window. Unknown keys have zero recent requests.
func (l *RateLimiter) Limited(key string) bool {
	if l.limit <= 0 {
		return false
	}

	v, ok := l.windows.Load(key)
	if !ok {
		return false
	}
	w := v.(*hitWindow)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.prune(l.now().Add(-l.window))
	n := len(w.hits)
	if n == 0 && !w.dead {
		w.dead = true
		l.windows.CompareAndDelete(key, w)
	}
	return n >= l.limit
}

// Record appends the current time to key's window.
func (l *RateLimiter) Record(key string) {
	for {
		v, ok := l.windows.Load(key)
		if !ok {
			v, _ = l.windows.LoadOrStore(key, &hitWindow{})
		}
		w := v.(*hitWindow)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}
		now := l.now()
		w.hits = append(w.hits, now)
		w.prune(now.Add(-l.window))
		w.mu.Unlock()
		return
	}
}

// Count returns the number of requests for key inside the current window.
func (l *RateLimiter) Count(key string) int {
	v, ok := l.windows.Load(key)
	if !ok {
		return 0
	}
	w := v.(*hitWindow)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(l.now().Add(-l.window))
	return len(w.hits)
}

// prune drops every hit at or before cutoff. Caller holds w.mu.
func (w *hitWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	n := copy(w.hits, w.hits[i:])
	w.hits = w.hits[:n]
}
