// Package stats holds the per-instance counters a proxy listener updates from
// its connection handlers.
package stats

import (
	"sync/atomic"
	"time"
)

// Counter is safe for concurrent use. The zero value is not usable; call New.
type Counter struct {
	requests     atomic.Uint64
	bytes        atomic.Uint64
	authFailures atomic.Uint64
	rateLimited  atomic.Uint64
	active       atomic.Int64

	startTime time.Time
	now       func() time.Time
}

// Snapshot is an immutable copy of a Counter at one instant.
type Snapshot struct {
	RequestsCount     uint64        `json:"requests_count"`
	BytesTransferred  uint64        `json:"bytes_transferred"`
	AuthFailures      uint64        `json:"auth_failures"`
	RateLimited       uint64        `json:"rate_limited"`
	ConnectionsActive int64         `json:"connections_active"`
	StartTime         time.Time     `json:"start_time"`
	Uptime            time.Duration `json:"uptime"`
}

func New() *Counter {
	return NewWithClock(time.Now)
}

// NewWithClock is New with an injectable time source.
func NewWithClock(now func() time.Time) *Counter {
	return &Counter{startTime: now(), now: now}
}

func (c *Counter) AddRequest() { c.requests.Add(1) }

func (c *Counter) AddBytes(n int64) {
	if n > 0 {
		c.bytes.Add(uint64(n))
	}
}

func (c *Counter) AddAuthFailure() { c.authFailures.Add(1) }

func (c *Counter) AddRateLimited() { c.rateLimited.Add(1) }

func (c *Counter) ConnOpened() { c.active.Add(1) }

// ConnClosed decrements the active connection gauge without letting it drop
// below zero.
func (c *Counter) ConnClosed() {
	for {
		cur := c.active.Load()
		if cur <= 0 {
			return
		}
		if c.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

func (c *Counter) StartTime() time.Time { return c.startTime }

func (c *Counter) Uptime() time.Duration {
	return c.now().Sub(c.startTime)
}

func (c *Counter) Snapshot() Snapshot {
	return Snapshot{
		RequestsCount:     c.requests.Load(),
		BytesTransferred:  c.bytes.Load(),
		AuthFailures:      c.authFailures.Load(),
		RateLimited:       c.rateLimited.Load(),
		ConnectionsActive: c.active.Load(),
		StartTime:         c.startTime,
		Uptime:            c.Uptime(),
	}
}
