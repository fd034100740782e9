package clock

import (
	"sync"
	"time"
)

// clock provides the wall-clock time used for lease expiry
// leases are stored as absolute epoch millis and compared across machines,
// so this is deliberately NOT a monotonic clock
type Clock interface {
	Now() time.Time
}

// reads time.Now
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// a clock that only moves when told to, used to drive expiry in tests
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// starts the clock at the given epoch millis
func NewManualMillis(ms int64) *Manual {
	return NewManual(time.UnixMilli(ms))
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func (m *Manual) SetMillis(ms int64) {
	m.Set(time.UnixMilli(ms))
}

func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// returns the expiration in epoch millis for a lease of ttl starting now
func ExpiresAtMillis(c Clock, ttl time.Duration) int64 {
	return c.Now().Add(ttl).UnixMilli()
}
