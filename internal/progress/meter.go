package progress

import (
	"sync"
	"time"
)

// SampleInterval is the default wall-clock width of one rate window.
const SampleInterval = 500 * time.Millisecond

// Stats represents a point-in-time snapshot of progress.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks byte progress and computes the rate over fixed sampling windows.
type Meter struct {
	mu         sync.Mutex
	total      int64
	done       int64
	startedAt  time.Time
	windowAt   time.Time
	windowDone int64
	rateBps    float64
	interval   time.Duration
	now        func() time.Time
}

// NewMeter returns a meter sampling every SampleInterval.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{interval: SampleInterval, now: now}
}

// SetInterval changes the sampling window width.
func (m *Meter) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.interval = d
	m.mu.Unlock()
}

// Start initializes the meter with a total size.
func (m *Meter) Start(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
	m.done = 0
	m.startedAt = m.now()
	m.windowAt = m.startedAt
	m.windowDone = 0
	m.rateBps = 0
}

// Add increments the completed byte count.
func (m *Meter) Add(n int) bool {
	if n <= 0 {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observeLocked(m.done + int64(n))
}

// Observe records the absolute completed byte count. It reports whether a new
// rate sample was taken.
func (m *Meter) Observe(done int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.observeLocked(done)
}

func (m *Meter) observeLocked(done int64) bool {
	if done < m.done {
		done = m.done
	}
	m.done = done
	now := m.now()
	elapsed := now.Sub(m.windowAt)
	if elapsed < m.interval {
		return false
	}
	m.rateBps = float64(m.done-m.windowDone) / elapsed.Seconds()
	m.windowAt = now
	m.windowDone = m.done
	return true
}

// ResetWindow restarts the current sampling window at the present byte count.
// Time spent before the reset does not count toward the next rate.
func (m *Meter) ResetWindow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowAt = m.now()
	m.windowDone = m.done
	m.rateBps = 0
}

// SetTotal updates the total bytes.
func (m *Meter) SetTotal(totalBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = totalBytes
}

// Snapshot returns a current snapshot of progress stats.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}
