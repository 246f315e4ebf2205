package scheduler

import (
	"sync"
	"time"
)

type txRecord struct {
	at      time.Time
	airtime time.Duration
}

// dutyMeter enforces the per-channel duty-cycle budget: cumulative transmit
// time per frequency over a rolling window, bounded by the region plan's
// ratio.
type dutyMeter struct {
	mu      sync.Mutex
	window  time.Duration
	ratio   float64
	records map[uint32][]txRecord
}

func newDutyMeter(window time.Duration, ratio float64) *dutyMeter {
	return &dutyMeter{
		window:  window,
		ratio:   ratio,
		records: make(map[uint32][]txRecord),
	}
}

// Allow reports whether transmitting airtime on frequency now stays within
// budget, and records the transmission if so. Records older than the
// window are pruned on each call.
func (m *dutyMeter) Allow(frequency uint32, airtime time.Duration, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	budget := time.Duration(float64(m.window) * m.ratio)
	cutoff := now.Add(-m.window)

	kept := m.records[frequency][:0]
	var used time.Duration
	for _, r := range m.records[frequency] {
		if r.at.After(cutoff) {
			kept = append(kept, r)
			used += r.airtime
		}
	}
	m.records[frequency] = kept

	if used+airtime > budget {
		return false
	}
	m.records[frequency] = append(m.records[frequency], txRecord{at: now, airtime: airtime})
	return true
}
