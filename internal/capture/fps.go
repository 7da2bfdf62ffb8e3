package capture

import "time"

// FPSMeter reports the frame rate averaged over the last N frame timestamps.
type FPSMeter struct {
	stamps []time.Time
	next   int
	full   bool
}

// NewFPSMeter returns a meter over a window of n frames (at least 2).
func NewFPSMeter(n int) *FPSMeter {
	if n < 2 {
		n = 2
	}
	return &FPSMeter{stamps: make([]time.Time, n)}
}

// Tick records a frame at t.
func (m *FPSMeter) Tick(t time.Time) {
	m.stamps[m.next] = t
	m.next = (m.next + 1) % len(m.stamps)
	if m.next == 0 {
		m.full = true
	}
}

// Rate returns frames per second across the window, or 0 until two frames
// have been seen.
func (m *FPSMeter) Rate() float64 {
	n := m.next
	oldest := 0
	if m.full {
		n = len(m.stamps)
		oldest = m.next
	}
	if n < 2 {
		return 0
	}
	newest := (m.next - 1 + len(m.stamps)) % len(m.stamps)
	span := m.stamps[newest].Sub(m.stamps[oldest])
	if span <= 0 {
		return 0
	}
	return float64(n-1) / span.Seconds()
}

// Reset forgets every recorded frame.
func (m *FPSMeter) Reset() {
	m.next = 0
	m.full = false
}
