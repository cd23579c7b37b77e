// Package perf tracks evaluation latency and SLA compliance.
//
// The monitor keeps a rolling window of recent evaluations with per-signal
// timing breakdowns. It only observes; nothing in this package influences
// a risk decision.
package perf

import (
	"sort"
	"sync"
	"time"
)

// Sample is one recorded evaluation.
type Sample struct {
	TransactionID    string                   `json:"transactionId"`
	Decision         string                   `json:"decision"`
	Total            time.Duration            `json:"-"`
	TotalMs          float64                  `json:"totalMs"`
	PerSignal        map[string]time.Duration `json:"-"`
	PerSignalMs      map[string]float64       `json:"perSignalMs"`
	Degraded         bool                     `json:"degraded"`
	DeadlineExceeded bool                     `json:"deadlineExceeded"`
	At               time.Time                `json:"at"`
}

// Summary is a point-in-time view of the rolling window.
type Summary struct {
	Count            int              `json:"count"`
	P50Ms            float64          `json:"p50Ms"`
	P95Ms            float64          `json:"p95Ms"`
	P99Ms            float64          `json:"p99Ms"`
	SLATargetMs      float64          `json:"slaTargetMs"`
	SLACompliant     bool             `json:"slaCompliant"`
	DeadlineBreaches int64            `json:"deadlineBreaches"`
	Degradations     map[string]int64 `json:"degradations"`
	PersistFailures  int64            `json:"persistFailures"`
}

// Monitor keeps a fixed-size rolling window of evaluation samples.
type Monitor struct {
	mu               sync.RWMutex
	window           []Sample // ring buffer
	next             int
	filled           bool
	slaTarget        time.Duration
	deadlineBreaches int64
	degradations     map[string]int64
	persistFailures  int64
}

// New creates a monitor with the given window size and P95 SLA target.
func New(windowSize int, slaTarget time.Duration) *Monitor {
	if windowSize <= 0 {
		windowSize = 1024
	}
	return &Monitor{
		window:       make([]Sample, windowSize),
		slaTarget:    slaTarget,
		degradations: make(map[string]int64),
	}
}

// Record adds a sample to the rolling window.
func (m *Monitor) Record(s Sample) {
	s.TotalMs = float64(s.Total) / float64(time.Millisecond)
	if s.PerSignal != nil {
		s.PerSignalMs = make(map[string]float64, len(s.PerSignal))
		for k, v := range s.PerSignal {
			s.PerSignalMs[k] = float64(v) / float64(time.Millisecond)
		}
	}
	if s.At.IsZero() {
		s.At = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.window[m.next] = s
	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.filled = true
	}
	if s.DeadlineExceeded {
		m.deadlineBreaches++
	}
}

// RecordDegradation counts a dependency degradation event by reason
// (e.g. "cache", "threatintel", "anomaly", "persist").
func (m *Monitor) RecordDegradation(reason string) {
	m.mu.Lock()
	m.degradations[reason]++
	m.mu.Unlock()
}

// RecordPersistFailure counts an audit-persistence failure.
func (m *Monitor) RecordPersistFailure() {
	m.mu.Lock()
	m.persistFailures++
	m.mu.Unlock()
}

// Summary computes percentiles over the current window.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	samples := m.snapshot()
	breaches := m.deadlineBreaches
	persistFailures := m.persistFailures
	degradations := make(map[string]int64, len(m.degradations))
	for k, v := range m.degradations {
		degradations[k] = v
	}
	m.mu.RUnlock()

	s := Summary{
		Count:            len(samples),
		SLATargetMs:      float64(m.slaTarget) / float64(time.Millisecond),
		SLACompliant:     true,
		DeadlineBreaches: breaches,
		Degradations:     degradations,
		PersistFailures:  persistFailures,
	}
	if len(samples) == 0 {
		return s
	}

	durations := make([]time.Duration, len(samples))
	for i, sm := range samples {
		durations[i] = sm.Total
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	s.P50Ms = ms(percentile(durations, 0.50))
	s.P95Ms = ms(percentile(durations, 0.95))
	s.P99Ms = ms(percentile(durations, 0.99))
	s.SLACompliant = percentile(durations, 0.95) <= m.slaTarget
	return s
}

// Slowest returns the n slowest evaluations in the window, slowest first.
func (m *Monitor) Slowest(n int) []Sample {
	m.mu.RLock()
	samples := m.snapshot()
	m.mu.RUnlock()

	sort.Slice(samples, func(i, j int) bool { return samples[i].Total > samples[j].Total })
	if n > 0 && len(samples) > n {
		samples = samples[:n]
	}
	return samples
}

// snapshot copies the populated part of the ring. Caller holds at least a read lock.
func (m *Monitor) snapshot() []Sample {
	var out []Sample
	if m.filled {
		out = make([]Sample, len(m.window))
		copy(out, m.window)
	} else {
		out = make([]Sample, m.next)
		copy(out, m.window[:m.next])
	}
	return out
}

// percentile returns the value at the given rank of a sorted slice
// (nearest-rank method).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
