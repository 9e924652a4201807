// Package loadgen drives concurrent probe load against the gateway and
// buckets every outcome by the phase in effect when it was observed.
package loadgen

import (
	"sync"
	"time"

	"github.com/oakmere/pgharness/internal/phase"
	"github.com/oakmere/pgharness/internal/probe"
)

// Stats accumulates probe outcomes for one phase. Workers append
// concurrently; the mutex is per-phase so contention stays local.
type Stats struct {
	mu        sync.Mutex
	success   uint64
	failure   uint64
	latencies []time.Duration
	kinds     map[probe.Kind]uint64
}

// NewStats returns an empty per-phase accumulator.
func NewStats() *Stats {
	return &Stats{kinds: make(map[probe.Kind]uint64)}
}

// Record folds one outcome in. Latency samples are kept in completion
// order; only successful probes carry a latency.
func (s *Stats) Record(o probe.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Success {
		s.success++
		s.latencies = append(s.latencies, o.Latency)
		return
	}
	s.failure++
	s.kinds[o.Kind]++
}

// Snapshot is a consistent point-in-time copy of one phase's stats.
type Snapshot struct {
	Success   uint64
	Failure   uint64
	Latencies []time.Duration
	Kinds     map[probe.Kind]uint64
}

// Total returns the number of probes recorded.
func (s Snapshot) Total() uint64 {
	return s.Success + s.Failure
}

// SuccessRate returns the success percentage, 0 when nothing was recorded.
func (s Snapshot) SuccessRate() float64 {
	total := s.Total()
	if total == 0 {
		return 0
	}
	return float64(s.Success) / float64(total) * 100
}

// Snapshot copies the accumulator under its lock, so a snapshot never shows
// a torn view even while workers keep appending.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Snapshot{
		Success:   s.success,
		Failure:   s.failure,
		Latencies: make([]time.Duration, len(s.latencies)),
		Kinds:     make(map[probe.Kind]uint64, len(s.kinds)),
	}
	copy(out.Latencies, s.latencies)
	for k, v := range s.kinds {
		out.Kinds[k] = v
	}
	return out
}

// Set owns one Stats per phase.
type Set struct {
	stats [3]*Stats
}

// NewSet builds accumulators for Before, During and After.
func NewSet() *Set {
	return &Set{stats: [3]*Stats{NewStats(), NewStats(), NewStats()}}
}

// Record attributes an outcome to the given phase.
func (s *Set) Record(p phase.Phase, o probe.Outcome) {
	s.stats[p].Record(o)
}

// Phase returns the accumulator for one phase.
func (s *Set) Phase(p phase.Phase) *Stats {
	return s.stats[p]
}

// Snapshot copies all three phases.
func (s *Set) Snapshot() map[phase.Phase]Snapshot {
	return map[phase.Phase]Snapshot{
		phase.Before: s.stats[phase.Before].Snapshot(),
		phase.During: s.stats[phase.During].Snapshot(),
		phase.After:  s.stats[phase.After].Snapshot(),
	}
}
