package diagnostics

import (
	"strconv"
	"sync"
)

// DefaultRingSize is the bounded ring's default capacity (§4.10).
const DefaultRingSize = 500

// counterState accumulates a running count and, when events carry a
// "duration_ms" metadata field, a duration sum for the average.
type counterState struct {
	count         int64
	durationSumMs int64
	durationCount int64
}

// Counter is one (subsystem, name) usage counter in a snapshot.
type Counter struct {
	Subsystem     string  `json:"subsystem"`
	Name          string  `json:"name"`
	Count         int64   `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms,omitempty"`
}

// UsageSnapshot is a read-only view of all counters recorded so far.
type UsageSnapshot struct {
	TotalEvents int64     `json:"total_events"`
	Counters    []Counter `json:"counters"`
}

// Recorder is the bounded ring + incremental counter store every subsystem
// reports diagnostic events to. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	capacity int
	ring     []Event
	next     int
	filled   bool
	total    int64
	counters map[string]*counterState
}

// NewRecorder builds a Recorder with the given ring capacity. capacity <= 0
// falls back to DefaultRingSize.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Recorder{
		capacity: capacity,
		ring:     make([]Event, capacity),
		counters: make(map[string]*counterState),
	}
}

func counterKey(subsystem, name string) string {
	return subsystem + "\x00" + name
}

// Record appends event to the ring (evicting the oldest entry once full) and
// updates its (subsystem, name) counter.
func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ring[r.next] = event
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.filled = true
	}
	r.total++

	key := counterKey(event.Subsystem, event.Name)
	cs, ok := r.counters[key]
	if !ok {
		cs = &counterState{}
		r.counters[key] = cs
	}
	cs.count++
	if raw, ok := event.Metadata["duration_ms"]; ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cs.durationSumMs += ms
			cs.durationCount++
		}
	}
}

// Sink returns a Sink bound to this recorder, for handing to subsystems that
// only know about the diagnostics.Sink function type.
func (r *Recorder) Sink() Sink {
	return r.Record
}

// RecentEvents returns up to limit most-recently-recorded events, newest
// last. limit <= 0 returns everything currently retained.
func (r *Recorder) RecentEvents(limit int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ordered []Event
	if r.filled {
		ordered = append(ordered, r.ring[r.next:]...)
		ordered = append(ordered, r.ring[:r.next]...)
	} else {
		ordered = append(ordered, r.ring[:r.next]...)
	}

	if limit > 0 && len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]Event, len(ordered))
	copy(out, ordered)
	return out
}

// UsageSnapshot returns the accumulated per-(subsystem,name) counters.
// Average durations clamp their divisor to at least 1 so a counter with no
// duration samples reports 0 rather than NaN/Inf.
func (r *Recorder) UsageSnapshot() UsageSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := UsageSnapshot{TotalEvents: r.total}
	for key, cs := range r.counters {
		subsystem, name := splitCounterKey(key)
		divisor := cs.durationCount
		if divisor <= 0 {
			divisor = 1
		}
		avg := float64(cs.durationSumMs) / float64(divisor)
		if cs.durationCount == 0 {
			avg = 0
		}
		snap.Counters = append(snap.Counters, Counter{
			Subsystem:     subsystem,
			Name:          name,
			Count:         cs.count,
			AvgDurationMs: avg,
		})
	}
	return snap
}

// Reset clears the ring and all counters.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = make([]Event, r.capacity)
	r.next = 0
	r.filled = false
	r.total = 0
	r.counters = make(map[string]*counterState)
}

func splitCounterKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
