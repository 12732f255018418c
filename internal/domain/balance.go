package domain

import (
	"sort"
	"time"
)

// ─── Workload Classes ───────────────────────────────────────────────────────

// CreditStat is one class's raw credit statistics for a single iteration.
type CreditStat struct {
	CompletedCredit float64 `json:"completed_credit"`
	CompletedCount  int64   `json:"completed_count"`
	AvgCredit       float64 `json:"avg_credit"` // 0 when the source cannot provide it
	InProgressCount int64   `json:"in_progress_count"`
	UnsentCount     int64   `json:"unsent_count"`
}

// HasSignal reports whether the class has at least one completed job with credit.
func (s CreditStat) HasSignal() bool {
	return s.CompletedCount > 0 && s.CompletedCredit > 0
}

// WeightSet maps class name to dispatch weight. It is always written as a whole.
type WeightSet map[string]float64

// Clone returns an independent copy.
func (w WeightSet) Clone() WeightSet {
	out := make(WeightSet, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Total returns the sum of all weights.
func (w WeightSet) Total() float64 {
	var sum float64
	for _, v := range w {
		sum += v
	}
	return sum
}

// Classes returns the class names in sorted order.
func (w WeightSet) Classes() []string {
	return SortedKeys(w)
}

// ─── Dispatcher Queue ───────────────────────────────────────────────────────

// Occupancy describes how the dispatcher's finite work queue is filled.
type Occupancy struct {
	Known    bool               `json:"known"`
	Shares   map[string]float64 `json:"shares"`   // fraction of occupied slots, per class
	Counts   map[string]int     `json:"counts"`   // occupied slots, per class
	Capacity int                `json:"capacity"` // total slots, occupied or empty
}

// Share returns the class's occupied-slot share, 0 when unknown.
func (o Occupancy) Share(class string) float64 {
	if !o.Known {
		return 0
	}
	return o.Shares[class]
}

// Count returns the class's occupied slot count and whether it is known.
func (o Occupancy) Count(class string) (int, bool) {
	if !o.Known || o.Capacity <= 0 {
		return 0, false
	}
	return o.Counts[class], true
}

// Occupied returns the number of non-empty slots.
func (o Occupancy) Occupied() int {
	n := 0
	for _, c := range o.Counts {
		n += c
	}
	return n
}

// ─── Dispatcher Signals ─────────────────────────────────────────────────────

// Signal is how a new weight set is propagated to the dispatcher.
type Signal int

const (
	SignalNone Signal = iota
	SignalSoftReread
	SignalHardRestart
)

func (s Signal) String() string {
	switch s {
	case SignalSoftReread:
		return "soft_reread"
	case SignalHardRestart:
		return "hard_restart"
	default:
		return "none"
	}
}

// MarshalText lets signals appear by name in JSON telemetry.
func (s Signal) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// WeightChange is the per-class difference between two weight sets.
type WeightChange struct {
	Class    string  `json:"class"`
	Old      float64 `json:"old"`
	New      float64 `json:"new"`
	Absolute float64 `json:"absolute"`
	Relative float64 `json:"relative"`
}

// ActuationDecision records what the gate did with a candidate weight set.
type ActuationDecision struct {
	Apply             bool           `json:"apply"`
	Signal            Signal         `json:"signal"`
	MaxRelativeChange float64        `json:"max_relative_change"`
	Changes           []WeightChange `json:"changes"`
	DecidedAt         time.Time      `json:"decided_at"`
	SignalError       string         `json:"signal_error,omitempty"`
}

// SortedKeys returns the keys of a string-keyed map in sorted order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
