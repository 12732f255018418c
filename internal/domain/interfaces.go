package domain

import "context"

// ─── Boundary Interfaces ────────────────────────────────────────────────────
// The controller core depends only on these. Infrastructure implements them
// against the dispatcher's relational store and command-line tools.

// CreditStatsSource yields per-class completed, in-flight and queued counts.
type CreditStatsSource interface {
	// CreditStats may return an empty map when nothing is known yet.
	CreditStats(ctx context.Context) (map[string]CreditStat, error)
}

// QueueOccupancySource reports how the dispatcher's work queue is filled.
type QueueOccupancySource interface {
	QueueOccupancy(ctx context.Context) (Occupancy, error)
}

// WeightStore is the system of record for dispatch weights.
type WeightStore interface {
	CurrentWeights(ctx context.Context) (WeightSet, error)

	// WriteWeights persists all classes in one transaction or none at all.
	WriteWeights(ctx context.Context, w WeightSet) error
}

// Dispatcher propagates stored weights into the running dispatcher.
type Dispatcher interface {
	// SoftReread asks the dispatcher to re-read weights. Advisory.
	SoftReread(ctx context.Context) error

	// HardRestart stops and starts the dispatcher and blocks until it is
	// confirmed running again.
	HardRestart(ctx context.Context) error
}

// WorkerSupervisor keeps per-class worker processes alive. Best-effort.
type WorkerSupervisor interface {
	EnsureRunning(ctx context.Context) error
}
