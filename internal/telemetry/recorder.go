// Package telemetry writes append-only JSON snapshot files for offline
// analysis: one file per run, a header followed by a growing states array.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridshare/gridshare/internal/domain"
)

// File name prefixes and modes.
const (
	PrefixController = "weights"
	PrefixBaseline   = "baseline_weights"

	ModeController = "controller"
	ModeBaseline   = "baseline_collect"
)

// Header opens every snapshot file.
type Header struct {
	CreatedAt time.Time          `json:"created_at"`
	RunID     string             `json:"run_id"`
	Mode      string             `json:"mode"`
	Algorithm string             `json:"algorithm,omitempty"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// Snapshot is the on-disk layout of a snapshot file.
type Snapshot struct {
	Header
	States []json.RawMessage `json:"states"`
}

// ControllerRecord is one applied control iteration.
type ControllerRecord struct {
	Timestamp         time.Time                    `json:"timestamp"`
	Iteration         int                          `json:"iteration"`
	TotalCredits      map[string]float64           `json:"total_credits_by_app"`
	TotalCreditSum    float64                      `json:"total_credit_sum"`
	Shares            map[string]float64           `json:"shares"`
	Targets           map[string]float64           `json:"targets"`
	QueueShares       map[string]float64           `json:"queue_shares,omitempty"`
	Frozen            map[string]string            `json:"frozen,omitempty"`
	WeightsBefore     domain.WeightSet             `json:"weights_before"`
	WeightsAfter      domain.WeightSet             `json:"weights_after"`
	MaxRelativeChange float64                      `json:"max_relative_change"`
	Signal            domain.Signal                `json:"signal"`
	SignalError       string                       `json:"signal_error,omitempty"`
	IntegralError     map[string]float64           `json:"integral_error,omitempty"`
	PrevError         map[string]float64           `json:"prev_error,omitempty"`
	Stats             map[string]domain.CreditStat `json:"stats,omitempty"`
}

// BaselineRecord is one sampler observation of raw credit totals.
type BaselineRecord struct {
	Timestamp          time.Time          `json:"timestamp"`
	TotalCredits       map[string]float64 `json:"total_credits_by_app"`
	TotalCreditSum     float64            `json:"total_credit_sum"`
	CompletedCredits   map[string]float64 `json:"completed_credits_by_app"`
	CompletedCreditSum float64            `json:"completed_credit_sum"`
}

// Recorder appends records to one snapshot file. Every append rewrites the
// file atomically so a reader never sees a torn document.
type Recorder struct {
	mu   sync.Mutex
	path string
	snap Snapshot
}

// NewRecorder creates <dir>/<prefix>_<YYYYMMDD_HHMMSS>.json with an empty
// states array.
func NewRecorder(dir, prefix string, header Header) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now()
	}
	if header.RunID == "" {
		header.RunID = uuid.NewString()
	}

	name := fmt.Sprintf("%s_%s.json", prefix, header.CreatedAt.Format("20060102_150405"))
	r := &Recorder{
		path: filepath.Join(dir, name),
		snap: Snapshot{Header: header, States: []json.RawMessage{}},
	}
	if err := r.flush(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the snapshot file path.
func (r *Recorder) Path() string { return r.path }

// RunID returns the run identifier written in the header.
func (r *Recorder) RunID() string { return r.snap.RunID }

// Len returns the number of records appended so far.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.snap.States)
}

// Append adds one record and rewrites the file.
func (r *Recorder) Append(record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode telemetry record: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.States = append(r.snap.States, raw)
	if err := r.flush(); err != nil {
		r.snap.States = r.snap.States[:len(r.snap.States)-1]
		return err
	}
	return nil
}

func (r *Recorder) flush() error {
	data, err := json.MarshalIndent(r.snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return writeAtomic(r.path, data)
}

// ReadSnapshot loads a snapshot file.
func ReadSnapshot(path string) (Snapshot, error) {
	var s Snapshot
	data, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	return s, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
