package telemetry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/gridshare/gridshare/internal/app/credit"
	"github.com/gridshare/gridshare/internal/domain"
	"github.com/gridshare/gridshare/internal/infra/metrics"
)

// Sampler defaults.
const (
	DefaultSampleInterval = 30 * time.Second
	DefaultWindow         = 120
)

// WindowStats summarizes a class's credit share (in percent) over the window.
type WindowStats struct {
	Samples int     `json:"samples"`
	Min     float64 `json:"share_min"`
	Max     float64 `json:"share_max"`
	Mean    float64 `json:"share_mean"`
	Median  float64 `json:"share_median"`
}

// Summarize computes window statistics. Empty input yields the zero value.
func Summarize(values []float64) WindowStats {
	if len(values) == 0 {
		return WindowStats{}
	}
	return WindowStats{
		Samples: len(values),
		Min:     floats.Min(values),
		Max:     floats.Max(values),
		Mean:    stat.Mean(values, nil),
		Median:  median(values),
	}
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// SamplerConfig controls the independent telemetry sampler.
type SamplerConfig struct {
	Interval time.Duration
	Window   int           // share samples kept per class
	Timeout  time.Duration // per statistics query
}

// Sampler periodically records raw credit totals and keeps a bounded share
// history. It shares nothing mutable with the control loop.
type Sampler struct {
	source   domain.CreditStatsSource
	recorder *Recorder // optional
	cfg      SamplerConfig
	log      *logrus.Entry
	now      func() time.Time

	mu      sync.RWMutex
	history map[string][]float64
}

// NewSampler creates a sampler. recorder may be nil to keep history only.
func NewSampler(source domain.CreditStatsSource, recorder *Recorder, cfg SamplerConfig, log *logrus.Entry) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSampleInterval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Sampler{
		source:   source,
		recorder: recorder,
		cfg:      cfg,
		log:      log.WithField("component", "sampler"),
		now:      time.Now,
		history:  make(map[string][]float64),
	}
}

// Run samples immediately and then every interval until ctx is done.
func (s *Sampler) Run(ctx context.Context) error {
	s.tick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sampler) tick(ctx context.Context) {
	if _, _, err := s.Sample(ctx); err != nil {
		if domain.IsSkip(err) {
			s.log.WithError(err).Debug("sample skipped")
			return
		}
		s.log.WithError(err).Warn("sample failed")
	}
}

// Sample takes one observation. The share history is updated whenever there
// is credit at all; the baseline record is written only when every class has
// completed work. recorded reports whether a record was appended.
func (s *Sampler) Sample(ctx context.Context) (rec BaselineRecord, recorded bool, err error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	stats, err := s.source.CreditStats(ctx)
	if err != nil {
		return rec, false, fmt.Errorf("credit statistics: %w", err)
	}
	if len(stats) == 0 {
		return rec, false, fmt.Errorf("no classes reported: %w", domain.ErrNoData)
	}

	totals, sum := credit.TotalCredits(stats)
	if sum <= 0 {
		return rec, false, fmt.Errorf("total credit is zero: %w", domain.ErrNoData)
	}
	s.push(totals, sum)

	for class, st := range stats {
		if st.CompletedCount == 0 {
			return rec, false, fmt.Errorf("class %s has no completions: %w", class, domain.ErrInsufficientSignal)
		}
	}

	rec = BaselineRecord{
		Timestamp:        s.now(),
		TotalCredits:     totals,
		TotalCreditSum:   sum,
		CompletedCredits: make(map[string]float64, len(stats)),
	}
	for class, st := range stats {
		rec.CompletedCredits[class] = st.CompletedCredit
		rec.CompletedCreditSum += st.CompletedCredit
	}

	if s.recorder == nil {
		return rec, false, nil
	}
	if err := s.recorder.Append(rec); err != nil {
		return rec, false, fmt.Errorf("record baseline: %w", err)
	}
	metrics.SamplesRecorded.Inc()
	return rec, true, nil
}

func (s *Sampler) push(totals map[string]float64, sum float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for class, t := range totals {
		h := append(s.history[class], t/sum*100)
		if len(h) > s.cfg.Window {
			h = h[len(h)-s.cfg.Window:]
		}
		s.history[class] = h
	}
}

// Summary returns window statistics per class.
func (s *Sampler) Summary() map[string]WindowStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]WindowStats, len(s.history))
	for class, h := range s.history {
		out[class] = Summarize(h)
	}
	return out
}
