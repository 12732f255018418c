// Package credit turns raw per-class credit statistics into realized plus
// expected credit shares. Share is the fairness currency the balancers
// steer on: completed credit plus the credit still in flight, valued at the
// class's average credit per job.
package credit

import (
	"fmt"

	"github.com/gridshare/gridshare/internal/domain"
)

// Shares is the outcome of one share computation.
type Shares struct {
	Total     map[string]float64 `json:"total_credits_by_app"` // realized + expected
	Completed map[string]float64 `json:"completed_credits_by_app"`
	AvgCredit map[string]float64 `json:"avg_credit_by_app"`
	Sum       float64            `json:"total_credit_sum"`
	Share     map[string]float64 `json:"shares"`
}

// Of returns a class's share, 0 for classes without data.
func (s Shares) Of(class string) float64 {
	return s.Share[class]
}

// GlobalAvgCredit is the average credit per completed job across all classes,
// 0 when nothing has completed anywhere.
func GlobalAvgCredit(stats map[string]domain.CreditStat) float64 {
	var credit float64
	var count int64
	for _, s := range stats {
		credit += s.CompletedCredit
		count += s.CompletedCount
	}
	if count == 0 {
		return 0
	}
	return credit / float64(count)
}

// AvgCredit picks the per-job credit used to value a class's in-flight work.
// A source-provided average wins; otherwise the class's own average; otherwise
// the global one.
func AvgCredit(s domain.CreditStat, global float64) float64 {
	switch {
	case s.AvgCredit > 0:
		return s.AvgCredit
	case s.CompletedCount > 0 && s.CompletedCredit > 0:
		return s.CompletedCredit / float64(s.CompletedCount)
	default:
		return global
	}
}

// TotalCredits computes realized + expected credit per class and their sum.
func TotalCredits(stats map[string]domain.CreditStat) (map[string]float64, float64) {
	global := GlobalAvgCredit(stats)
	totals := make(map[string]float64, len(stats))
	var sum float64
	for class, s := range stats {
		t := s.CompletedCredit + AvgCredit(s, global)*float64(s.InProgressCount)
		totals[class] = t
		sum += t
	}
	return totals, sum
}

// ComputeShares normalizes total credits into shares that sum to 1.
// It returns domain.ErrNoData when there is no credit at all.
func ComputeShares(stats map[string]domain.CreditStat) (Shares, error) {
	totals, sum := TotalCredits(stats)
	if sum <= 0 {
		return Shares{}, fmt.Errorf("total credit is %.4f across %d classes: %w", sum, len(stats), domain.ErrNoData)
	}

	global := GlobalAvgCredit(stats)
	out := Shares{
		Total:     totals,
		Completed: make(map[string]float64, len(stats)),
		AvgCredit: make(map[string]float64, len(stats)),
		Sum:       sum,
		Share:     make(map[string]float64, len(stats)),
	}
	for class, s := range stats {
		out.Completed[class] = s.CompletedCredit
		out.AvgCredit[class] = AvgCredit(s, global)
		out.Share[class] = totals[class] / sum
	}
	return out, nil
}
