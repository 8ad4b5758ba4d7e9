package ratelimit

import (
	"fmt"
	"math"
	"sort"

	"cryptoguard/internal/models"
)

const (
	burstWindowSec = 60.0
	orderBurstSec  = 10.0
)

// Analyzer evaluates call batches against the exchange ceilings. It holds no
// mutable state and is safe for concurrent use.
type Analyzer struct {
	WeightLimitPerMin int
	OrderLimitPerMin  int
	OrderLimitPer10s  int
}

// NewAnalyzer returns an analyzer with the Binance futures defaults.
func NewAnalyzer() Analyzer {
	return Analyzer{WeightLimitPerMin: 2400, OrderLimitPerMin: 1200, OrderLimitPer10s: 300}
}

// AnalyzerFromRule sizes an analyzer from a stored rule.
func AnalyzerFromRule(rule models.RateLimitRule) Analyzer {
	a := NewAnalyzer()
	if rule.WeightLimitPerMin > 0 {
		a.WeightLimitPerMin = rule.WeightLimitPerMin
	}
	if rule.OrderLimitPerMin > 0 {
		a.OrderLimitPerMin = rule.OrderLimitPerMin
	}
	if rule.OrderLimitPer10s > 0 {
		a.OrderLimitPer10s = rule.OrderLimitPer10s
	}
	return a
}

// TimedCall places a call at an offset in seconds from the start of a batch.
type TimedCall struct {
	TimeSec float64 `json:"time_sec"`
	models.ApiCall
}

// WeightUsage sums the batch weight and compares it to the per-minute limit.
func (a Analyzer) WeightUsage(calls []models.ApiCall) (int, bool) {
	total := 0
	for _, c := range calls {
		total += c.Weight
	}
	return total, total > a.WeightLimitPerMin
}

// DetectBurst reports whether any 60 second window starting at a call holds
// more weight than the per-minute limit. A window starting at t covers calls
// with time < t+60. Negative weights count as zero.
func (a Analyzer) DetectBurst(calls []TimedCall) bool {
	if len(calls) == 0 {
		return false
	}
	sorted := calls
	if !sort.SliceIsSorted(calls, func(i, j int) bool { return calls[i].TimeSec < calls[j].TimeSec }) {
		sorted = append([]TimedCall(nil), calls...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].TimeSec < sorted[j].TimeSec })
	}

	sum, j := 0, 0
	for i := range sorted {
		end := sorted[i].TimeSec + burstWindowSec
		for j < len(sorted) && sorted[j].TimeSec < end {
			sum += clampWeight(sorted[j].Weight)
			j++
		}
		if sum > a.WeightLimitPerMin {
			return true
		}
		sum -= clampWeight(sorted[i].Weight)
	}
	return false
}

func clampWeight(w int) int {
	if w < 0 {
		return 0
	}
	return w
}

// CheckOrderRate describes whether sending orderCount orders over the given
// duration stays within the per-minute and per-10-second ceilings.
func (a Analyzer) CheckOrderRate(orderCount int, batchDurationSec float64) string {
	if orderCount <= 0 {
		return "Order rate within limits."
	}
	if batchDurationSec <= 0 {
		return fmt.Sprintf("Order rate exceeds %d/min limit (all %d orders sent at once)", a.OrderLimitPerMin, orderCount)
	}

	perMin := float64(orderCount) / (batchDurationSec / 60.0)
	if perMin > float64(a.OrderLimitPerMin) {
		return fmt.Sprintf("Order rate exceeds %d/min limit (rate ~%.1f orders/min)", a.OrderLimitPerMin, perMin)
	}

	per10s := float64(orderCount) / (batchDurationSec / orderBurstSec)
	if per10s > float64(a.OrderLimitPer10s) {
		return fmt.Sprintf("Order burst exceeds %d/10s limit (rate ~%.1f orders/10s)", a.OrderLimitPer10s, per10s)
	}

	return "Order rate within limits."
}

// OrderRateOK is the boolean form of CheckOrderRate.
func (a Analyzer) OrderRateOK(orderCount int, batchDurationSec float64) bool {
	return a.CheckOrderRate(orderCount, batchDurationSec) == "Order rate within limits."
}

// SuggestStaggerDelay returns the even per-order delay in milliseconds that
// spreads ordersToPlace over enough 10 second windows.
func (a Analyzer) SuggestStaggerDelay(ordersToPlace int) float64 {
	if ordersToPlace <= a.OrderLimitPer10s {
		return 0
	}
	batches := math.Ceil(float64(ordersToPlace) / float64(a.OrderLimitPer10s))
	requiredSec := batches * orderBurstSec
	return requiredSec / float64(ordersToPlace) * 1000.0
}
