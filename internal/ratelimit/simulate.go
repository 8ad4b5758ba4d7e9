package ratelimit

import "cryptoguard/internal/models"

type SimulationRequest struct {
	TimedCalls       []TimedCall `json:"timed_calls"`
	OrderCount       int         `json:"order_count"`
	BatchDurationSec float64     `json:"batch_duration_sec"`
}

type SimulationResult struct {
	TotalWeight         int     `json:"total_weight"`
	WeightLimitExceeded bool    `json:"weight_limit_exceeded"`
	BurstViolation      bool    `json:"burst_violation"`
	OrderRateMessage    string  `json:"order_rate_message"`
	SuggestedDelayMs    float64 `json:"suggested_delay_ms"`
}

// Simulate runs the full pre-flight evaluation of a planned batch.
func (a Analyzer) Simulate(req SimulationRequest) SimulationResult {
	calls := make([]models.ApiCall, len(req.TimedCalls))
	for i, tc := range req.TimedCalls {
		calls[i] = tc.ApiCall
	}
	total, exceeds := a.WeightUsage(calls)

	return SimulationResult{
		TotalWeight:         total,
		WeightLimitExceeded: exceeds,
		BurstViolation:      a.DetectBurst(req.TimedCalls),
		OrderRateMessage:    a.CheckOrderRate(req.OrderCount, req.BatchDurationSec),
		SuggestedDelayMs:    a.SuggestStaggerDelay(req.OrderCount),
	}
}

// TimedFromHistory converts timestamped calls into offsets from the earliest
// call. Untimed calls are dropped.
func TimedFromHistory(calls []models.ApiCall) []TimedCall {
	var out []TimedCall
	var origin models.ApiCall
	found := false
	for _, c := range calls {
		if c.Timestamp.IsZero() {
			continue
		}
		if !found || c.Timestamp.Before(origin.Timestamp) {
			origin = c
			found = true
		}
	}
	if !found {
		return nil
	}
	for _, c := range calls {
		if c.Timestamp.IsZero() {
			continue
		}
		out = append(out, TimedCall{TimeSec: c.Timestamp.Sub(origin.Timestamp).Seconds(), ApiCall: c})
	}
	return out
}
