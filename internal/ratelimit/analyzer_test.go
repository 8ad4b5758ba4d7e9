package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoguard/internal/models"
)

func timed(sec float64, weight int) TimedCall {
	return TimedCall{TimeSec: sec, ApiCall: models.ApiCall{Endpoint: "/fapi/v1/order", Weight: weight}}
}

func TestWeightUsage(t *testing.T) {
	a := NewAnalyzer()

	total, exceeds := a.WeightUsage([]models.ApiCall{{Weight: 1200}, {Weight: 1200}})
	assert.Equal(t, 2400, total)
	assert.False(t, exceeds, "exactly at the limit is allowed")

	total, exceeds = a.WeightUsage([]models.ApiCall{{Weight: 1200}, {Weight: 1201}})
	assert.Equal(t, 2401, total)
	assert.True(t, exceeds)
}

func TestDetectBurst(t *testing.T) {
	a := NewAnalyzer()

	assert.True(t, a.DetectBurst([]TimedCall{timed(0, 900), timed(20, 900), timed(40, 900)}))
	assert.False(t, a.DetectBurst([]TimedCall{timed(0, 1000), timed(30, 1000), timed(61, 1000)}))
	assert.False(t, a.DetectBurst(nil))
}

func TestDetectBurstWindowBoundary(t *testing.T) {
	a := NewAnalyzer()

	// A call exactly 60s after the window start falls into the next window.
	assert.False(t, a.DetectBurst([]TimedCall{timed(0, 1300), timed(60, 1300)}))
	assert.True(t, a.DetectBurst([]TimedCall{timed(0, 1300), timed(59.999, 1300)}))

	// The comparison is strict.
	assert.False(t, a.DetectBurst([]TimedCall{timed(0, 1200), timed(10, 1200)}))
}

func TestDetectBurstUnsortedInput(t *testing.T) {
	a := NewAnalyzer()
	calls := []TimedCall{timed(40, 900), timed(0, 900), timed(20, 900)}

	assert.True(t, a.DetectBurst(calls))
	assert.Equal(t, 40.0, calls[0].TimeSec, "input must not be reordered")
}

func TestDetectBurstMatchesQuadraticScan(t *testing.T) {
	a := Analyzer{WeightLimitPerMin: 100}
	calls := []TimedCall{
		timed(0, 30), timed(5, 30), timed(50, 30), timed(65, 30),
		timed(70, 10), timed(100, 5), timed(120, 60), timed(121, 45),
	}

	quadratic := func() bool {
		for i := range calls {
			sum := 0
			for j := i; j < len(calls) && calls[j].TimeSec < calls[i].TimeSec+60; j++ {
				sum += calls[j].Weight
				if sum > a.WeightLimitPerMin {
					return true
				}
			}
		}
		return false
	}

	assert.Equal(t, quadratic(), a.DetectBurst(calls))
	assert.True(t, a.DetectBurst(calls))
}

func TestCheckOrderRate(t *testing.T) {
	a := NewAnalyzer()

	assert.Equal(t, "Order rate within limits.", a.CheckOrderRate(100, 60))
	assert.Contains(t, a.CheckOrderRate(1300, 60), "exceeds 1200/min")
	assert.Contains(t, a.CheckOrderRate(400, 10), "exceeds 1200/min")

	// With the default ceilings the per-minute check always trips first.
	tight := Analyzer{WeightLimitPerMin: 2400, OrderLimitPerMin: 1200, OrderLimitPer10s: 100}
	assert.Equal(t, "Order burst exceeds 100/10s limit (rate ~150.0 orders/10s)", tight.CheckOrderRate(900, 60))
	assert.Equal(t, "Order rate within limits.", a.CheckOrderRate(0, 0))
	assert.Contains(t, a.CheckOrderRate(5, 0), "exceeds 1200/min")
	assert.True(t, a.OrderRateOK(10, 60))
}

func TestSuggestStaggerDelay(t *testing.T) {
	a := NewAnalyzer()

	assert.Equal(t, 0.0, a.SuggestStaggerDelay(300))
	assert.InDelta(t, 33.333, a.SuggestStaggerDelay(900), 0.001)
	assert.InDelta(t, 20000.0/301.0, a.SuggestStaggerDelay(301), 0.001)
}

func TestSimulate(t *testing.T) {
	a := NewAnalyzer()
	res := a.Simulate(SimulationRequest{
		TimedCalls:       []TimedCall{timed(0, 900), timed(20, 900), timed(40, 900)},
		OrderCount:       900,
		BatchDurationSec: 60,
	})

	assert.Equal(t, 2700, res.TotalWeight)
	assert.True(t, res.WeightLimitExceeded)
	assert.True(t, res.BurstViolation)
	assert.Equal(t, "Order rate within limits.", res.OrderRateMessage)
	assert.InDelta(t, 33.333, res.SuggestedDelayMs, 0.001)
}

func TestAnalyzerFromRuleAndSeed(t *testing.T) {
	a := AnalyzerFromRule(models.RateLimitRule{WeightLimitPerMin: 6000})
	require.Equal(t, 6000, a.WeightLimitPerMin)
	require.Equal(t, 1200, a.OrderLimitPerMin)

	a = SeedAnalyzer(a, 0, 2400, 0)
	assert.Equal(t, 6000, a.WeightLimitPerMin)
	assert.Equal(t, 2400, a.OrderLimitPerMin)
	assert.Equal(t, 300, a.OrderLimitPer10s)
}
