package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cryptoguard/internal/models"
)

func testRule() models.RateLimitRule {
	return models.RateLimitRule{
		Category:          "test",
		WeightLimitPerMin: 600,
		OrderLimitPerMin:  100,
		OrderLimitPer10s:  20,
		AlertThreshold:    0.8,
		RecoveryThreshold: 0.5,
	}
}

func TestPacerUsageAndAlert(t *testing.T) {
	p := NewPacer(testRule())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Wait(ctx, "/fapi/v1/openOrders", 100))
	}
	assert.InDelta(t, 400.0/600.0, p.Usage(), 1e-9)
	assert.False(t, p.ApproachingLimit())

	require.NoError(t, p.Wait(ctx, "/fapi/v2/positionRisk", 80))
	assert.True(t, p.ApproachingLimit())
	assert.False(t, p.BelowRecovery())
	assert.Len(t, p.Recent(), 5)
}

func TestPacerWindowSlides(t *testing.T) {
	p := NewPacer(testRule())
	now := time.Now()
	p.now = func() time.Time { return now }

	require.NoError(t, p.Wait(context.Background(), "a", 300))
	now = now.Add(61 * time.Second)
	assert.Equal(t, 0.0, p.Usage())
	assert.True(t, p.BelowRecovery())
	assert.Empty(t, p.Recent())
}

func TestPacerBlocksWhenEmpty(t *testing.T) {
	p := NewPacer(testRule())
	require.NoError(t, p.Wait(context.Background(), "a", 480))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx, "a", 100), "an empty bucket must not admit 100 weight within 50ms")
}

func TestPacerApply(t *testing.T) {
	p := NewPacer(testRule())
	r := testRule()
	r.WeightLimitPerMin = 1200
	p.Apply(r)
	assert.Equal(t, 1200, p.Rule().WeightLimitPerMin)

	p.Apply(models.RateLimitRule{Category: "x"})
	assert.Equal(t, 2400, p.Rule().WeightLimitPerMin, "empty rule falls back to defaults")
}

func TestTimedFromHistory(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := []models.ApiCall{
		{Weight: 900, Timestamp: base.Add(20 * time.Second)},
		{Weight: 900, Timestamp: base},
		{Weight: 5},
		{Weight: 900, Timestamp: base.Add(40 * time.Second)},
	}
	timedCalls := TimedFromHistory(calls)
	require.Len(t, timedCalls, 3)
	assert.Equal(t, 20.0, timedCalls[0].TimeSec)
	assert.Equal(t, 0.0, timedCalls[1].TimeSec)
	assert.True(t, NewAnalyzer().DetectBurst(timedCalls))
}
