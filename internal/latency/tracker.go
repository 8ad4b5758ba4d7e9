package latency

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cryptoguard/internal/models"
)

// ErrFinalized is returned when a tracker is completed a second time.
var ErrFinalized = errors.New("latency: measurement already finalized")

// Tracker times one request. Exactly one of Complete, CompleteWithError or
// Close records the measurement; later calls are no-ops.
type Tracker struct {
	monitor     *Monitor
	started     time.Time
	measurement models.LatencyMeasurement
	done        atomic.Bool
}

// Complete records a successful round trip. exchangeTime is the timestamp the
// exchange reported, when known. The returned error wraps ErrPersistence if
// the store rejected the measurement.
func (t *Tracker) Complete(ctx context.Context, exchangeTime *time.Time, metadata map[string]string) error {
	if !t.done.CompareAndSwap(false, true) {
		return ErrFinalized
	}
	meas := t.finalize(true, "")
	meas.Metadata = metadata
	if exchangeTime != nil {
		et := exchangeTime.UTC()
		meas.ExchangeTime = &et
		meas.NetworkLatencyMs, meas.ProcessingLatencyMs = splitLatency(meas, et)
	}
	return t.monitor.record(ctx, meas)
}

// CompleteWithError records a failed round trip without waiting for
// persistence.
func (t *Tracker) CompleteWithError(errorCode string) {
	if !t.done.CompareAndSwap(false, true) {
		return
	}
	meas := t.finalize(false, errorCode)
	t.monitor.spawn("complete_with_error", func() error {
		return t.monitor.record(context.Background(), meas)
	})
}

// Close records the measurement as incomplete unless it was already
// completed.
func (t *Tracker) Close() error {
	if !t.done.CompareAndSwap(false, true) {
		return nil
	}
	meas := t.finalize(false, models.IncompleteMeasurement)
	return t.monitor.record(context.Background(), meas)
}

func (t *Tracker) finalize(success bool, errorCode string) models.LatencyMeasurement {
	elapsed := t.monitor.now().Sub(t.started)
	meas := t.measurement
	meas.ID = uuid.NewString()
	meas.ResponseTime = meas.RequestTime.Add(elapsed)
	meas.TotalLatencyMs = elapsed.Milliseconds()
	meas.Success = success
	meas.ErrorCode = errorCode
	return meas
}

// splitLatency estimates network and processing time. With the exchange
// timestamp inside the round trip, the outbound leg is assumed symmetric
// with the return leg and the remainder is processing. A timestamp outside
// the window means skewed clocks, and the whole round trip counts as network.
func splitLatency(meas models.LatencyMeasurement, exchangeTime time.Time) (network, processing int64) {
	if exchangeTime.Before(meas.RequestTime) || exchangeTime.After(meas.ResponseTime) {
		return meas.TotalLatencyMs, 0
	}
	network = 2 * exchangeTime.Sub(meas.RequestTime).Milliseconds()
	if network > meas.TotalLatencyMs {
		network = meas.TotalLatencyMs
	}
	return network, meas.TotalLatencyMs - network
}
