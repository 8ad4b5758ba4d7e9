package latency

import (
	"context"
	"time"

	"cryptoguard/logger"
)

// Measure times fn against endpoint. A nil monitor just runs fn. Failures
// are recorded with the code "REQUEST_FAILED".
func (m *Monitor) Measure(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error {
	if m == nil {
		return fn(ctx)
	}
	tracker := m.Start(endpoint, "REST")
	defer tracker.Close()

	if err := fn(ctx); err != nil {
		tracker.CompleteWithError("REQUEST_FAILED")
		return err
	}
	if err := tracker.Complete(ctx, nil, nil); err != nil {
		// persistence problems are already logged by the monitor
		m.log.WithComponent("latency_monitor").WithError(err).Debug("measurement kept in memory only")
	}
	return nil
}

// ServerClock reports the exchange's current time.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

const serverTimeEndpoint = "/fapi/v1/time"

// Probe periodically times the exchange server-time endpoint so latency is
// tracked even when no other traffic flows.
type Probe struct {
	monitor  *Monitor
	clock    ServerClock
	interval time.Duration
	log      *logger.Log
}

func NewProbe(monitor *Monitor, clock ServerClock, interval time.Duration) *Probe {
	return &Probe{monitor: monitor, clock: clock, interval: interval, log: logger.GetLogger()}
}

// Run probes until ctx is cancelled.
func (p *Probe) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	log := p.log.WithComponent("latency_probe").WithFields(logger.Fields{"interval": p.interval.String()})
	log.Info("latency probe started")

	for ctx.Err() == nil {
		p.ProbeOnce(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	log.Info("latency probe stopped")
}

// ProbeOnce takes a single measurement.
func (p *Probe) ProbeOnce(ctx context.Context) {
	tracker := p.monitor.Start(serverTimeEndpoint, "REST")
	defer tracker.Close()

	serverTime, err := p.clock.ServerTime(ctx)
	if err != nil {
		p.log.WithComponent("latency_probe").WithError(err).Warn("server time request failed")
		tracker.CompleteWithError("SERVER_TIME_FAILED")
		return
	}
	_ = tracker.Complete(ctx, &serverTime, map[string]string{"source": "probe"})
}
