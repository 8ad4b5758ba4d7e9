package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cryptoguard/internal/exchange"
	"cryptoguard/internal/metrics"
	"cryptoguard/internal/session"
	"cryptoguard/logger"
)

// Pacer throttles weighted REST calls; *ratelimit.Pacer satisfies it.
type Pacer interface {
	Wait(ctx context.Context, endpoint string, weight int) error
}

// Measurer times one exchange call; *latency.Monitor satisfies it.
type Measurer interface {
	Measure(ctx context.Context, endpoint string, fn func(ctx context.Context) error) error
}

// CycleReport is the aggregate outcome of one poll run across all sessions.
type CycleReport struct {
	Sessions int
	Skipped  int
	Failed   int
	Changes
	Errors []error
}

// Err joins the per-session failures; nil means the run succeeded.
func (r CycleReport) Err() error {
	return errors.Join(r.Errors...)
}

func (r *CycleReport) fail(err error) {
	r.Failed++
	r.Errors = append(r.Errors, err)
}

// Options are shared by both pollers. All fields are optional.
type Options struct {
	Pacer    Pacer
	Measurer Measurer
	Now      func() time.Time
}

// base carries the plumbing common to the order and position pollers.
type base struct {
	registry  *session.Registry
	pacer     Pacer
	measurer  Measurer
	now       func() time.Time
	log       *logger.Log
	component string
}

func newBase(registry *session.Registry, opts Options, component string) base {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return base{
		registry:  registry,
		pacer:     opts.Pacer,
		measurer:  opts.Measurer,
		now:       now,
		log:       logger.GetLogger(),
		component: component,
	}
}

// call paces and times one REST request.
func (b *base) call(ctx context.Context, endpoint string, weight int, fn func(ctx context.Context) error) error {
	if b.pacer != nil {
		if err := b.pacer.Wait(ctx, endpoint, weight); err != nil {
			return fmt.Errorf("pace %s: %w", endpoint, err)
		}
	}
	if b.measurer != nil {
		return b.measurer.Measure(ctx, endpoint, fn)
	}
	return fn(ctx)
}

// forEachSession runs fn for every registered session with a client. Missing
// sessions and sessions without a client are skipped, not failures.
func (b *base) forEachSession(ctx context.Context, fn func(ctx context.Context, s *session.Session, client exchange.RESTClient) (Changes, error)) CycleReport {
	var report CycleReport
	for _, id := range b.registry.SessionIDs() {
		if ctx.Err() != nil {
			report.fail(ctx.Err())
			break
		}
		s, ok := b.registry.TryGet(id)
		if !ok {
			report.Skipped++
			continue
		}
		client, err := s.Client()
		if err != nil {
			report.Skipped++
			continue
		}
		report.Sessions++

		changes, err := fn(ctx, s, client)
		report.add(changes)
		if err != nil {
			b.log.WithComponent(b.component).WithFields(logger.Fields{
				"session_id": id.String(),
			}).WithError(err).Warn("reconciliation failed for session")
			report.fail(fmt.Errorf("session %s: %w", id, err))
		}
	}
	return report
}

func (b *base) logCycle(report CycleReport, started time.Time) {
	entry := b.log.WithComponent(b.component)
	logger.LogPerformanceEntry(entry, b.component, "cycle", time.Since(started), logger.Fields{
		"sessions": report.Sessions,
		"skipped":  report.Skipped,
		"failed":   report.Failed,
		"added":    report.Added,
		"updated":  report.Updated,
		"removed":  report.Removed,
	})
	metrics.EmitMetric(b.log, b.component, "cycle_changes", report.Added+report.Updated+report.Removed, "counter", nil)
}

// Runner is one schedulable poll loop body.
type Runner interface {
	Name() string
	Run(ctx context.Context) CycleReport
}

// Schedule runs r immediately and then every interval until ctx is done.
func Schedule(ctx context.Context, r Runner, interval time.Duration) {
	log := logger.GetLogger().WithComponent(r.Name()).WithFields(logger.Fields{"interval": interval.String()})
	log.Info("poller started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for ctx.Err() == nil {
		r.Run(ctx)
		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}
	log.Info("poller stopped")
}
