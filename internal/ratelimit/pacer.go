package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cryptoguard/internal/metrics"
	"cryptoguard/internal/models"
	"cryptoguard/logger"
)

// Pacer spaces outgoing REST calls with a token bucket refilled at the
// rule's per-minute weight and keeps the last minute of calls for usage
// reporting.
type Pacer struct {
	limiter *rate.Limiter
	log     *logger.Log
	now     func() time.Time

	mu       sync.Mutex
	rule     models.RateLimitRule
	calls    []models.ApiCall
	alerting bool
}

// NewPacer starts with a full bucket.
func NewPacer(rule models.RateLimitRule) *Pacer {
	rule, limit, burst := bucketFor(rule)
	return &Pacer{
		limiter: rate.NewLimiter(limit, burst),
		log:     logger.GetLogger(),
		now:     time.Now,
		rule:    rule,
	}
}

// bucketFor refills at the per-minute weight and lets the alert share of it
// go out at once.
func bucketFor(rule models.RateLimitRule) (models.RateLimitRule, rate.Limit, int) {
	if rule.WeightLimitPerMin <= 0 {
		rule = models.DefaultRateLimitRule(rule.Category)
	}
	burst := int(float64(rule.WeightLimitPerMin) * rule.AlertThreshold)
	if burst < 1 {
		burst = 1
	}
	return rule, rate.Limit(float64(rule.WeightLimitPerMin) / 60.0), burst
}

// Apply resizes the bucket for a new rule.
func (p *Pacer) Apply(rule models.RateLimitRule) {
	rule, limit, burst := bucketFor(rule)

	p.mu.Lock()
	p.rule = rule
	p.mu.Unlock()

	p.limiter.SetLimit(limit)
	p.limiter.SetBurst(burst)
}

// Wait blocks until weight tokens are available, then records the call.
func (p *Pacer) Wait(ctx context.Context, endpoint string, weight int) error {
	n := weight
	if n < 1 {
		n = 1
	}
	if b := p.limiter.Burst(); n > b {
		n = b
	}
	if err := p.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	p.record(models.ApiCall{Endpoint: endpoint, Weight: weight, Timestamp: p.now()})
	return nil
}

func (p *Pacer) record(call models.ApiCall) {
	p.mu.Lock()
	p.calls = append(p.prune(call.Timestamp), call)
	usage := p.usageLocked()
	rule := p.rule
	transition := ""
	switch {
	case !p.alerting && usage >= rule.AlertThreshold:
		p.alerting = true
		transition = "alert"
	case p.alerting && usage <= rule.RecoveryThreshold:
		p.alerting = false
		transition = "recovered"
	}
	p.mu.Unlock()

	metrics.SetPacerUsage(rule.Category, usage)
	log := p.log.WithComponent("rate_limit_pacer").WithFields(logger.Fields{"category": rule.Category, "usage": usage})
	switch transition {
	case "alert":
		log.Warn("request weight approaching the per-minute limit")
	case "recovered":
		log.Info("request weight back below recovery threshold")
	}
}

// prune drops calls older than one minute before now. Caller holds p.mu.
func (p *Pacer) prune(now time.Time) []models.ApiCall {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(p.calls) && !p.calls[i].Timestamp.After(cutoff) {
		i++
	}
	return p.calls[i:]
}

func (p *Pacer) usageLocked() float64 {
	total := 0
	for _, c := range p.calls {
		total += c.Weight
	}
	if p.rule.WeightLimitPerMin <= 0 {
		return 0
	}
	return float64(total) / float64(p.rule.WeightLimitPerMin)
}

// Usage is the share of the per-minute weight consumed in the last minute.
func (p *Pacer) Usage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = p.prune(p.now())
	return p.usageLocked()
}

func (p *Pacer) ApproachingLimit() bool {
	p.mu.Lock()
	threshold := p.rule.AlertThreshold
	p.mu.Unlock()
	return p.Usage() >= threshold
}

func (p *Pacer) BelowRecovery() bool {
	p.mu.Lock()
	threshold := p.rule.RecoveryThreshold
	p.mu.Unlock()
	return p.Usage() <= threshold
}

// Recent returns a copy of the calls made in the last minute.
func (p *Pacer) Recent() []models.ApiCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = p.prune(p.now())
	return append([]models.ApiCall(nil), p.calls...)
}

// Rule returns the rule the pacer is currently sized for.
func (p *Pacer) Rule() models.RateLimitRule {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rule
}
