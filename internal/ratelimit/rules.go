package ratelimit

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"cryptoguard/internal/models"
	"cryptoguard/logger"
)

// DefaultRuleTTL is how long a loaded rule is served from memory.
const DefaultRuleTTL = 5 * time.Minute

// RuleStore persists rate-limit rules. found is false when the category has
// never been stored.
type RuleStore interface {
	GetRateLimitRule(ctx context.Context, category string) (rule models.RateLimitRule, found bool, err error)
	SaveRateLimitRule(ctx context.Context, rule models.RateLimitRule) error
}

type cachedRule struct {
	rule    models.RateLimitRule
	expires time.Time
}

// RuleService loads rules lazily, creating the default rule for a category
// on first access.
type RuleService struct {
	store RuleStore
	ttl   time.Duration
	now   func() time.Time
	log   *logger.Log

	mu        sync.Mutex
	cache     map[string]cachedRule
	listeners []func(models.RateLimitRule)
}

func NewRuleService(store RuleStore, ttl time.Duration) *RuleService {
	if ttl <= 0 {
		ttl = DefaultRuleTTL
	}
	return &RuleService{
		store: store,
		ttl:   ttl,
		now:   time.Now,
		log:   logger.GetLogger(),
		cache: make(map[string]cachedRule),
	}
}

// OnUpdate registers fn to run after every successful UpdateRule.
func (s *RuleService) OnUpdate(fn func(models.RateLimitRule)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *RuleService) GetRule(ctx context.Context, category string) (models.RateLimitRule, error) {
	category = normalizeCategory(category)

	s.mu.Lock()
	if c, ok := s.cache[category]; ok && s.now().Before(c.expires) {
		s.mu.Unlock()
		return c.rule, nil
	}
	s.mu.Unlock()

	log := s.log.WithComponent("rate_limit_rules").WithFields(logger.Fields{"category": category})

	rule, found, err := s.store.GetRateLimitRule(ctx, category)
	if err != nil {
		return models.RateLimitRule{}, fmt.Errorf("load rate limit rule %s: %w", category, err)
	}
	if !found {
		rule = models.DefaultRateLimitRule(category)
		if err := s.store.SaveRateLimitRule(ctx, rule); err != nil {
			log.WithError(err).Warn("failed to persist default rule, serving it uncached")
			return rule, nil
		}
		log.Info("created default rate limit rule")
	}

	s.mu.Lock()
	s.cache[category] = cachedRule{rule: rule, expires: s.now().Add(s.ttl)}
	s.mu.Unlock()
	return rule, nil
}

// UpdateRule validates and persists new ceilings for a category, then drops
// the cached copy so the next read sees the stored values.
func (s *RuleService) UpdateRule(ctx context.Context, category string, values models.RateLimitRule) (models.RateLimitRule, error) {
	category = normalizeCategory(category)
	values.Category = category
	values.UpdatedAt = s.now().UTC()
	if err := ValidateRule(values); err != nil {
		return models.RateLimitRule{}, err
	}

	if err := s.store.SaveRateLimitRule(ctx, values); err != nil {
		return models.RateLimitRule{}, fmt.Errorf("save rate limit rule %s: %w", category, err)
	}

	s.mu.Lock()
	delete(s.cache, category)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	s.log.WithComponent("rate_limit_rules").WithFields(logger.Fields{
		"category":           category,
		"weight_per_min":     values.WeightLimitPerMin,
		"orders_per_min":     values.OrderLimitPerMin,
		"orders_per_10s":     values.OrderLimitPer10s,
		"alert_threshold":    values.AlertThreshold,
		"recovery_threshold": values.RecoveryThreshold,
	}).Info("rate limit rule updated")

	for _, fn := range listeners {
		fn(values)
	}
	return values, nil
}

// ValidateRule rejects non-positive ceilings and thresholds outside (0, 1].
func ValidateRule(r models.RateLimitRule) error {
	if r.WeightLimitPerMin <= 0 || r.OrderLimitPerMin <= 0 || r.OrderLimitPer10s <= 0 {
		return fmt.Errorf("rate limit ceilings must be greater than 0")
	}
	if r.AlertThreshold <= 0 || r.AlertThreshold > 1 {
		return fmt.Errorf("alert threshold must be in (0, 1], got %.2f", r.AlertThreshold)
	}
	if r.RecoveryThreshold <= 0 || r.RecoveryThreshold >= r.AlertThreshold {
		return fmt.Errorf("recovery threshold must be positive and below the alert threshold")
	}
	return nil
}

func normalizeCategory(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	if c == "" {
		return "default"
	}
	return c
}
