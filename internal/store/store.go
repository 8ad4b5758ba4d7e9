// Package store persists latency measurements and rate-limit rules.
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cryptoguard/config"
	"cryptoguard/internal/models"
)

// Store is the store of record used by the latency monitor and the rule
// service.
type Store interface {
	SaveLatencyMeasurement(ctx context.Context, m models.LatencyMeasurement) error
	RecentLatency(ctx context.Context, endpoint string, limit int) ([]models.LatencyMeasurement, error)
	GetRateLimitRule(ctx context.Context, category string) (models.RateLimitRule, bool, error)
	SaveRateLimitRule(ctx context.Context, rule models.RateLimitRule) error
	Close() error
}

// Open builds the backend named in the storage config.
func Open(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", "memory":
		return NewMemoryStore(0), nil
	case "postgres":
		return NewPGStore(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

const defaultMemoryLimit = 10000

// MemoryStore keeps everything in process. Latency rows are capped per
// endpoint.
type MemoryStore struct {
	mu      sync.RWMutex
	limit   int
	latency map[string][]models.LatencyMeasurement
	rules   map[string]models.RateLimitRule
}

func NewMemoryStore(limitPerEndpoint int) *MemoryStore {
	if limitPerEndpoint <= 0 {
		limitPerEndpoint = defaultMemoryLimit
	}
	return &MemoryStore{
		limit:   limitPerEndpoint,
		latency: make(map[string][]models.LatencyMeasurement),
		rules:   make(map[string]models.RateLimitRule),
	}
}

func (s *MemoryStore) SaveLatencyMeasurement(_ context.Context, m models.LatencyMeasurement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := append(s.latency[m.Endpoint], m)
	if over := len(items) - s.limit; over > 0 {
		items = append([]models.LatencyMeasurement(nil), items[over:]...)
	}
	s.latency[m.Endpoint] = items
	return nil
}

// RecentLatency returns up to limit rows, newest first. An empty endpoint
// covers all endpoints.
func (s *MemoryStore) RecentLatency(_ context.Context, endpoint string, limit int) ([]models.LatencyMeasurement, error) {
	s.mu.RLock()
	var out []models.LatencyMeasurement
	if endpoint != "" {
		out = append(out, s.latency[endpoint]...)
	} else {
		for _, items := range s.latency {
			out = append(out, items...)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RequestTime.After(out[j].RequestTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetRateLimitRule(_ context.Context, category string) (models.RateLimitRule, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[category]
	return r, ok, nil
}

func (s *MemoryStore) SaveRateLimitRule(_ context.Context, rule models.RateLimitRule) error {
	s.mu.Lock()
	s.rules[rule.Category] = rule
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
