package session

import (
	"sort"
	"sync"

	"cryptoguard/internal/models"
)

// Cache is a per-key concurrent map. Every mutation touches a single key, so
// readers never wait on a reconciliation cycle.
type Cache[K comparable, V any] struct {
	m sync.Map
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	v, ok := c.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.m.Store(key, value)
}

func (c *Cache[K, V]) Delete(key K) {
	c.m.Delete(key)
}

func (c *Cache[K, V]) Keys() []K {
	var keys []K
	c.m.Range(func(k, _ any) bool {
		keys = append(keys, k.(K))
		return true
	})
	return keys
}

// Snapshot copies the current entries.
func (c *Cache[K, V]) Snapshot() map[K]V {
	out := make(map[K]V)
	c.m.Range(func(k, v any) bool {
		out[k.(K)] = v.(V)
		return true
	})
	return out
}

func (c *Cache[K, V]) Len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// OrderCache is keyed by exchange order id.
type OrderCache = Cache[int64, models.Order]

// PositionCache is keyed by symbol.
type PositionCache = Cache[string, models.Position]

// BalanceCache is keyed by asset.
type BalanceCache = Cache[string, models.Balance]

func sortedOrders(in map[int64]models.Order) []models.Order {
	out := make([]models.Order, 0, len(in))
	for _, o := range in {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

func sortedPositions(in map[string]models.Position) []models.Position {
	out := make([]models.Position, 0, len(in))
	for _, p := range in {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
