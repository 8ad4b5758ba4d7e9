package stream

import (
	"sort"
	"strings"
	"sync"

	"cryptoguard/internal/models"
)

const defaultHistoryLimit = 1000

// TickHistory keeps the most recent ticks per symbol in memory. It is created
// once at startup, shared by reference, and cleared when the manager that
// feeds it is disposed.
type TickHistory struct {
	mu       sync.RWMutex
	limit    int
	bySymbol map[string][]models.Tick
}

func NewTickHistory(limit int) *TickHistory {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &TickHistory{limit: limit, bySymbol: make(map[string][]models.Tick)}
}

func (h *TickHistory) Append(t models.Tick) {
	symbol := strings.ToUpper(t.Symbol)
	h.mu.Lock()
	defer h.mu.Unlock()
	items := append(h.bySymbol[symbol], t)
	if len(items) > h.limit {
		items = append([]models.Tick(nil), items[len(items)-h.limit:]...)
	}
	h.bySymbol[symbol] = items
}

// Snapshot returns a copy of the ticks for symbol, oldest first.
func (h *TickHistory) Snapshot(symbol string) []models.Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]models.Tick(nil), h.bySymbol[strings.ToUpper(symbol)]...)
}

func (h *TickHistory) All() map[string][]models.Tick {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string][]models.Tick, len(h.bySymbol))
	for symbol, items := range h.bySymbol {
		out[symbol] = append([]models.Tick(nil), items...)
	}
	return out
}

func (h *TickHistory) Symbols() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.bySymbol))
	for symbol := range h.bySymbol {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (h *TickHistory) Clear() {
	h.mu.Lock()
	h.bySymbol = make(map[string][]models.Tick)
	h.mu.Unlock()
}
