package reconcile

import (
	"cryptoguard/internal/session"
)

const (
	changeAdded   = "added"
	changeUpdated = "updated"
	changeRemoved = "removed"
)

// Changes counts the cache mutations applied by one diff.
type Changes struct {
	Added   int
	Updated int
	Removed int
}

func (c *Changes) add(other Changes) {
	c.Added += other.Added
	c.Updated += other.Updated
	c.Removed += other.Removed
}

func (c *Changes) count(change string) {
	switch change {
	case changeAdded:
		c.Added++
	case changeUpdated:
		c.Updated++
	case changeRemoved:
		c.Removed++
	}
}

// apply diffs snapshot against cache: new or changed entries are upserted and
// cached keys missing from the snapshot are removed. onChange sees every
// mutation. Running it twice with the same snapshot changes nothing the
// second time.
func apply[K comparable, V any](
	cache *session.Cache[K, V],
	snapshot map[K]V,
	same func(a, b V) bool,
	onChange func(change string, key K),
) Changes {
	var changes Changes
	note := func(change string, key K) {
		changes.count(change)
		if onChange != nil {
			onChange(change, key)
		}
	}

	for key, fresh := range snapshot {
		cached, ok := cache.Get(key)
		switch {
		case !ok:
			cache.Set(key, fresh)
			note(changeAdded, key)
		case !same(cached, fresh):
			cache.Set(key, fresh)
			note(changeUpdated, key)
		}
	}

	for _, key := range cache.Keys() {
		if _, ok := snapshot[key]; !ok {
			cache.Delete(key)
			note(changeRemoved, key)
		}
	}
	return changes
}
