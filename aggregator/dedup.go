package aggregator

import (
	"time"

	"quoteflow/models"
)

type dedupEntry struct {
	key  models.DedupKey
	seen time.Time
}

// dedupWindow remembers recently forwarded tick identities for one symbol.
// It is bounded both in time (retention) and in size (maxEntries), so a
// burst can never grow it without limit. Not safe for concurrent use; each
// window is owned by exactly one shard goroutine.
type dedupWindow struct {
	retention  time.Duration
	maxEntries int
	entries    map[models.DedupKey]time.Time
	order      []dedupEntry
}

func newDedupWindow(retention time.Duration, maxEntries int) *dedupWindow {
	return &dedupWindow{
		retention:  retention,
		maxEntries: maxEntries,
		entries:    make(map[models.DedupKey]time.Time),
	}
}

// observe reports whether the key was already seen inside the window, and
// records it if not.
func (w *dedupWindow) observe(key models.DedupKey, now time.Time) bool {
	w.expire(now)

	if _, dup := w.entries[key]; dup {
		return true
	}

	w.entries[key] = now
	w.order = append(w.order, dedupEntry{key: key, seen: now})
	if len(w.order) > w.maxEntries {
		w.evictOldest()
	}
	return false
}

func (w *dedupWindow) expire(now time.Time) {
	cutoff := now.Add(-w.retention)
	for len(w.order) > 0 && w.order[0].seen.Before(cutoff) {
		w.evictOldest()
	}
}

func (w *dedupWindow) evictOldest() {
	oldest := w.order[0]
	w.order = w.order[1:]
	// Only delete if the map still holds this exact sighting; a fresher
	// one must survive.
	if seen, ok := w.entries[oldest.key]; ok && seen.Equal(oldest.seen) {
		delete(w.entries, oldest.key)
	}
}

func (w *dedupWindow) size() int {
	return len(w.entries)
}
