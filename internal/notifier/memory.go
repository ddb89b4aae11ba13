package notifier

import (
	"sync"
	"time"
)

const (
	dedupMaxEntries = 1000
	historyCap      = 100
)

// dedupCache suppresses a key for a window after it was first let through.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache {
	return &dedupCache{until: make(map[string]time.Time)}
}

// allow reports whether key may pass at now, and if so suppresses it until
// now+window.
func (c *dedupCache) allow(key string, now time.Time, window time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.until[key]; ok && now.Before(t) {
		return false
	}
	if _, ok := c.until[key]; !ok && len(c.until) >= dedupMaxEntries {
		c.evict(now, dedupMaxEntries-1)
	}
	c.until[key] = now.Add(window)
	return true
}

// evict drops expired keys, then the soonest-expiring ones until at most
// keep remain. It runs before an insert so the new key is never a victim.
func (c *dedupCache) evict(now time.Time, keep int) {
	for k, t := range c.until {
		if !now.Before(t) {
			delete(c.until, k)
		}
	}
	for len(c.until) > keep {
		var oldest string
		for k, t := range c.until {
			if oldest == "" || t.Before(c.until[oldest]) {
				oldest = k
			}
		}
		delete(c.until, oldest)
	}
}

// sentLog keeps the last historyCap delivered messages.
type sentLog struct {
	mu    sync.Mutex
	items []HistoryItem
}

func (l *sentLog) add(at time.Time, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.items) == historyCap {
		copy(l.items, l.items[1:])
		l.items = l.items[:historyCap-1]
	}
	l.items = append(l.items, HistoryItem{At: at, Text: text})
}

func (l *sentLog) snapshot() []HistoryItem {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]HistoryItem(nil), l.items...)
}
