package reconcile

import (
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
)

// dedupCache remembers when each push event was first seen. The server
// broadcasts the same frame to several rooms, so a device routinely receives
// identical copies within milliseconds.
type dedupCache struct {
	window time.Duration
	seen   *lru.Cache[uint64, time.Time]
}

func newDedupCache(size int, window time.Duration) (*dedupCache, error) {
	cache, err := lru.New[uint64, time.Time](size)
	if err != nil {
		return nil, err
	}
	return &dedupCache{window: window, seen: cache}, nil
}

// dedupKey hashes (session id, event name, payload) into one key.
func dedupKey(sessionID int, event string, payload []byte) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.Itoa(sessionID))
	_, _ = d.WriteString("\x00")
	_, _ = d.WriteString(event)
	_, _ = d.WriteString("\x00")
	_, _ = d.Write(payload)
	return d.Sum64()
}

// duplicate reports whether key was first seen less than window ago. The
// first-seen time is not refreshed by duplicates.
func (c *dedupCache) duplicate(key uint64, now time.Time) bool {
	if first, ok := c.seen.Get(key); ok && now.Sub(first) < c.window {
		return true
	}
	c.seen.Add(key, now)
	return false
}
