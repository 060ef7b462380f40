// Package presence answers whether a persisted Telegram session file exists
// for a user, caching answers briefly to avoid repeated filesystem scans.
package presence

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an answer is trusted.
const DefaultTTL = 30 * time.Second

// Cache maps user keys to session-file existence.
type Cache struct {
	dir string
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu      sync.Mutex
	entries map[string]entry
}

type entry struct {
	exists bool
	at     time.Time
}

// New creates a cache over session files in dir. A ttl of zero uses DefaultTTL.
func New(dir string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{dir: dir, ttl: ttl, now: time.Now, entries: make(map[string]entry)}
}

// Path returns the host path of key's session file.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, "user_"+key+".session")
}

// Exists reports whether key has a non-empty session file. Concurrent
// misses for one key share a single stat.
func (c *Cache) Exists(key string) bool {
	now := c.now()
	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()
	if ok && now.Sub(e.at) < c.ttl {
		return e.exists
	}

	v, _, _ := c.group.Do(key, func() (any, error) {
		exists := c.stat(key)
		c.Set(key, exists)
		return exists, nil
	})
	return v.(bool)
}

func (c *Cache) stat(key string) bool {
	fi, err := os.Stat(c.Path(key))
	if err != nil {
		return false
	}
	// The helper creates the file before authorizing; an empty file holds no session.
	return fi.Mode().IsRegular() && fi.Size() > 0
}

// Set records an answer obtained elsewhere, such as a live check.
func (c *Cache) Set(key string, exists bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{exists: exists, at: c.now()}
}

// Invalidate forgets key's answer.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
