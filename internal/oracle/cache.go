package oracle

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Cache memoizes oracle responses. Injected so the in-memory implementation
// can later be swapped for a distributed one without touching call sites.
type Cache interface {
	Get(key string) ([]byte, bool)
	SetWithTTL(key string, value []byte, ttl time.Duration)
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is a mutex-guarded in-process Cache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryCacheEntry), now: time.Now}
}

func (c *MemoryCache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *MemoryCache) SetWithTTL(key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryCacheEntry{value: value, expiresAt: c.now().Add(ttl)}
}

// gradeCacheKey identifies a grading call by everything that can change its
// output: item, model, seed, answer and context. Answer and context are
// hashed to keep keys bounded.
func gradeCacheKey(req GradeRequest, model string) string {
	answerSum := sha256.Sum256([]byte(req.Answer))
	ctxSum := sha256.Sum256([]byte(req.Prompt + "\x00" + req.JobContext + "\x00" + req.ApplicantContext))
	return fmt.Sprintf("grade:%s:%s:%d:%s:%s",
		req.ItemID, model, req.Seed,
		hex.EncodeToString(answerSum[:8]), hex.EncodeToString(ctxSum[:8]))
}
