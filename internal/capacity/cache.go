package capacity

import (
	"sync"
	"time"

	"github.com/joinflow/joinflow/types"
	"k8s.io/utils/clock"
)

// Cache holds the last loaded capacity config for ttl. It is owned by a Provider and passed
// by reference; a zero ttl disables caching.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	clock    clock.PassiveClock
	value    *types.CapacityConfig
	loadedAt time.Time
}

func NewCache(ttl time.Duration, clk clock.PassiveClock) *Cache {
	return &Cache{ttl: ttl, clock: clk}
}

// Get returns the cached config if it is still fresh.
func (c *Cache) Get() (types.CapacityConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == nil || c.ttl <= 0 || c.clock.Since(c.loadedAt) >= c.ttl {
		return types.CapacityConfig{}, false
	}
	return *c.value, true
}

func (c *Cache) Set(cfg types.CapacityConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = &cfg
	c.loadedAt = c.clock.Now()
}

func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = nil
}
