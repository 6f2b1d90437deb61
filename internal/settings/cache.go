package settings

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/AybarCi/YukleGelTaksi-sub001/internal/common/logger"
)

// Dispatch tunables. Each has a hardcoded fallback used when the setting
// is absent or the store is unreachable; staleness here only affects
// tuning, never correctness.
const (
	KeySearchRadiusKm          = "driver_search_radius_km"
	KeyMaxDriversPerRequest    = "max_drivers_per_request"
	KeyLocationIntervalMinutes = "driver_location_update_interval_minutes"
	KeyLocationThresholdMeters = "customer_location_change_threshold_meters"
	KeyMaxOrdersPerDriver      = "max_orders_per_driver"
)

const (
	DefaultSearchRadiusKm          = 10.0
	DefaultMaxDriversPerRequest    = 10
	DefaultLocationIntervalMinutes = 10
	DefaultLocationThresholdMeters = 100.0
	DefaultMaxOrdersPerDriver      = 1
)

type store interface {
	Get(ctx context.Context, key string) (string, error)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Cache is a bounded-TTL read-through cache over system_settings.
type Cache struct {
	repo store
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

func NewCache(repo store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{
		repo:    repo,
		ttl:     ttl,
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Get returns the raw setting value, reading through to the store when the
// cached copy is missing or expired. ok is false when the setting is not
// set anywhere, the caller falls back to its default.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	c.mu.RLock()
	e, cached := c.entries[key]
	c.mu.RUnlock()

	if cached && c.now().Before(e.expiresAt) {
		return e.value, e.value != ""
	}

	value, err := c.repo.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotSet) {
			logger.Warn("settings_read_failed", "Falling back to default for "+key)
			// Keep serving the stale copy when the store is down.
			if cached {
				return e.value, e.value != ""
			}
			return "", false
		}
		value = ""
	}

	c.mu.Lock()
	c.entries[key] = entry{value: value, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return value, value != ""
}

func (c *Cache) Float64(ctx context.Context, key string, def float64) float64 {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return f
}

func (c *Cache) Int(ctx context.Context, key string, def int) int {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return i
}

// Invalidate drops a key after an admin write so the next read sees the
// fresh value.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Convenience getters used by dispatch and geo search.

func (c *Cache) SearchRadiusKm(ctx context.Context) float64 {
	return c.Float64(ctx, KeySearchRadiusKm, DefaultSearchRadiusKm)
}

func (c *Cache) MaxDriversPerRequest(ctx context.Context) int {
	return c.Int(ctx, KeyMaxDriversPerRequest, DefaultMaxDriversPerRequest)
}

// StalenessWindow is how old a driver's last fix may be before the driver
// stops counting as matchable.
func (c *Cache) StalenessWindow(ctx context.Context) time.Duration {
	minutes := c.Int(ctx, KeyLocationIntervalMinutes, DefaultLocationIntervalMinutes)
	return time.Duration(minutes) * time.Minute
}

func (c *Cache) LocationThresholdMeters(ctx context.Context) float64 {
	return c.Float64(ctx, KeyLocationThresholdMeters, DefaultLocationThresholdMeters)
}

func (c *Cache) MaxOrdersPerDriver(ctx context.Context) int {
	return c.Int(ctx, KeyMaxOrdersPerDriver, DefaultMaxOrdersPerDriver)
}
