package cache

import (
	"testing"
	"time"

	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/stretchr/testify/assert"
)

func TestMemoryCache_SetGet(t *testing.T) {
	c := NewMemoryCache[string, int](logger.Nop())

	c.Set("a", 1, 0)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	c := NewMemoryCache[string, string](logger.Nop()).(*memoryCache[string, string])
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("course", "structure", time.Minute)
	_, ok := c.Get("course")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("course")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entries are evicted on read")
}

func TestWithTTL(t *testing.T) {
	base := NewMemoryCache[int, string](logger.Nop())
	c := WithTTL(base, time.Hour)

	c.Set(1, "one", 0)
	v, ok := base.Get(1)
	assert.True(t, ok)
	assert.Equal(t, "one", v)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
}
