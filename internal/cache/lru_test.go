package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUGetSet(t *testing.T) {
	c := NewLRU[int](10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	// Update in place, no growth.
	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUOverflowEvictsOldestFifth(t *testing.T) {
	c := NewLRU[int](10)
	for i := 0; i < 11; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	// 11 entries overflowed a capacity of 10: the oldest 2 (20%) go.
	assert.Equal(t, 9, c.Len())
	_, ok := c.Get("k0")
	assert.False(t, ok)
	_, ok = c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k10")
	assert.True(t, ok)
}

func TestLRUGetRefreshesRecency(t *testing.T) {
	c := NewLRU[int](10)
	for i := 0; i < 10; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	// Touch the oldest so eviction takes the next ones instead.
	c.Get("k0")
	c.Set("overflow", 99)

	_, ok := c.Get("k0")
	assert.True(t, ok)
	_, ok = c.Get("k1")
	assert.False(t, ok)
	_, ok = c.Get("k2")
	assert.False(t, ok)
}

func TestLRUTinyCapacityEvictsOne(t *testing.T) {
	c := NewLRU[int](2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRUDeleteAndClear(t *testing.T) {
	c := NewLRU[int](10)
	c.Set("a", 1)
	c.Set("b", 2)

	c.Delete("a")
	c.Delete("a") // second delete is a no-op
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Equal(t, 0, c.Len())
}
