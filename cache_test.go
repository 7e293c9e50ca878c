package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheGetSet(t *testing.T) {
	c := NewCache[string](time.Minute, 10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", "v")
	got, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", got)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache[int](time.Nanosecond, 10)
	c.Set("k", 42)

	time.Sleep(time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCacheEviction(t *testing.T) {
	c := NewCache[int](time.Minute, 3)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Set("d", 4)

	got, ok := c.Get("d")
	assert.True(t, ok)
	assert.Equal(t, 4, got)

	present := 0
	for _, k := range []string{"a", "b", "c", "d"} {
		if _, ok := c.Get(k); ok {
			present++
		}
	}
	assert.LessOrEqual(t, present, 3)
}
