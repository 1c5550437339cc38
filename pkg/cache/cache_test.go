package cache

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestPublishNeverReplaces(t *testing.T) {
	c := New[string, int]("test", 0)

	assert.True(t, c.Publish("k", 1))
	assert.False(t, c.Publish("k", 2))

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Set("k", 3)
	v, _ = c.Get("k")
	assert.Equal(t, 3, v)
}

func TestGenerationRotation(t *testing.T) {
	c := New[int, string]("test", 2)
	c.Set(1, "a")
	c.Set(2, "b")
	c.Set(3, "c") // rotates: {1,2} becomes previous

	v, ok := c.Get(1)
	require.True(t, ok, "previous generation is still readable")
	assert.Equal(t, "a", v)

	c.Set(4, "d")
	c.Set(5, "e") // rotates again; 2 was never promoted

	_, ok = c.Get(2)
	assert.False(t, ok)
	_, ok = c.Get(5)
	assert.True(t, ok)
}

func TestRemoveAndClear(t *testing.T) {
	c := New[string, int]("test", 1)
	c.Set("a", 1)
	c.Set("b", 2)
	assert.Equal(t, 2, c.Len())

	c.Remove("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestConcurrentPublishKeepsFirstValue(t *testing.T) {
	c := New[string, int]("test", 0)
	var won atomic.Int32

	var g errgroup.Group
	for i := 1; i <= 8; i++ {
		i := i
		g.Go(func() error {
			if c.Publish("k", i) {
				won.Add(1)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), won.Load())
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Positive(t, v)
}
