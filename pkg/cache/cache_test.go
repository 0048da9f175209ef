package cache

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestCache(ttl time.Duration) (*Cache[string, int], *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New[string, int](ttl)
	c.now = clk.now
	return c, clk
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	c.SetWithTTL("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 2, c.Len())

	clk.t = clk.t.Add(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "expiry is exclusive")
	assert.Equal(t, 1, c.Len())

	clk.t = clk.t.Add(time.Minute)
	c.removeExpired()
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.items)
}

func TestCache_DeleteFunc(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	defer c.Stop()

	c.Set("channels:w1", 1)
	c.Set("channels:w2", 2)
	c.Set("workspaces", 3)

	c.DeleteFunc(func(k string) bool { return strings.HasPrefix(k, "channels:") })
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("workspaces")
	assert.True(t, ok)

	c.Delete("workspaces")
	assert.Equal(t, 0, c.Len())
}

func TestCache_GetOrLoad(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	defer c.Stop()
	ctx := context.Background()

	loads := 0
	load := func(context.Context) (int, error) {
		loads++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrLoad(ctx, "k", load)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, loads)

	boom := errors.New("boom")
	_, err := c.GetOrLoad(ctx, "bad", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	_, ok := c.Get("bad")
	assert.False(t, ok, "errors are not cached")
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Stop()
	c.Stop()
	c.Set("a", 1)
	_, ok := c.Get("a")
	assert.True(t, ok)
}
