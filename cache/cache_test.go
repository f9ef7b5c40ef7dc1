package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(time.Minute)
	_, ok := c.Get("missing")
	require.False(t, ok)
}

func TestSetThenGetHits(t *testing.T) {
	c := New(time.Minute)
	c.Set("k", 42)
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10 * time.Millisecond)
	c.Set("k", "v")
	require.Eventually(t, func() bool {
		_, ok := c.Get("k")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestInvalidateForcesMiss(t *testing.T) {
	c := New(time.Minute)
	c.Set("k", "v")
	c.Invalidate("k")
	_, ok := c.Get("k")
	require.False(t, ok)
}

func TestFlushClearsEverything(t *testing.T) {
	c := New(time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Flush()
	_, okA := c.Get("a")
	_, okB := c.Get("b")
	require.False(t, okA)
	require.False(t, okB)
}
