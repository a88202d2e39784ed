package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/gateway/internal/models"
)

func testOptions() Options {
	return Options{
		TTL:         5 * time.Minute,
		MaxLifetime: 24 * time.Hour,
		MaxSize:     10000,
	}
}

func route(token, api string) models.RouteConfig {
	return models.RouteConfig{
		Token:       token,
		Model:       "gpt-4o",
		APIEndpoint: api,
		Protocol:    models.ProtocolOpenAI,
	}
}

func TestMemorySetGet(t *testing.T) {
	c := NewMemoryCache(testOptions())
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{route("sk-1", "https://a.example.com")})

	got, ok := c.Get(ctx, "tok", "gpt-4o")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "https://a.example.com", got[0].APIEndpoint)

	_, ok = c.Get(ctx, "tok", "other-model")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "other-tok", "gpt-4o")
	assert.False(t, ok)
}

func TestMemoryGetReturnsSnapshot(t *testing.T) {
	c := NewMemoryCache(testOptions())
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{route("sk-1", "https://a.example.com")})

	got, ok := c.Get(ctx, "tok", "gpt-4o")
	require.True(t, ok)
	got[0].APIEndpoint = "mutated"

	again, ok := c.Get(ctx, "tok", "gpt-4o")
	require.True(t, ok)
	assert.Equal(t, "https://a.example.com", again[0].APIEndpoint)
}

func TestMemorySlidingExpiry(t *testing.T) {
	opts := testOptions()
	opts.TTL = 40 * time.Millisecond
	c := NewMemoryCache(opts)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{route("sk-1", "https://a.example.com")})

	// reads inside the window keep the entry alive past the original TTL
	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		_, ok := c.Get(ctx, "tok", "gpt-4o")
		require.True(t, ok, "read %d", i)
	}

	time.Sleep(60 * time.Millisecond)
	_, ok := c.Get(ctx, "tok", "gpt-4o")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryHardLifetimeWins(t *testing.T) {
	opts := testOptions()
	opts.TTL = time.Hour
	opts.MaxLifetime = 40 * time.Millisecond
	c := NewMemoryCache(opts)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{route("sk-1", "https://a.example.com")})

	_, ok := c.Get(ctx, "tok", "gpt-4o")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get(ctx, "tok", "gpt-4o")
	assert.False(t, ok, "reads must not extend the hard lifetime")
}

func TestClampDeadline(t *testing.T) {
	now := time.Now()
	hard := now.Add(time.Minute)

	assert.Equal(t, now.Add(30*time.Second), clampDeadline(now, 30*time.Second, hard))
	assert.Equal(t, hard, clampDeadline(now, time.Hour, hard))
}

func TestMemoryRemoveConfig(t *testing.T) {
	c := NewMemoryCache(testOptions())
	defer c.Close()
	ctx := context.Background()

	a := route("sk-1", "https://a.example.com")
	b := route("sk-2", "https://b.example.com")
	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{a, b})

	c.RemoveConfig(ctx, "tok", "gpt-4o", a)
	got, ok := c.Get(ctx, "tok", "gpt-4o")
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "https://b.example.com", got[0].APIEndpoint)

	// removing the last route drops the entry
	c.RemoveConfig(ctx, "tok", "gpt-4o", b)
	_, ok = c.Get(ctx, "tok", "gpt-4o")
	assert.False(t, ok)
}

func TestMemoryRemoveConfigMatchesEndpointIdentity(t *testing.T) {
	c := NewMemoryCache(testOptions())
	defer c.Close()
	ctx := context.Background()

	a := route("sk-1", "https://a.example.com")
	aDup := a
	aDup.ModelID = "99"
	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{a, aDup})

	// both share (token, endpoint) so one failure removes both
	c.RemoveConfig(ctx, "tok", "gpt-4o", a)
	_, ok := c.Get(ctx, "tok", "gpt-4o")
	assert.False(t, ok)
}

func TestMemoryClear(t *testing.T) {
	c := NewMemoryCache(testOptions())
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		c.Set(ctx, fmt.Sprintf("tok-%d", i), "gpt-4o", []models.RouteConfig{route("sk", "https://a.example.com")})
	}
	require.Equal(t, 10, c.Len())

	c.Clear(ctx)
	assert.Equal(t, 0, c.Len())
}

func TestMemoryMaxSizeEviction(t *testing.T) {
	opts := testOptions()
	opts.MaxSize = memoryShardCount // one entry per shard
	c := NewMemoryCache(opts)
	defer c.Close()
	ctx := context.Background()

	for i := 0; i < memoryShardCount*4; i++ {
		c.Set(ctx, fmt.Sprintf("tok-%d", i), "gpt-4o", []models.RouteConfig{route("sk", "https://a.example.com")})
	}
	assert.LessOrEqual(t, c.Len(), memoryShardCount)
}

func TestMemorySweepRemovesExpired(t *testing.T) {
	opts := testOptions()
	opts.TTL = 10 * time.Millisecond
	c := NewMemoryCache(opts)
	defer c.Close()
	ctx := context.Background()

	c.Set(ctx, "tok", "gpt-4o", []models.RouteConfig{route("sk", "https://a.example.com")})
	time.Sleep(30 * time.Millisecond)

	c.sweepOnce(time.Now())
	assert.Equal(t, 0, c.Len())
}

func TestMemorySweepIntervalTracksTTL(t *testing.T) {
	short := testOptions()
	short.TTL = 10 * time.Second
	c := NewMemoryCache(short)
	defer c.Close()
	assert.Equal(t, time.Minute, c.sweepEvery)

	long := testOptions()
	long.TTL = 5 * time.Minute
	c2 := NewMemoryCache(long)
	defer c2.Close()
	assert.Equal(t, 5*time.Minute, c2.sweepEvery)
}
