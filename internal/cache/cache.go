// Package cache holds resolved upstream routes keyed by (token, model).
//
// Entries live under two clocks: a sliding idle TTL refreshed on every read,
// and a hard lifetime fixed at insertion that no amount of traffic extends.
// The refreshed deadline is always clamped to the hard one.
package cache

import (
	"context"
	"time"

	"github.com/modelrelay/gateway/internal/models"
)

// RouteCache is the store the request pipeline resolves routes through.
type RouteCache interface {
	// Get returns a snapshot of the cached routes for (token, model) and
	// refreshes the sliding deadline. The second return is false on a miss
	// or an expired entry.
	Get(ctx context.Context, token, model string) ([]models.RouteConfig, bool)

	// Set stores routes for (token, model), replacing any existing entry
	// and restarting both clocks.
	Set(ctx context.Context, token, model string, configs []models.RouteConfig)

	// RemoveConfig drops the routes matching failed's endpoint identity
	// from the (token, model) entry, deleting the entry when none remain.
	RemoveConfig(ctx context.Context, token, model string, failed models.RouteConfig)

	// Clear empties the cache.
	Clear(ctx context.Context)

	// Close releases background resources.
	Close() error
}

// Options configures a cache backend.
type Options struct {
	TTL         time.Duration
	MaxLifetime time.Duration
	MaxSize     int
}

func cacheKey(token, model string) string {
	return token + "\x00" + model
}

// clampDeadline applies the sliding-refresh rule: the new deadline is
// now+ttl, never past hard.
func clampDeadline(now time.Time, ttl time.Duration, hard time.Time) time.Time {
	d := now.Add(ttl)
	if d.After(hard) {
		return hard
	}
	return d
}
