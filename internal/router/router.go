// Package router resolves (token, model) pairs to upstream routes, going
// through the route cache first and falling back to the business API.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/modelrelay/gateway/internal/cache"
	"github.com/modelrelay/gateway/internal/config"
	"github.com/modelrelay/gateway/internal/models"
)

const resolvePath = "/v1/route/resolve"

// HTTPClient lets tests substitute the business API transport.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Resolver answers route lookups for the request pipeline.
type Resolver struct {
	cache  cache.RouteCache
	client HTTPClient
	cfg    config.BusinessAPIConfig
	logger *log.Logger

	// retrySleep is swapped out in tests to keep retries fast.
	retrySleep func(time.Duration)
}

// New builds a Resolver with a dedicated short-timeout client for the
// business API.
func New(c cache.RouteCache, cfg config.BusinessAPIConfig, logger *log.Logger) *Resolver {
	return &Resolver{
		cache:      c,
		client:     &http.Client{Timeout: cfg.Timeout.Std()},
		cfg:        cfg,
		logger:     logger,
		retrySleep: time.Sleep,
	}
}

// ResolveRoute returns the routes for (token, model), consulting the cache
// before the business API. A fresh fetch is cached only when non-empty.
func (r *Resolver) ResolveRoute(ctx context.Context, token, model string) ([]models.RouteConfig, error) {
	if configs, ok := r.cache.Get(ctx, token, model); ok && len(configs) > 0 {
		return configs, nil
	}

	configs, err := r.fetch(ctx, token, model)
	if err != nil {
		return nil, err
	}
	if len(configs) > 0 {
		r.cache.Set(ctx, token, model, configs)
	}
	return configs, nil
}

// RemoveFailedRoute evicts a route that produced an upstream server error so
// later requests stop trying it.
func (r *Resolver) RemoveFailedRoute(ctx context.Context, token, model string, failed models.RouteConfig) {
	r.cache.RemoveConfig(ctx, token, model, failed)
}

// fetch calls the business API, retrying transport errors and 5xx responses
// with a linear 100ms backoff. 4xx responses and success=false payloads are
// terminal.
func (r *Resolver) fetch(ctx context.Context, token, model string) ([]models.RouteConfig, error) {
	url := r.cfg.BaseURL + resolvePath
	body, err := json.Marshal(models.RouteRequest{Token: token, Model: model})
	if err != nil {
		return nil, fmt.Errorf("router: marshal request: %w", err)
	}

	for attempt := 0; ; attempt++ {
		configs, retryable, err := r.fetchOnce(ctx, url, body)
		if err == nil {
			return configs, nil
		}
		if !retryable || attempt >= r.cfg.RetryAttempts {
			return nil, err
		}
		r.logger.Printf("business API: %v, retrying %d/%d", err, attempt+1, r.cfg.RetryAttempts)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		r.retrySleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
}

func (r *Resolver) fetchOnce(ctx context.Context, url string, body []byte) ([]models.RouteConfig, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, fmt.Errorf("router: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("router: call business API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, true, fmt.Errorf("router: business API returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("router: business API returned status %d", resp.StatusCode)
	}

	var routeResp models.RouteResponse
	if err := json.NewDecoder(resp.Body).Decode(&routeResp); err != nil {
		return nil, false, fmt.Errorf("router: decode response: %w", err)
	}
	if !routeResp.Success {
		return nil, false, fmt.Errorf("router: business API rejected lookup: %s", routeResp.Message)
	}
	return routeResp.Data, false, nil
}
