// Package proxy forwards translated requests to upstream providers.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/modelrelay/gateway/internal/config"
	"github.com/modelrelay/gateway/internal/models"
)

// anthropicVersion is injected when the client did not send one; the
// messages API rejects requests without it.
const anthropicVersion = "2023-06-01"

// UpstreamError reports a non-2xx upstream response. The status code is
// carried explicitly so callers can branch on the class of failure without
// inspecting message text.
type UpstreamError struct {
	StatusCode int
	Body       []byte
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

// IsClientError reports whether err is an upstream 4xx the client caused.
// Such failures are terminal: retrying another route would fail the same
// way.
func IsClientError(err error) bool {
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		return false
	}
	switch ue.StatusCode {
	case http.StatusBadRequest,
		http.StatusUnauthorized,
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusUnprocessableEntity,
		http.StatusTooManyRequests:
		return true
	}
	return false
}

// StatusCode returns the upstream status carried by err, or 0 when err is
// not an UpstreamError.
func StatusCode(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return 0
}

// sensitiveHeaders are never copied from the client request: auth is
// replaced with the route credential, and the rest are connection-scoped.
var sensitiveHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Host",
	"Content-Length",
	"Transfer-Encoding",
	"Connection",
}

// FilterHeaders copies h without the credential and connection-scoped
// entries.
func FilterHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		out.Del(name)
	}
	return out
}

// Forwarder sends translated request bodies upstream. Unary calls go
// through a client with the configured timeout; streams use a second
// client without one so long SSE responses are not cut off mid-stream.
type Forwarder struct {
	client       *http.Client
	streamClient *http.Client
	logger       *log.Logger
}

// NewForwarder builds the two upstream clients over one shared pooled
// transport.
func NewForwarder(cfg config.ProxyConfig, logger *log.Logger) *Forwarder {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if cfg.KeepAlive {
		dialer.KeepAlive = 30 * time.Second
	} else {
		dialer.KeepAlive = -1
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.MaxConnections,
		MaxIdleConnsPerHost: cfg.MaxConnections,
		IdleConnTimeout:     60 * time.Second,
		DisableKeepAlives:   !cfg.KeepAlive,
	}
	return &Forwarder{
		client:       &http.Client{Transport: transport, Timeout: cfg.Timeout.Std()},
		streamClient: &http.Client{Transport: transport},
		logger:       logger,
	}
}

// Forward sends a unary request and returns the upstream body. Non-2xx
// responses become an UpstreamError carrying the status and body.
func (f *Forwarder) Forward(ctx context.Context, route models.RouteConfig, body []byte, customPath string, clientHeaders http.Header) ([]byte, error) {
	resp, err := f.send(ctx, f.client, route, body, customPath, clientHeaders)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("proxy: read upstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		f.logger.Printf("upstream %s returned status %d", route.APIEndpoint, resp.StatusCode)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: out}
	}
	return out, nil
}

// Stream sends a streaming request and hands back the response with its
// body still open. The caller owns closing it. Non-2xx responses are
// drained into an UpstreamError before any bytes reach the client.
func (f *Forwarder) Stream(ctx context.Context, route models.RouteConfig, body []byte, customPath string, clientHeaders http.Header) (*http.Response, error) {
	resp, err := f.send(ctx, f.streamClient, route, body, customPath, clientHeaders)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			errBody = []byte("failed to read error response")
		}
		f.logger.Printf("upstream %s returned status %d before streaming", route.APIEndpoint, resp.StatusCode)
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: errBody}
	}
	return resp, nil
}

func (f *Forwarder) send(ctx context.Context, client *http.Client, route models.RouteConfig, body []byte, customPath string, clientHeaders http.Header) (*http.Response, error) {
	url := buildURL(route, customPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	req.Header = FilterHeaders(clientHeaders)

	if route.Protocol.Normalize() == models.ProtocolAnthropic {
		req.Header.Set("x-api-key", route.Token)
		if req.Header.Get("anthropic-version") == "" {
			req.Header.Set("anthropic-version", anthropicVersion)
		}
	} else {
		req.Header.Set("Authorization", "Bearer "+route.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: call upstream %s: %w", url, err)
	}
	return resp, nil
}

// buildURL joins the route endpoint with the protocol path, dropping the
// /v1 segment when the endpoint already ends in one.
func buildURL(route models.RouteConfig, customPath string) string {
	base := strings.TrimRight(route.APIEndpoint, "/")
	hasV1 := strings.HasSuffix(base, "/v1")

	var path string
	switch {
	case customPath == "/v1/responses":
		if hasV1 {
			path = "/responses"
		} else {
			path = "/v1/responses"
		}
	case customPath != "":
		path = customPath
	case route.Protocol.Normalize() == models.ProtocolAnthropic:
		if hasV1 {
			path = "/messages"
		} else {
			path = "/v1/messages"
		}
	default:
		if hasV1 {
			path = "/chat/completions"
		} else {
			path = "/v1/chat/completions"
		}
	}
	return base + path
}
