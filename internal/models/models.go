// Package models holds the protocol-agnostic data shapes shared across the
// gateway: protocol identifiers, route configurations returned by the
// business backend, and the telemetry event payloads reported back to it.
package models

import "encoding/json"

// Protocol identifies a chat protocol dialect. The two well-known values are
// OpenAI chat-completions and Anthropic messages; any other non-empty value
// names a custom provider dialect, which is treated like OpenAI on the wire.
type Protocol string

const (
	ProtocolOpenAI    Protocol = "openai"
	ProtocolAnthropic Protocol = "anthropic"
)

// IsCustom reports whether p names a custom provider dialect.
func (p Protocol) IsCustom() bool {
	return p != ProtocolOpenAI && p != ProtocolAnthropic && p != ""
}

// Normalize maps custom dialects and the empty value to OpenAI, the wire
// behavior they share.
func (p Protocol) Normalize() Protocol {
	if p == ProtocolAnthropic {
		return ProtocolAnthropic
	}
	return ProtocolOpenAI
}

// RouteConfig describes one candidate upstream endpoint for a resolved route.
// The wire field names follow the business backend's schema.
type RouteConfig struct {
	// Token is the provider credential injected into upstream auth headers.
	Token string `json:"token"`
	// Model is the upstream model identifier to substitute into requests.
	Model string `json:"model"`
	// APIEndpoint is the upstream base URL; a trailing slash is
	// insignificant, and the URL may or may not already end in /v1.
	APIEndpoint string `json:"api"`
	// Protocol is the dialect the upstream speaks.
	Protocol Protocol `json:"protocol"`

	// Opaque attribution IDs echoed to telemetry for billing.
	ModelID         string `json:"model_id"`
	ProviderID      string `json:"provider_id"`
	ProviderTokenID string `json:"provider_token_id"`
}

// SameEndpoint reports whether two configs refer to the same upstream for
// cache-eviction purposes. Only (token, api_endpoint) participate: the same
// endpoint may appear in multiple configs differing only in attribution IDs.
func (c RouteConfig) SameEndpoint(other RouteConfig) bool {
	return c.Token == other.Token && c.APIEndpoint == other.APIEndpoint
}

// RouteRequest is the body of POST /v1/route/resolve.
type RouteRequest struct {
	Token string `json:"token"`
	Model string `json:"model"`
}

// RouteResponse is the business backend's answer to a route resolution.
type RouteResponse struct {
	Code    int           `json:"code"`
	Success bool          `json:"success"`
	Message string        `json:"message"`
	Data    []RouteConfig `json:"data"`
}

// ErrorEvent reports a failed upstream call to the business backend.
type ErrorEvent struct {
	Token string `json:"token"`
	Model string `json:"model"`
	API   string `json:"api"`
	Msg   string `json:"msg"`

	ProviderTokenID string `json:"provider_token_id,omitempty"`
}

// UsageEvent reports token consumption for one request. RequestID is unique
// per inbound request; the backend uses it to deduplicate repeated reports
// from the same stream.
type UsageEvent struct {
	RequestID    string `json:"request_id"`
	Token        string `json:"token"`
	Model        string `json:"model"`
	API          string `json:"api"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`

	ModelID         string `json:"model_id"`
	ProviderID      string `json:"provider_id"`
	ProviderTokenID string `json:"provider_token_id"`
}

// TelemetryResponse is the backend's acknowledgment of a telemetry event.
type TelemetryResponse struct {
	Code    int             `json:"code"`
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
