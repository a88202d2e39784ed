package protocol

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/modelrelay/gateway/internal/models"
)

func TestDetectClientProtocol(t *testing.T) {
	tests := []struct {
		name string
		path string
		auth string
		want models.Protocol
	}{
		{"chat completions path", "/v1/chat/completions", "", models.ProtocolOpenAI},
		{"messages path", "/v1/messages", "", models.ProtocolAnthropic},
		{"responses path", "/v1/responses", "", models.ProtocolOpenAI},
		{"bearer sk token", "/other", "Bearer sk-abc123", models.ProtocolOpenAI},
		{"x-api-key auth", "/other", "x-api-key abc123", models.ProtocolAnthropic},
		{"no signal defaults to openai", "/other", "", models.ProtocolOpenAI},
		{"path wins over auth", "/v1/messages", "Bearer sk-abc123", models.ProtocolAnthropic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.path, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			assert.Equal(t, tt.want, DetectClientProtocol(req))
		})
	}
}

func TestIsStreamRequest(t *testing.T) {
	assert.True(t, IsStreamRequest([]byte(`{"model":"m","stream":true}`)))
	assert.False(t, IsStreamRequest([]byte(`{"model":"m","stream":false}`)))
	assert.False(t, IsStreamRequest([]byte(`{"model":"m"}`)))
	assert.False(t, IsStreamRequest([]byte(`{"stream":"true"}`)))
	assert.False(t, IsStreamRequest([]byte(`not json`)))
	assert.False(t, IsStreamRequest(nil))
}

func TestExtractModel(t *testing.T) {
	assert.Equal(t, "gpt-4o", ExtractModel([]byte(`{"model":"gpt-4o"}`)))
	assert.Equal(t, "", ExtractModel([]byte(`{}`)))
	assert.Equal(t, "", ExtractModel([]byte(`garbage`)))
}
