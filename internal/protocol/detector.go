// Package protocol detects client wire protocols and translates requests,
// responses, and SSE streams between the OpenAI and Anthropic formats.
package protocol

import (
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/modelrelay/gateway/internal/models"
)

// DetectClientProtocol decides the client's wire protocol, by path first and
// then by the shape of the Authorization header. Unknown requests default to
// OpenAI, the dominant dialect among SDKs.
func DetectClientProtocol(r *http.Request) models.Protocol {
	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/v1/chat/completions"):
		return models.ProtocolOpenAI
	case strings.HasPrefix(path, "/v1/messages"):
		return models.ProtocolAnthropic
	case strings.HasPrefix(path, "/v1/responses"):
		return models.ProtocolOpenAI
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer sk-") {
		return models.ProtocolOpenAI
	}
	if strings.HasPrefix(auth, "x-api-key") {
		return models.ProtocolAnthropic
	}
	return models.ProtocolOpenAI
}

// IsStreamRequest reports whether the JSON body asks for a streaming
// response. Non-JSON bodies and absent fields count as non-streaming.
func IsStreamRequest(body []byte) bool {
	if !gjson.ValidBytes(body) {
		return false
	}
	v := gjson.GetBytes(body, "stream")
	return v.Type == gjson.True
}

// ExtractModel pulls the requested model name out of the JSON body.
func ExtractModel(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	return gjson.GetBytes(body, "model").String()
}
