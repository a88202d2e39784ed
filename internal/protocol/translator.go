package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/sjson"

	"github.com/modelrelay/gateway/internal/models"
)

// defaultMaxTokens is used when an OpenAI request omits max_tokens, which
// the Anthropic messages API requires.
const defaultMaxTokens = 1024

// TranslateRequest rewrites a client request body for the target upstream.
// Same-protocol pairs only swap the model name in place, keeping fields the
// gateway does not model. Cross-protocol pairs go through a full typed
// conversion.
func TranslateRequest(source, target models.Protocol, targetModel string, body []byte) ([]byte, error) {
	src, tgt := source.Normalize(), target.Normalize()
	switch {
	case src == tgt:
		out, err := sjson.SetBytes(body, "model", targetModel)
		if err != nil {
			return nil, fmt.Errorf("protocol: rewrite model: %w", err)
		}
		return out, nil
	case src == models.ProtocolOpenAI && tgt == models.ProtocolAnthropic:
		return openaiRequestToAnthropic(body, targetModel)
	case src == models.ProtocolAnthropic && tgt == models.ProtocolOpenAI:
		return anthropicRequestToOpenAI(body, targetModel)
	}
	return nil, fmt.Errorf("protocol: unsupported conversion %s -> %s", source, target)
}

// TranslateResponse rewrites an upstream response body into the client's
// protocol. Same-protocol responses pass through untouched.
func TranslateResponse(source, target models.Protocol, body []byte) ([]byte, error) {
	src, tgt := source.Normalize(), target.Normalize()
	switch {
	case src == tgt:
		return body, nil
	case src == models.ProtocolOpenAI && tgt == models.ProtocolAnthropic:
		return openaiResponseToAnthropic(body)
	case src == models.ProtocolAnthropic && tgt == models.ProtocolOpenAI:
		return anthropicResponseToOpenAI(body)
	}
	return nil, fmt.Errorf("protocol: unsupported conversion %s -> %s", source, target)
}

func openaiRequestToAnthropic(body []byte, targetModel string) ([]byte, error) {
	var req OpenAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("protocol: parse openai request: %w", err)
	}

	out := AnthropicRequest{
		Model:       targetModel,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// only string-form system content is promoted
			if msg.Content.IsText() {
				out.System = msg.Content.Text
			}
		case "user", "assistant":
			out.Messages = append(out.Messages, AnthropicMessage{
				Role:    msg.Role,
				Content: AnthropicText(msg.Content.Flatten()),
			})
		}
	}

	return json.Marshal(out)
}

func anthropicRequestToOpenAI(body []byte, targetModel string) ([]byte, error) {
	var req AnthropicRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("protocol: parse anthropic request: %w", err)
	}

	maxTokens := req.MaxTokens
	out := OpenAIRequest{
		Model:       targetModel,
		MaxTokens:   &maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stream:      req.Stream,
	}

	if req.System != "" {
		out.Messages = append(out.Messages, OpenAIMessage{
			Role:    "system",
			Content: TextContent(req.System),
		})
	}
	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, OpenAIMessage{
			Role:    msg.Role,
			Content: TextContent(msg.Content.Flatten()),
		})
	}

	return json.Marshal(out)
}

func openaiResponseToAnthropic(body []byte) ([]byte, error) {
	var resp OpenAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("protocol: parse openai response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("protocol: no choices in openai response")
	}
	first := resp.Choices[0]

	out := AnthropicResponse{
		ID:         resp.ID,
		Type:       "message",
		Role:       "assistant",
		Content:    []ContentBlock{{Type: "text", Text: first.Message.Content.Flatten()}},
		Model:      resp.Model,
		StopReason: first.FinishReason,
		Usage: AnthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	return json.Marshal(out)
}

func anthropicResponseToOpenAI(body []byte) ([]byte, error) {
	var resp AnthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("protocol: parse anthropic response: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	out := OpenAIResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      OpenAIMessage{Role: "assistant", Content: TextContent(text)},
			FinishReason: resp.StopReason,
		}},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}
