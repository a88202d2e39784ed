package protocol

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/modelrelay/gateway/internal/models"
)

// StreamTransformer converts SSE chunks from the upstream's protocol into
// the client's. Chunks may split events and even JSON values at arbitrary
// byte boundaries; implementations buffer partial lines and emit only
// complete events. An empty return means the transformer is waiting for
// more input.
type StreamTransformer interface {
	Transform(chunk []byte) ([]byte, error)
}

// NewStreamTransformer picks the transformer for an upstream->client
// protocol pair. Same-protocol streams pass through untouched.
func NewStreamTransformer(source, target models.Protocol) StreamTransformer {
	src, tgt := source.Normalize(), target.Normalize()
	switch {
	case src == models.ProtocolOpenAI && tgt == models.ProtocolAnthropic:
		return &openaiToAnthropicStream{}
	case src == models.ProtocolAnthropic && tgt == models.ProtocolOpenAI:
		return &anthropicToOpenAIStream{
			messageID: "chatcmpl-unknown",
			model:     "unknown",
		}
	default:
		return passthroughStream{}
	}
}

type passthroughStream struct{}

func (passthroughStream) Transform(chunk []byte) ([]byte, error) {
	return chunk, nil
}

// splitLines consumes complete lines from *buf, appending the remainder of
// the last partial line back for the next chunk.
func splitLines(buf *[]byte, chunk []byte) []string {
	*buf = append(*buf, chunk...)
	var lines []string
	for {
		i := bytes.IndexByte(*buf, '\n')
		if i < 0 {
			return lines
		}
		lines = append(lines, string((*buf)[:i]))
		*buf = (*buf)[i+1:]
	}
}

func marshalEvent(v map[string]any) string {
	out, _ := json.Marshal(v)
	return string(out)
}

// openaiToAnthropicStream rewrites an OpenAI chat-completions SSE stream
// into Anthropic messages events. message_start is emitted on the first
// data frame, content_block_start lazily before the first text delta, and
// the closing event triplet when [DONE] arrives.
type openaiToAnthropicStream struct {
	buf                 []byte
	messageStarted      bool
	contentBlockStarted bool
	done                bool
	usageTokens         *int64
}

func (s *openaiToAnthropicStream) Transform(chunk []byte) ([]byte, error) {
	var out strings.Builder
	for _, line := range splitLines(&s.buf, chunk) {
		line = strings.TrimSpace(line)
		if line == "" || s.done {
			continue
		}
		field, value, ok := parseSSELine(line)
		if !ok || field != "data" {
			continue
		}
		if value == "[DONE]" {
			s.finish(&out)
			continue
		}
		if !gjson.Valid(value) {
			continue
		}
		s.handleData(value, &out)
	}
	return []byte(out.String()), nil
}

func (s *openaiToAnthropicStream) handleData(value string, out *strings.Builder) {
	if usage := gjson.Get(value, "usage"); usage.Exists() && usage.Type != gjson.Null {
		if t := usage.Get("completion_tokens"); t.Exists() {
			n := t.Int()
			s.usageTokens = &n
		}
	}

	if !s.messageStarted {
		id := gjson.Get(value, "id").String()
		if id == "" {
			id = "msg_unknown"
		}
		model := gjson.Get(value, "model").String()
		if model == "" {
			model = "unknown"
		}
		out.WriteString(formatSSE("message_start", marshalEvent(map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            id,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
			},
		})))
		s.messageStarted = true
	}

	delta := gjson.Get(value, "choices.0.delta")
	if !delta.Exists() {
		return
	}
	if delta.Get("role").Exists() && !s.contentBlockStarted {
		s.startContentBlock(out)
	}
	if content := delta.Get("content"); content.Type == gjson.String && content.String() != "" {
		if !s.contentBlockStarted {
			s.startContentBlock(out)
		}
		out.WriteString(formatSSE("content_block_delta", marshalEvent(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": content.String()},
		})))
	}
}

func (s *openaiToAnthropicStream) startContentBlock(out *strings.Builder) {
	out.WriteString(formatSSE("content_block_start", marshalEvent(map[string]any{
		"type":          "content_block_start",
		"index":         0,
		"content_block": map[string]any{"type": "text", "text": ""},
	})))
	s.contentBlockStarted = true
}

func (s *openaiToAnthropicStream) finish(out *strings.Builder) {
	if s.contentBlockStarted {
		out.WriteString(formatSSE("content_block_stop", marshalEvent(map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})))
	}
	delta := map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": "end_turn"},
	}
	if s.usageTokens != nil {
		delta["usage"] = map[string]any{"output_tokens": *s.usageTokens}
	}
	out.WriteString(formatSSE("message_delta", marshalEvent(delta)))
	out.WriteString(formatSSE("message_stop", marshalEvent(map[string]any{
		"type": "message_stop",
	})))
	s.done = true
}

// anthropicToOpenAIStream rewrites an Anthropic messages SSE stream into
// OpenAI chat-completion chunks, ending with a usage chunk and [DONE].
type anthropicToOpenAIStream struct {
	buf          []byte
	currentEvent string
	messageID    string
	model        string
	usage        map[string]any
}

func (s *anthropicToOpenAIStream) Transform(chunk []byte) ([]byte, error) {
	var out strings.Builder
	for _, line := range splitLines(&s.buf, chunk) {
		line = strings.TrimSpace(line)
		if line == "" {
			s.currentEvent = ""
			continue
		}
		field, value, ok := parseSSELine(line)
		if !ok {
			continue
		}
		switch field {
		case "event":
			s.currentEvent = value
		case "data":
			if gjson.Valid(value) {
				s.handleData(value, &out)
			}
		}
	}
	return []byte(out.String()), nil
}

func (s *anthropicToOpenAIStream) handleData(value string, out *strings.Builder) {
	switch s.currentEvent {
	case "message_start":
		if id := gjson.Get(value, "message.id").String(); id != "" {
			s.messageID = id
		}
		if model := gjson.Get(value, "message.model").String(); model != "" {
			s.model = model
		}
		out.WriteString(formatSSE("", s.chunk(map[string]any{
			"role": "assistant", "content": "",
		}, nil)))
	case "content_block_delta":
		if text := gjson.Get(value, "delta.text"); text.Type == gjson.String {
			out.WriteString(formatSSE("", s.chunk(map[string]any{
				"content": text.String(),
			}, nil)))
		}
	case "message_delta":
		stopReason := gjson.Get(value, "delta.stop_reason").String()
		if stopReason == "" {
			stopReason = "stop"
		}
		if usage := gjson.Get(value, "usage"); usage.Exists() {
			outputTokens := usage.Get("output_tokens").Int()
			s.usage = map[string]any{
				"prompt_tokens":     0,
				"completion_tokens": outputTokens,
				"total_tokens":      outputTokens,
			}
		}
		out.WriteString(formatSSE("", s.chunk(map[string]any{
			"content": "",
		}, &stopReason)))
	case "message_stop":
		if s.usage != nil {
			out.WriteString(formatSSE("", marshalEvent(map[string]any{
				"id":      s.messageID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   s.model,
				"choices": []any{},
				"usage":   s.usage,
			})))
		}
		out.WriteString(formatSSE("", "[DONE]"))
	}
}

func (s *anthropicToOpenAIStream) chunk(delta map[string]any, finishReason *string) string {
	var finish any
	if finishReason != nil {
		finish = *finishReason
	}
	return marshalEvent(map[string]any{
		"id":      s.messageID,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   s.model,
		"choices": []any{map[string]any{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
		"usage": nil,
	})
}
