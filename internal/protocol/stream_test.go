package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/modelrelay/gateway/internal/models"
)

// feed pushes chunks through a transformer and returns the concatenated
// output plus the parsed (event, data) pairs.
func feed(t *testing.T, tr StreamTransformer, chunks ...string) (string, []sseEvent) {
	t.Helper()
	var out strings.Builder
	for _, c := range chunks {
		b, err := tr.Transform([]byte(c))
		require.NoError(t, err)
		out.Write(b)
	}
	return out.String(), parseEvents(out.String())
}

type sseEvent struct {
	event string
	data  string
}

func parseEvents(raw string) []sseEvent {
	var events []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if cur.data != "" || cur.event != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
			continue
		}
		if field, value, ok := parseSSELine(line); ok {
			switch field {
			case "event":
				cur.event = value
			case "data":
				cur.data = value
			}
		}
	}
	return events
}

func TestPassthroughStream(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolOpenAI, models.ProtocolOpenAI)
	out, err := tr.Transform([]byte("data: {\"x\":1}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "data: {\"x\":1}\n\n", string(out))

	tr = NewStreamTransformer(models.Protocol("custom"), models.ProtocolOpenAI)
	_, ok := tr.(passthroughStream)
	assert.True(t, ok)
}

func TestOpenAIToAnthropicStream(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolOpenAI, models.ProtocolAnthropic)

	_, events := feed(t, tr,
		"data: {\"id\":\"chatcmpl-123\",\"model\":\"gpt-4o\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"},\"finish_reason\":null}]}\n\n",
		"data: {\"id\":\"chatcmpl-123\",\"choices\":[{\"delta\":{\"content\":\"Hello\"},\"finish_reason\":null}]}\n\n",
		"data: {\"id\":\"chatcmpl-123\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n",
		"data: [DONE]\n\n",
	)

	var names []string
	for _, ev := range events {
		names = append(names, ev.event)
	}
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, names)

	assert.Equal(t, "chatcmpl-123", gjson.Get(events[0].data, "message.id").String())
	assert.Equal(t, "gpt-4o", gjson.Get(events[0].data, "message.model").String())
	assert.Equal(t, "Hello", gjson.Get(events[2].data, "delta.text").String())
	assert.Equal(t, "end_turn", gjson.Get(events[4].data, "delta.stop_reason").String())
	assert.Equal(t, int64(5), gjson.Get(events[4].data, "usage.output_tokens").Int())
}

func TestOpenAIToAnthropicStreamSkipsEmptyDeltas(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolOpenAI, models.ProtocolAnthropic)

	_, events := feed(t, tr,
		"data: {\"id\":\"c\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":\"\"},\"finish_reason\":null}]}\n\n",
	)

	// metadata-only chunk produces message_start but no content events
	require.Len(t, events, 1)
	assert.Equal(t, "message_start", events[0].event)
}

func TestOpenAIToAnthropicStreamSplitMidLine(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolOpenAI, models.ProtocolAnthropic)

	// one event split across three chunks, including mid-JSON
	full := "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hi\"},\"finish_reason\":null}]}\n\n"
	out1, err := tr.Transform([]byte(full[:20]))
	require.NoError(t, err)
	assert.Empty(t, out1, "partial line must not produce output")

	out2, err := tr.Transform([]byte(full[20:55]))
	require.NoError(t, err)
	assert.Empty(t, out2)

	out3, err := tr.Transform([]byte(full[55:]))
	require.NoError(t, err)
	events := parseEvents(string(out3))
	require.Len(t, events, 3)
	assert.Equal(t, "message_start", events[0].event)
	assert.Equal(t, "content_block_start", events[1].event)
	assert.Equal(t, "Hi", gjson.Get(events[2].data, "delta.text").String())
}

func TestAnthropicToOpenAIStream(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolAnthropic, models.ProtocolOpenAI)

	_, events := feed(t, tr,
		"event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-sonnet-4\"}}\n\n",
		"event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0}\n\n",
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hey\"}}\n\n",
		"event: content_block_stop\ndata: {\"type\":\"content_block_stop\",\"index\":0}\n\n",
		"event: message_delta\ndata: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":7}}\n\n",
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)

	// role chunk, content chunk, finish chunk, usage chunk, [DONE]
	require.Len(t, events, 5)
	for _, ev := range events {
		assert.Empty(t, ev.event, "openai frames are data-only")
	}

	assert.Equal(t, "msg_1", gjson.Get(events[0].data, "id").String())
	assert.Equal(t, "assistant", gjson.Get(events[0].data, "choices.0.delta.role").String())
	assert.Equal(t, "Hey", gjson.Get(events[1].data, "choices.0.delta.content").String())
	assert.Equal(t, "end_turn", gjson.Get(events[2].data, "choices.0.finish_reason").String())
	assert.Equal(t, int64(7), gjson.Get(events[3].data, "usage.completion_tokens").Int())
	assert.Equal(t, int64(7), gjson.Get(events[3].data, "usage.total_tokens").Int())
	assert.Equal(t, "[DONE]", events[4].data)
}

func TestAnthropicToOpenAIStreamNoUsage(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolAnthropic, models.ProtocolOpenAI)

	_, events := feed(t, tr,
		"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n",
	)

	// without a recorded usage the stop event emits only [DONE]
	require.Len(t, events, 1)
	assert.Equal(t, "[DONE]", events[0].data)
}

func TestAnthropicToOpenAIStreamIgnoresPing(t *testing.T) {
	tr := NewStreamTransformer(models.ProtocolAnthropic, models.ProtocolOpenAI)

	out, err := tr.Transform([]byte("event: ping\ndata: {\"type\":\"ping\"}\n\n"))
	require.NoError(t, err)
	assert.Empty(t, out)
}
