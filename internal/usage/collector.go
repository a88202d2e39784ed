// Package usage extracts token counts from SSE streams as they pass
// through the gateway. The collector taps the raw upstream bytes before any
// protocol translation, so it always parses the upstream's own dialect.
package usage

import (
	"bytes"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/modelrelay/gateway/internal/models"
)

// maxBufferSize caps the partial-event buffer. A stream that never produces
// an event boundary gets its buffer dropped rather than growing without
// bound.
const maxBufferSize = 1 << 20

// Reporter receives the finished usage event.
type Reporter interface {
	ReportUsage(event models.UsageEvent)
}

// Collector accumulates SSE bytes for one streaming response and reports a
// single usage event once both token counts are known.
type Collector struct {
	requestID string
	userToken string
	route     models.RouteConfig
	reporter  Reporter

	mu       sync.Mutex
	buf      []byte
	input    *int64
	output   *int64
	reported bool
}

// NewCollector builds a collector for one streaming request.
func NewCollector(requestID, userToken string, route models.RouteConfig, reporter Reporter) *Collector {
	return &Collector{
		requestID: requestID,
		userToken: userToken,
		route:     route,
		reporter:  reporter,
	}
}

// Observe feeds raw upstream bytes through the collector. The chunk is not
// modified; callers forward it downstream unchanged.
func (c *Collector) Observe(chunk []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf = append(c.buf, chunk...)
	for {
		i := bytes.Index(c.buf, []byte("\n\n"))
		if i < 0 {
			break
		}
		event := string(c.buf[:i])
		c.buf = c.buf[i+2:]
		c.processEvent(event)
	}

	if len(c.buf) > maxBufferSize {
		c.buf = nil
	}
}

// Finish reports the usage event if the stream ended without a terminal
// event and both counts were seen. Safe to call more than once.
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reportLocked()
}

// processEvent handles one complete SSE event. Multi-line data fields are
// joined per the SSE spec.
func (c *Collector) processEvent(event string) {
	var dataLines []string
	for _, line := range strings.Split(event, "\n") {
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			dataLines = append(dataLines, strings.TrimPrefix(rest, " "))
		}
	}
	if len(dataLines) == 0 {
		return
	}
	data := strings.Join(dataLines, "\n")
	if strings.TrimSpace(data) == "[DONE]" {
		return
	}
	if !gjson.Valid(data) {
		return
	}

	if c.route.Protocol.Normalize() == models.ProtocolAnthropic {
		c.extractAnthropic(data)
	} else {
		c.extractOpenAI(data)
	}
}

func (c *Collector) extractAnthropic(data string) {
	switch gjson.Get(data, "type").String() {
	case "message_start":
		if v := gjson.Get(data, "message.usage.input_tokens"); v.Exists() {
			n := v.Int()
			c.input = &n
		}
	case "message_delta":
		if v := gjson.Get(data, "usage.output_tokens"); v.Exists() {
			n := v.Int()
			c.output = &n
		}
	case "message_stop":
		c.reportLocked()
	}
}

func (c *Collector) extractOpenAI(data string) {
	// responses API terminal events nest usage under response
	switch gjson.Get(data, "type").String() {
	case "response.completed", "response.done":
		usage := gjson.Get(data, "response.usage")
		if !usage.Exists() {
			return
		}
		if v := usage.Get("input_tokens"); v.Exists() {
			n := v.Int()
			c.input = &n
		}
		if v := usage.Get("output_tokens"); v.Exists() {
			n := v.Int()
			c.output = &n
		}
		c.reportLocked()
		return
	}

	usage := gjson.Get(data, "usage")
	if !usage.Exists() || usage.Type == gjson.Null {
		return
	}
	if v := usage.Get("prompt_tokens"); v.Exists() {
		n := v.Int()
		c.input = &n
	} else if v := usage.Get("input_tokens"); v.Exists() {
		n := v.Int()
		c.input = &n
	}
	if v := usage.Get("completion_tokens"); v.Exists() {
		n := v.Int()
		c.output = &n
		c.reportLocked()
	} else if v := usage.Get("output_tokens"); v.Exists() {
		n := v.Int()
		c.output = &n
		c.reportLocked()
	}
}

// reportLocked emits the usage event at most once, and only when both
// counts were observed. Caller holds c.mu.
func (c *Collector) reportLocked() {
	if c.reported || c.input == nil || c.output == nil {
		return
	}
	c.reported = true
	c.reporter.ReportUsage(models.UsageEvent{
		RequestID:       c.requestID,
		Token:           c.userToken,
		Model:           c.route.Model,
		API:             c.route.APIEndpoint,
		InputTokens:     int(*c.input),
		OutputTokens:    int(*c.output),
		ModelID:         c.route.ModelID,
		ProviderID:      c.route.ProviderID,
		ProviderTokenID: c.route.ProviderTokenID,
	})
}
