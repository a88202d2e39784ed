package protocol

import "encoding/json"

// AnthropicRequest is a messages API request.
type AnthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	TopK        *int               `json:"top_k,omitempty"`
	Stream      *bool              `json:"stream,omitempty"`
	System      string             `json:"system,omitempty"`
}

type AnthropicMessage struct {
	Role    string           `json:"role"`
	Content AnthropicContent `json:"content"`
}

// AnthropicContent mirrors MessageContent for the blocks form the messages
// API uses: a string or a list of typed blocks.
type AnthropicContent struct {
	Text   string
	Blocks []ContentBlock
	isArr  bool
}

type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func AnthropicText(s string) AnthropicContent {
	return AnthropicContent{Text: s}
}

func (c *AnthropicContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		c.isArr = true
		return json.Unmarshal(data, &c.Blocks)
	}
	c.isArr = false
	return json.Unmarshal(data, &c.Text)
}

func (c AnthropicContent) MarshalJSON() ([]byte, error) {
	if c.isArr {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

func (c AnthropicContent) Flatten() string {
	if !c.isArr {
		return c.Text
	}
	var out string
	for _, b := range c.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

type AnthropicResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        AnthropicUsage `json:"usage"`
}

type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
