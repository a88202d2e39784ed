package protocol

import "encoding/json"

// OpenAIRequest is a chat completions request. Fields the gateway does not
// inspect ride along in Extra.
type OpenAIRequest struct {
	Model            string          `json:"model"`
	Messages         []OpenAIMessage `json:"messages"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stream           *bool           `json:"stream,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
}

type OpenAIMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is a string in the common case but providers also accept a
// list of typed parts. Text() flattens either form.
type MessageContent struct {
	Text  string
	Parts []ContentPart
	isArr bool
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		c.isArr = true
		return json.Unmarshal(data, &c.Parts)
	}
	c.isArr = false
	return json.Unmarshal(data, &c.Text)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isArr {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// IsText reports whether the content was a plain JSON string rather than a
// list of parts.
func (c MessageContent) IsText() bool {
	return !c.isArr
}

// Flatten returns the content as plain text. Non-text parts contribute
// nothing.
func (c MessageContent) Flatten() string {
	if !c.isArr {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	return out
}

type OpenAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   OpenAIUsage    `json:"usage"`
}

type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason *string       `json:"finish_reason"`
}

type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
