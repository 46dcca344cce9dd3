package openai

import "encoding/json"

// ContentItem is one part of a structured input message.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// InputItem is one message in a Responses API request. Content carries
// either a string or a []ContentItem.
type InputItem struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// Tool configures a tool for the request: either a function tool the
// model may call (Name, Description, Parameters) or a remote MCP server
// (ServerURL, ServerLabel).
type Tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	ServerURL   string          `json:"server_url,omitempty"`
	ServerLabel string          `json:"server_label,omitempty"`
}

// SpeechTool declares the function tool the model calls to request
// speech synthesis for its answer.
func SpeechTool() Tool {
	return Tool{
		Type:        "function",
		Name:        speechToolName,
		Description: "Speak the answer aloud instead of replying with text. Use when the user asks to hear the response.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string","description":"The text to speak"}},"required":["text"]}`),
	}
}

// ResponsesRequest is the Responses API request body.
type ResponsesRequest struct {
	Model string      `json:"model"`
	Input []InputItem `json:"input"`
	Tools []Tool      `json:"tools,omitempty"`
}

// OutputContent is one content part of an output item.
type OutputContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// OutputItem is one entry of the response output array. Function-call
// items carry Name and Arguments instead of Content.
type OutputItem struct {
	Type      string          `json:"type"`
	Content   []OutputContent `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the Responses API response body.
type Response struct {
	ID         string       `json:"id"`
	Model      string       `json:"model"`
	OutputText string       `json:"output_text,omitempty"`
	Output     []OutputItem `json:"output"`
	Usage      Usage        `json:"usage"`
}

// Text returns the response's answer text: the output_text convenience
// field when present, otherwise the first message content part.
func (r *Response) Text() string {
	if r.OutputText != "" {
		return r.OutputText
	}
	for _, item := range r.Output {
		if item.Type != "message" {
			continue
		}
		for _, c := range item.Content {
			if c.Type == "output_text" && c.Text != "" {
				return c.Text
			}
		}
	}
	return ""
}

// speechToolName is the function-call name the model uses to request
// speech synthesis for its answer.
const speechToolName = "synthesize_speech"

// SpeechCall returns the function-call item requesting speech synthesis,
// if the model embedded one in the response.
func (r *Response) SpeechCall() (*OutputItem, bool) {
	for i, item := range r.Output {
		if item.Type == "function_call" && item.Name == speechToolName {
			return &r.Output[i], true
		}
	}
	return nil, false
}

// SpeechRequest is the audio/speech request body.
type SpeechRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
	Input string `json:"input"`
}
