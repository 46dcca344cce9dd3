// Package domain holds the shared types flowing between the bus, the
// conversation cache, the strategies, and the pipeline.
package domain

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentPart is one segment of structured message content.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

const (
	PartText  = "input_text"
	PartImage = "input_image"
)

// Content is either plain text or a structured part list. Parts wins when
// both are set; providers without a multimodal field flatten via PlainText.
type Content struct {
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`
}

// TextContent wraps plain text as message content.
func TextContent(s string) Content {
	return Content{Text: s}
}

// MultimodalContent builds structured content from text plus an optional
// image reference.
func MultimodalContent(text, imageURL string) Content {
	parts := []ContentPart{{Type: PartText, Text: text}}
	if imageURL != "" {
		parts = append(parts, ContentPart{Type: PartImage, ImageURL: imageURL})
	}
	return Content{Parts: parts}
}

// PlainText flattens content to a single string. Structured content
// collapses to its first text part.
func (c Content) PlainText() string {
	if len(c.Parts) > 0 {
		for _, p := range c.Parts {
			if p.Type == PartText {
				return p.Text
			}
		}
		return ""
	}
	return c.Text
}

// HistoryItem is one turn of conversation history. Timestamp is epoch
// milliseconds, assigned at cache-write time when zero.
type HistoryItem struct {
	Role      Role    `json:"role"`
	Content   Content `json:"content"`
	Timestamp int64   `json:"timestamp,omitempty"`
}

// ResultType discriminates the payload of a strategy result.
type ResultType string

const (
	ResultText  ResultType = "text"
	ResultAudio ResultType = "audio"
)

// Result is the outcome of one strategy turn. Callers must check Type
// before treating Response as display text: an audio result carries the
// synthesized speech in Audio and Response holds the spoken text.
type Result struct {
	Type     ResultType `json:"type"`
	Response string     `json:"response"`
	Audio    []byte     `json:"audio,omitempty"`
}

// TextResult wraps a plain answer.
func TextResult(s string) Result {
	return Result{Type: ResultText, Response: s}
}

// Source identifies the originating front-end platform, used to select
// system prompts and response formatting.
type Source string

const (
	SourceChat  Source = "chat"
	SourceVoice Source = "voice"
	SourceHTTP  Source = "http"
)

// Attachments carries optional file references on an inbound request.
type Attachments struct {
	Image string `json:"image,omitempty"`
	Text  string `json:"txt,omitempty"`
}
