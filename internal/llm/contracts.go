package llm

import "context"

// Message is one chat-completions message. Content is either a string or []ContentPart.
type Message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

// ContentPart is a text or image_url part of a user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}}
}

// FormModel is the interface the extraction pipeline depends on.
// Schemas, answers and mappings are opaque JSON values.
type FormModel interface {
	GenerateSchema(ctx context.Context, imageB64 string) (any, error)
	ExtractAnswers(ctx context.Context, imageB64 string, schema any) (any, error)
	// MapSurveyFields is best-effort: ok is false when there is nothing to map or the call failed.
	MapSurveyFields(ctx context.Context, html string, schemas []any) (mapping any, ok bool)
}
