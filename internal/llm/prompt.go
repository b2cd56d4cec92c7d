package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	schemaSystemPrompt = "You are a JSON schema generation assistant. Analyze form templates and create " +
		"JSON schemas that define the structure for extracting data from filled forms. " +
		"Respond with ONLY valid JSON (an object or array) representing the schema. " +
		"Do not include any explanatory text outside the JSON."

	schemaUserPrompt = "Analyze this PDF form template page and generate a JSON schema for extracting " +
		"answers from similar filled form pages. The schema should define the structure " +
		"and field names that will be used to extract data from completed forms. " +
		"Include field types and descriptions where applicable."

	extractSystemPrompt = "You are a data extraction assistant. Extract information from filled forms " +
		"according to the provided JSON schema. Respond with ONLY valid JSON containing " +
		"the extracted answers. Do not include any explanatory text."

	mappingSystemPrompt = "You are a field mapping assistant. Analyze Qualtrics survey HTML and map " +
		"its fields to provided JSON schemas. Respond with ONLY valid JSON containing " +
		"the field mappings. Do not include explanatory text."
)

// BuildSchemaMessages asks for a schema describing one template page.
func BuildSchemaMessages(imageURL string) []Message {
	return []Message{
		{Role: "system", Content: schemaSystemPrompt},
		{Role: "user", Content: []ContentPart{TextPart(schemaUserPrompt), ImagePart(imageURL)}},
	}
}

// BuildExtractMessages asks for the answers on one filled page, embedding the schema as text.
func BuildExtractMessages(imageURL string, schema any) []Message {
	text := "Using this JSON schema, extract answers from the attached filled form page. " +
		"Return only the extracted data as JSON matching the schema structure. " +
		"Schema: " + compactJSON(schema)
	return []Message{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: []ContentPart{TextPart(text), ImagePart(imageURL)}},
	}
}

// BuildMappingMessages asks for a survey-field mapping. The HTML is cut to htmlLimit runes.
func BuildMappingMessages(html string, schemas []any, htmlLimit int) []Message {
	var b strings.Builder
	b.WriteString("Analyze the following Qualtrics survey page HTML and map its fields to ")
	b.WriteString("the provided JSON schemas. Create a mapping that shows how each schema field ")
	b.WriteString("corresponds to a Qualtrics field.\n\n")
	b.WriteString("Qualtrics HTML:\n")
	b.WriteString(TruncateRunes(html, htmlLimit))
	b.WriteString("\n\nJSON Schemas:\n")
	b.WriteString(compactJSON(schemas))
	return []Message{
		{Role: "system", Content: mappingSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// ImageDataURL wraps base64 image data as a data: URL.
func ImageDataURL(mimeType, b64 string) string {
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return "data:" + mimeType + ";base64," + b64
}

// TruncateRunes keeps at most n runes of s.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
