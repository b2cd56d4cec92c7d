package pipeline

import "github.com/joseph-ayodele/form-extractor/constants"

// InputFile is one uploaded filled form.
type InputFile struct {
	Filename string
	Data     []byte
}

// PageResult is the outcome of extracting one page. Answers is set only on
// success and Error only on failure.
type PageResult struct {
	PageIndex   int              `json:"page_index"`
	Status      constants.Status `json:"status"`
	Answers     any              `json:"answers"`
	Error       string           `json:"error,omitempty"`
	Base64Image string           `json:"base64_image"`
}

// FileResult aggregates the pages of one uploaded document. Status is error only
// when the whole file could not be rasterized.
type FileResult struct {
	Filename     string           `json:"filename"`
	Status       constants.Status `json:"status"`
	Pages        []PageResult     `json:"pages"`
	Base64Images []string         `json:"base64_images"`
	Error        string           `json:"error,omitempty"`
}

// BatchResult is the full response of one extraction request.
type BatchResult struct {
	Status                constants.Status `json:"status"`
	Error                 string           `json:"error,omitempty"`
	JSONSchemas           []any            `json:"json_schemas"`
	Results               []FileResult     `json:"results"`
	TemplateBase64Images  []string         `json:"template_base64_images"`
	QualtricsMapping      any              `json:"qualtrics_mapping"`
	ReceivedQualtricsLink *string          `json:"received_qualtrics_link"`
}

func failedBatch(msg string, link *string) BatchResult {
	return BatchResult{
		Status:                constants.StatusError,
		Error:                 msg,
		JSONSchemas:           []any{},
		Results:               []FileResult{},
		TemplateBase64Images:  []string{},
		ReceivedQualtricsLink: link,
	}
}

// SchemaFor picks the schema for filled page i: the matching template page, or
// the first schema for pages past the template.
func SchemaFor(schemas []any, i int) any {
	if len(schemas) == 0 {
		return nil
	}
	if i >= 0 && i < len(schemas) {
		return schemas[i]
	}
	return schemas[0]
}
