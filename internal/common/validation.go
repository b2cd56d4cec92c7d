package common

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/form-extractor/constants"
)

// ValidationError represents validation failures
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field '%s' with value '%v': %s", e.Field, e.Value, e.Message)
}

func (e ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Validator provides validation utilities
type Validator struct {
	errors []ValidationError
}

// NewValidator creates a new validator instance
func NewValidator() *Validator {
	return &Validator{
		errors: make([]ValidationError, 0),
	}
}

// Field validates a field and collects errors
func (v *Validator) Field(fieldName string, value interface{}, rules ...ValidationRule) *Validator {
	for _, rule := range rules {
		if err := rule(fieldName, value); err != nil {
			v.errors = append(v.errors, *err)
		}
	}
	return v
}

// HasErrors returns true if there are validation errors
func (v *Validator) HasErrors() bool {
	return len(v.errors) > 0
}

// Errors returns all validation errors
func (v *Validator) Errors() []ValidationError {
	return v.errors
}

// Error returns the collected failures as a single VALIDATION_ERROR, or nil.
func (v *Validator) Error() error {
	if !v.HasErrors() {
		return nil
	}
	return NewAppError(CodeValidation, v.ErrorMessage(), ErrValidation)
}

// ErrorMessage returns a combined error message as string
func (v *Validator) ErrorMessage() string {
	if !v.HasErrors() {
		return ""
	}

	var messages []string
	for _, err := range v.errors {
		messages = append(messages, err.Error())
	}
	return strings.Join(messages, "; ")
}

// ValidationRule represents a single validation rule
type ValidationRule func(fieldName string, value interface{}) *ValidationError

// Required - Common validation rules
func Required(fieldName string, value interface{}) *ValidationError {
	if value == nil {
		return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
	}

	switch v := value.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return &ValidationError{Field: fieldName, Value: value, Message: "is required"}
		}
	case int:
		if v <= 0 {
			return &ValidationError{Field: fieldName, Value: value, Message: "at least one is required"}
		}
	}
	return nil
}

// PDFFilename requires a non-empty filename with a .pdf extension.
func PDFFilename(fieldName string, value interface{}) *ValidationError {
	name, ok := value.(string)
	if !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a string"}
	}
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: fieldName, Value: value, Message: "file must have a filename"}
	}
	if _, ok := constants.AllowedExtensions[constants.NormalizeExt(filepath.Ext(name))]; !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a PDF"}
	}
	return nil
}

// PDFContentType accepts an empty content type; otherwise it must mention pdf.
func PDFContentType(fieldName string, value interface{}) *ValidationError {
	ct, ok := value.(string)
	if !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a string"}
	}
	if ct != "" && !strings.Contains(strings.ToLower(ct), "pdf") {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a PDF"}
	}
	return nil
}

// MaxBytes returns a rule rejecting int64 sizes above limit.
func MaxBytes(limit int64) ValidationRule {
	return func(fieldName string, value interface{}) *ValidationError {
		size, ok := value.(int64)
		if !ok {
			return &ValidationError{Field: fieldName, Value: value, Message: "must be a size in bytes"}
		}
		if limit > 0 && size > limit {
			return &ValidationError{
				Field:   fieldName,
				Value:   value,
				Message: fmt.Sprintf("file too large: %d bytes (max: %d)", size, limit),
			}
		}
		return nil
	}
}

// HTTPURL accepts an empty string or an absolute http(s) URL.
func HTTPURL(fieldName string, value interface{}) *ValidationError {
	raw, ok := value.(string)
	if !ok {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be a string"}
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if !IsHTTPURL(raw) {
		return &ValidationError{Field: fieldName, Value: value, Message: "must be an http or https URL"}
	}
	return nil
}

// IsHTTPURL reports whether raw parses as an absolute http(s) URL with a host.
func IsHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
