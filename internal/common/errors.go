package common

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinel registered for the error code, so callers can
// use errors.Is(err, ErrPDFProcessing) whatever the underlying cause is.
func (e *AppError) Is(target error) bool {
	kind, ok := kinds[e.Code]
	return ok && kind == target
}

// Error codes
const (
	CodePDFProcessing    = "PDF_PROCESSING_ERROR"
	CodeImageProcessing  = "IMAGE_PROCESSING_ERROR"
	CodeVLMAPI           = "VLM_API_ERROR"
	CodeQualtrics        = "QUALTRICS_ERROR"
	CodeValidation       = "VALIDATION_ERROR"
	CodeSchemaGeneration = "SCHEMA_GENERATION_ERROR"
	CodeExtraction       = "EXTRACTION_ERROR"
	CodeConfig           = "CONFIG_ERROR"
)

// Common application errors
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrInternal         = errors.New("internal error")
	ErrValidation       = errors.New("validation failed")
	ErrPDFProcessing    = errors.New("pdf processing failed")
	ErrImageProcessing  = errors.New("image processing failed")
	ErrVLMAPI           = errors.New("vlm api error")
	ErrQualtrics        = errors.New("qualtrics fetch failed")
	ErrSchemaGeneration = errors.New("schema generation failed")
	ErrExtraction       = errors.New("extraction failed")
)

var kinds = map[string]error{
	CodePDFProcessing:    ErrPDFProcessing,
	CodeImageProcessing:  ErrImageProcessing,
	CodeVLMAPI:           ErrVLMAPI,
	CodeQualtrics:        ErrQualtrics,
	CodeValidation:       ErrValidation,
	CodeSchemaGeneration: ErrSchemaGeneration,
	CodeExtraction:       ErrExtraction,
	CodeConfig:           ErrInvalidInput,
}

// Error constructors
func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

func PDFProcessingError(message string, cause error) error {
	return NewAppError(CodePDFProcessing, message, cause)
}

func ImageProcessingError(message string, cause error) error {
	return NewAppError(CodeImageProcessing, message, cause)
}

func QualtricsError(message string, cause error) error {
	return NewAppError(CodeQualtrics, message, cause)
}

func SchemaGenerationError(message string, cause error) error {
	return NewAppError(CodeSchemaGeneration, message, cause)
}

func ExtractionError(message string, cause error) error {
	return NewAppError(CodeExtraction, message, cause)
}

// HTTP error helpers

// HTTPStatus maps an error to the status code the HTTP layer answers with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrPDFProcessing), errors.Is(err, ErrImageProcessing):
		return http.StatusBadRequest
	case errors.Is(err, ErrVLMAPI), errors.Is(err, ErrQualtrics):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
