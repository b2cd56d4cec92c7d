package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/form-extractor/constants"
	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/export"
	"github.com/joseph-ayodele/form-extractor/internal/pipeline"
)

// multipart parts above this are spooled to disk
const multipartMemory = 32 << 20

type extractRequest struct {
	template  pipeline.InputFile
	files     []pipeline.InputFile
	surveyURL string
	format    string
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	logger := common.LoggerFromContext(ctx, s.logger)

	req, err := s.readExtractRequest(r)
	if err != nil {
		logger.Warn("http.extract.invalid", "error", err)
		s.stats.Record(false, time.Since(start))
		writeJSONError(w, validationMessage(err), common.HTTPStatus(err))
		return
	}
	logger.Info("http.extract.start",
		"template", req.template.Filename,
		"files", len(req.files),
		"qualtrics_link", req.surveyURL != "",
		"format", req.format,
	)

	result, err := s.extractor.ExtractBatch(ctx, req.template.Data, req.files, req.surveyURL)
	s.stats.Record(err == nil, time.Since(start))
	if err != nil {
		status := common.HTTPStatus(err)
		logger.Error("http.extract.failed", "status", status, "error", err)
		writeJSON(w, status, result)
		return
	}

	if req.format == "xlsx" {
		data, err := export.WriteBatchXLSX(result, logger)
		if err != nil {
			logger.Error("http.extract.export_failed", "error", err)
			writeJSONError(w, "failed to build XLSX export", http.StatusInternalServerError)
			return
		}
		name := fmt.Sprintf("extraction-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
		w.Header().Set("Content-Type", constants.MIMEXLSX)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(data); err != nil {
			logger.Warn("http.extract.write_failed", "error", err)
		}
		return
	}

	logger.Info("http.extract.ok", "files", len(result.Results), "elapsed_ms", time.Since(start).Milliseconds())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) readExtractRequest(r *http.Request) (*extractRequest, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, common.NewAppError(common.CodeValidation, "expected a multipart/form-data body", err)
	}

	templates := r.MultipartForm.File["template"]
	files := r.MultipartForm.File["files"]
	surveyURL := strings.TrimSpace(r.FormValue("qualtrics_link"))
	format := strings.ToLower(strings.TrimSpace(r.FormValue("format")))
	if format == "" {
		format = strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format")))
	}
	if format == "" {
		format = "json"
	}

	v := common.NewValidator().
		Field("template", len(templates), common.Required).
		Field("files", len(files), common.Required).
		Field("qualtrics_link", surveyURL, common.HTTPURL)
	if format != "json" && format != "xlsx" {
		v.Field("format", format, func(field string, value interface{}) *common.ValidationError {
			return &common.ValidationError{Field: field, Value: value, Message: "must be json or xlsx"}
		})
	}
	uploads := make([]*multipart.FileHeader, 0, len(files)+1)
	if len(templates) > 0 {
		uploads = append(uploads, templates[0])
	}
	for _, fh := range append(uploads, files...) {
		v.Field("filename", fh.Filename, common.PDFFilename).
			Field("content_type", fh.Header.Get("Content-Type"), common.PDFContentType).
			Field("size", fh.Size, common.MaxBytes(s.cfg.MaxUploadBytes))
	}
	if err := v.Error(); err != nil {
		return nil, err
	}

	tpl, err := readPart(templates[0])
	if err != nil {
		return nil, err
	}
	req := &extractRequest{template: tpl, surveyURL: surveyURL, format: format}
	for _, fh := range files {
		f, err := readPart(fh)
		if err != nil {
			return nil, err
		}
		req.files = append(req.files, f)
	}
	return req, nil
}

func readPart(fh *multipart.FileHeader) (pipeline.InputFile, error) {
	f, err := fh.Open()
	if err != nil {
		return pipeline.InputFile{}, common.NewAppError(common.CodeValidation, "cannot read "+fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return pipeline.InputFile{}, common.NewAppError(common.CodeValidation, "cannot read "+fh.Filename, err)
	}
	return pipeline.InputFile{Filename: fh.Filename, Data: data}, nil
}

// validationMessage drops the error code prefix so clients see the reason only.
func validationMessage(err error) string {
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
