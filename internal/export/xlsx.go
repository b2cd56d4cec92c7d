package export

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/form-extractor/internal/pipeline"
)

const (
	sheetResults = "Results"
	sheetSchemas = "Schemas"
	sheetMapping = "Mapping"

	// excelize rejects longer cell values
	maxCellChars = 32767
)

// Row is one line of the Results sheet. Page is -1 for a file that failed as a whole.
type Row struct {
	Filename string
	Page     int
	Status   string
	Field    string
	Value    string
	Error    string
}

// WriteBatchXLSX renders result as a workbook with one row per extracted answer,
// the schemas of each template page, and the survey mapping when present.
func WriteBatchXLSX(result pipeline.BatchResult, logger *slog.Logger) ([]byte, error) {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()

	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logger.Warn("export.xlsx.close_error", "error", err)
		}
	}()

	// the default sheet becomes Results
	if err := f.SetSheetName(f.GetSheetName(0), sheetResults); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	rows := ResultRows(result)
	writeRow(f, sheetResults, 1, "Filename", "Page", "Status", "Field", "Value", "Error")
	for i, r := range rows {
		var page any = r.Page
		if r.Page < 0 {
			page = ""
		}
		writeRow(f, sheetResults, i+2, r.Filename, page, r.Status, r.Field, r.Value, r.Error)
	}
	_ = f.SetColWidth(sheetResults, "A", "A", 32) // filename
	_ = f.SetColWidth(sheetResults, "B", "C", 10)
	_ = f.SetColWidth(sheetResults, "D", "D", 40) // field path
	_ = f.SetColWidth(sheetResults, "E", "F", 60)

	if _, err := f.NewSheet(sheetSchemas); err != nil {
		return nil, fmt.Errorf("new sheet: %w", err)
	}
	writeRow(f, sheetSchemas, 1, "Template Page", "Schema")
	for i, s := range result.JSONSchemas {
		writeRow(f, sheetSchemas, i+2, i, compact(s))
	}
	_ = f.SetColWidth(sheetSchemas, "B", "B", 120)

	if result.QualtricsMapping != nil {
		if _, err := f.NewSheet(sheetMapping); err != nil {
			return nil, fmt.Errorf("new sheet: %w", err)
		}
		writeRow(f, sheetMapping, 1, "Field", "Value")
		r := 2
		for _, leaf := range Flatten(result.QualtricsMapping) {
			writeRow(f, sheetMapping, r, leaf.Path, leaf.Value)
			r++
		}
		_ = f.SetColWidth(sheetMapping, "A", "B", 48)
	}

	f.SetActiveSheet(0)
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	logger.Info("export.xlsx.ok",
		"files", len(result.Results),
		"rows", len(rows),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

// ResultRows flattens the per-page answers. Failed pages, failed files and pages
// whose answers are not an object or array get a single row.
func ResultRows(result pipeline.BatchResult) []Row {
	var rows []Row
	for _, fr := range result.Results {
		if len(fr.Pages) == 0 {
			rows = append(rows, Row{Filename: fr.Filename, Page: -1, Status: string(fr.Status), Error: fr.Error})
			continue
		}
		for _, p := range fr.Pages {
			base := Row{Filename: fr.Filename, Page: p.PageIndex, Status: string(p.Status), Error: p.Error}
			leaves := Flatten(p.Answers)
			if p.Error != "" || len(leaves) == 0 {
				rows = append(rows, base)
				continue
			}
			for _, l := range leaves {
				r := base
				r.Field, r.Value = l.Path, l.Value
				rows = append(rows, r)
			}
		}
	}
	return rows
}

// Leaf is one scalar inside a JSON value, addressed by a dotted path.
type Leaf struct {
	Path  string
	Value string
}

// Flatten lists the scalars of v in a stable order. Object keys are sorted and
// array elements are addressed by index. A bare scalar yields one leaf with an empty path.
func Flatten(v any) []Leaf {
	var out []Leaf
	var walk func(prefix string, v any)
	walk = func(prefix string, v any) {
		switch t := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(join(prefix, k), t[k])
			}
		case []any:
			for i, e := range t {
				walk(join(prefix, strconv.Itoa(i)), e)
			}
		case nil:
			if prefix != "" {
				out = append(out, Leaf{Path: prefix})
			}
		default:
			out = append(out, Leaf{Path: prefix, Value: scalar(t)})
		}
	}
	walk("", v)
	return out
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func compact(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return truncate(string(b), maxCellChars)
}

func writeRow(f *excelize.File, sheet string, row int, values ...any) {
	for i, v := range values {
		cell, _ := excelize.CoordinatesToCellName(i+1, row)
		if s, ok := v.(string); ok {
			v = truncate(s, maxCellChars)
		}
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
