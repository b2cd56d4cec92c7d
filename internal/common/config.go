package common

import (
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig
	RateLimit RateLimitConfig
	Log       LogConfig
	Raster    RasterConfig
	VLM       VLMConfig
	Survey    SurveyConfig
	Pipeline  PipelineConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	CORSOrigins     []string
	MaxUploadBytes  int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// RateLimitConfig is declared for deployments; the service only reports it.
type RateLimitConfig struct {
	Enabled  bool
	Requests int
	Period   time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string // "json" | "text"
}

// RasterConfig holds PDF rasterization configuration
type RasterConfig struct {
	Pdftoppm     string
	DPI          int
	MaxPages     int
	Quality      int
	Format       string
	TargetWidth  int
	TargetHeight int
	MaxWidth     int
	MaxHeight    int
}

// VLMConfig holds vision-language model endpoint configuration
type VLMConfig struct {
	URL              string
	Model            string
	APIKey           string
	Temperature      float64
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	StructuredOutput bool
}

// SurveyConfig holds survey page fetch configuration
type SurveyConfig struct {
	Timeout   time.Duration
	HTMLLimit int
	Condense  bool
}

// PipelineConfig holds orchestrator concurrency limits
type PipelineConfig struct {
	MaxInFlight       int
	QueueSize         int
	FileConcurrency   int
	SchemaConcurrency int
}

const (
	DefaultVLMURL   = "https://vllm-4090.workstation.ritsdev.top/v1/chat/completions"
	DefaultVLMModel = "Qwen3-VL-30B-A3B-Instruct-AWQ"
)

var defaults = map[string]any{
	"api_host":              "0.0.0.0",
	"api_port":              8000,
	"cors_origins":          "*",
	"max_upload_bytes":      int64(50 * 1024 * 1024),
	"http_read_timeout":     "60s",
	"http_write_timeout":    "15m",
	"shutdown_timeout":      "30s",
	"rate_limit_enabled":    false,
	"rate_limit_requests":   100,
	"rate_limit_period":     60,
	"log_level":             "INFO",
	"log_format":            "json",
	"pdftoppm_path":         "pdftoppm",
	"pdf_dpi":               200,
	"max_pdf_pages":         50,
	"image_quality":         95,
	"image_format":          "JPEG",
	"default_image_size":    "1024x1024",
	"max_image_size":        "2048x2048",
	"vlm_api_url":           DefaultVLMURL,
	"vlm_model":             DefaultVLMModel,
	"vlm_api_key":           "",
	"vlm_temperature":       0.0,
	"vlm_structured_output": true,
	"requests_timeout":      60.0,
	"max_retries":           3,
	"retry_delay":           1.0,
	"survey_html_limit":     5000,
	"survey_condense_html":  true,
	"vlm_max_in_flight":     4,
	"vlm_queue_size":        256,
	"file_concurrency":      2,
	"schema_concurrency":    1,
}

// LoadConfig loads configuration from the environment, after applying any .env files.
// With no files given, ./.env is tried and silently skipped when absent.
func LoadConfig(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, NewAppError(CodeConfig, "load .env", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	var errs *multierror.Error

	targetW, targetH, err := parseSize(v.GetString("default_image_size"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("DEFAULT_IMAGE_SIZE: %w", err))
	}
	maxW, maxH, err := parseSize(v.GetString("max_image_size"))
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("MAX_IMAGE_SIZE: %w", err))
	}
	if errs.ErrorOrNil() != nil {
		return nil, NewAppError(CodeConfig, "invalid configuration", errs)
	}

	requestTimeout := seconds(v.GetFloat64("requests_timeout"))
	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("api_host"),
			Port:            v.GetInt("api_port"),
			CORSOrigins:     splitList(v.GetString("cors_origins")),
			MaxUploadBytes:  v.GetInt64("max_upload_bytes"),
			ReadTimeout:     v.GetDuration("http_read_timeout"),
			WriteTimeout:    v.GetDuration("http_write_timeout"),
			ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		},
		RateLimit: RateLimitConfig{
			Enabled:  v.GetBool("rate_limit_enabled"),
			Requests: v.GetInt("rate_limit_requests"),
			Period:   seconds(v.GetFloat64("rate_limit_period")),
		},
		Log: LogConfig{
			Level:  strings.ToUpper(v.GetString("log_level")),
			Format: strings.ToLower(v.GetString("log_format")),
		},
		Raster: RasterConfig{
			Pdftoppm:     v.GetString("pdftoppm_path"),
			DPI:          v.GetInt("pdf_dpi"),
			MaxPages:     v.GetInt("max_pdf_pages"),
			Quality:      v.GetInt("image_quality"),
			Format:       strings.ToUpper(v.GetString("image_format")),
			TargetWidth:  targetW,
			TargetHeight: targetH,
			MaxWidth:     maxW,
			MaxHeight:    maxH,
		},
		VLM: VLMConfig{
			URL:              v.GetString("vlm_api_url"),
			Model:            v.GetString("vlm_model"),
			APIKey:           v.GetString("vlm_api_key"),
			Temperature:      v.GetFloat64("vlm_temperature"),
			Timeout:          requestTimeout,
			MaxRetries:       v.GetInt("max_retries"),
			RetryDelay:       seconds(v.GetFloat64("retry_delay")),
			StructuredOutput: v.GetBool("vlm_structured_output"),
		},
		Survey: SurveyConfig{
			Timeout:   requestTimeout,
			HTMLLimit: v.GetInt("survey_html_limit"),
			Condense:  v.GetBool("survey_condense_html"),
		},
		Pipeline: PipelineConfig{
			MaxInFlight:       v.GetInt("vlm_max_in_flight"),
			QueueSize:         v.GetInt("vlm_queue_size"),
			FileConcurrency:   v.GetInt("file_concurrency"),
			SchemaConcurrency: v.GetInt("schema_concurrency"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CallBudget is the longest one VLM call can take with every retry and backoff.
func (c VLMConfig) CallBudget() time.Duration {
	attempts := time.Duration(c.MaxRetries + 1)
	backoff := c.RetryDelay * time.Duration(c.MaxRetries*(c.MaxRetries+1)/2)
	return attempts*c.Timeout + backoff
}

// Addr returns the listen address for the HTTP server.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	var errs *multierror.Error
	fail := func(format string, args ...any) {
		errs = multierror.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		fail("API_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		fail("MAX_UPLOAD_BYTES must be positive")
	}
	if _, err := ParseLogLevel(c.Log.Level); err != nil {
		fail("LOG_LEVEL: %v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		fail("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Raster.DPI <= 0 {
		fail("PDF_DPI must be positive")
	}
	if c.Raster.MaxPages <= 0 {
		fail("MAX_PDF_PAGES must be positive")
	}
	if c.Raster.Quality < 1 || c.Raster.Quality > 100 {
		fail("IMAGE_QUALITY must be between 1 and 100, got %d", c.Raster.Quality)
	}
	if c.Raster.Format != "JPEG" && c.Raster.Format != "PNG" {
		fail("IMAGE_FORMAT must be JPEG or PNG, got %q", c.Raster.Format)
	}
	if c.Raster.TargetWidth > c.Raster.MaxWidth || c.Raster.TargetHeight > c.Raster.MaxHeight {
		fail("DEFAULT_IMAGE_SIZE %dx%d exceeds MAX_IMAGE_SIZE %dx%d",
			c.Raster.TargetWidth, c.Raster.TargetHeight, c.Raster.MaxWidth, c.Raster.MaxHeight)
	}
	if !IsHTTPURL(c.VLM.URL) {
		fail("VLM_API_URL must be an http(s) URL, got %q", c.VLM.URL)
	}
	if strings.TrimSpace(c.VLM.Model) == "" {
		fail("VLM_MODEL is required")
	}
	if c.VLM.Timeout <= 0 {
		fail("REQUESTS_TIMEOUT must be positive")
	}
	if c.VLM.MaxRetries < 0 {
		fail("MAX_RETRIES must not be negative")
	}
	if c.VLM.RetryDelay < 0 {
		fail("RETRY_DELAY must not be negative")
	}
	if c.Survey.HTMLLimit <= 0 {
		fail("SURVEY_HTML_LIMIT must be positive")
	}
	if c.Pipeline.MaxInFlight < 1 {
		fail("VLM_MAX_IN_FLIGHT must be at least 1")
	}
	if c.Pipeline.FileConcurrency < 1 {
		fail("FILE_CONCURRENCY must be at least 1")
	}
	if c.Pipeline.SchemaConcurrency < 1 {
		fail("SCHEMA_CONCURRENCY must be at least 1")
	}

	if err := errs.ErrorOrNil(); err != nil {
		return NewAppError(CodeConfig, "invalid configuration", err)
	}
	return nil
}

var reSize = regexp.MustCompile(`^\D*(\d+)\D+(\d+)\D*$`)

// parseSize accepts "1024x1024", "1024,1024" or "(1024, 1024)".
func parseSize(s string) (int, int, error) {
	m := reSize.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("expected WIDTHxHEIGHT, got %q", s)
	}
	w, _ := strconv.Atoi(m[1])
	h, _ := strconv.Atoi(m[2])
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("dimensions must be positive, got %q", s)
	}
	return w, h, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
