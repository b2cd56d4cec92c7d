package survey

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

const defaultMaxBodyBytes = 5 << 20

type Config struct {
	Timeout      time.Duration // whole request, default 60s
	MaxBodyBytes int64         // response bytes read, default 5 MiB
	Condense     bool          // strip non-form markup before returning
}

// FromAppConfig maps the process configuration onto a fetcher Config.
func FromAppConfig(c *common.Config) Config {
	return Config{
		Timeout:  c.Survey.Timeout,
		Condense: c.Survey.Condense,
	}
}

// Fetcher downloads the HTML of an external survey page.
type Fetcher struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewFetcher(cfg Config, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Fetcher{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger}
}

// WithHTTPClient swaps the transport used for the GET.
func (f *Fetcher) WithHTTPClient(h *http.Client) *Fetcher {
	if h != nil {
		f.http = h
	}
	return f
}

// Fetch returns the page HTML at rawURL. A blank URL yields "" and no error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", nil
	}
	if !common.IsHTTPURL(rawURL) {
		return "", common.QualtricsError("invalid survey URL", fmt.Errorf("unsupported url %q", rawURL))
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", common.QualtricsError("build survey request", err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if id := common.RequestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := f.http.Do(req)
	if err != nil {
		f.logger.Warn("survey.fetch.send_error", "url", rawURL, "error", err)
		return "", common.QualtricsError("failed to fetch survey page", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("survey.fetch.body_close_error", "error", cerr)
		}
	}()

	if resp.StatusCode/100 != 2 {
		f.logger.Warn("survey.fetch.status", "url", rawURL, "status", resp.StatusCode)
		return "", common.QualtricsError(fmt.Sprintf("survey page returned HTTP %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes))
	if err != nil {
		return "", common.QualtricsError("read survey page", err)
	}

	html := string(raw)
	if f.cfg.Condense {
		condensed, cerr := Condense(html)
		if cerr != nil {
			f.logger.Warn("survey.condense_failed", "error", cerr)
		} else {
			html = condensed
		}
	}

	f.logger.Info("survey.fetch.ok",
		"url", rawURL,
		"bytes", len(raw),
		"html_len", len(html),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return html, nil
}

var reSpace = regexp.MustCompile(`\s+`)

// noise are nodes that never carry survey questions.
const noise = "script, style, noscript, svg, link, meta, iframe"

// Condense drops non-form markup and collapses whitespace so a short prefix of the
// document still reaches the questions.
func Condense(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	doc.Find(noise).Remove()

	out, err := doc.Html()
	if err != nil {
		return "", err
	}
	out = reSpace.ReplaceAllString(out, " ")
	out = strings.ReplaceAll(out, "> <", "><")
	return strings.TrimSpace(out), nil
}
