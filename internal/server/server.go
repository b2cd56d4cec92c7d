package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/urfave/negroni"

	"github.com/joseph-ayodele/form-extractor/internal/common"
	"github.com/joseph-ayodele/form-extractor/internal/pipeline"
)

// BatchExtractor is the orchestrator the HTTP layer drives.
type BatchExtractor interface {
	ExtractBatch(ctx context.Context, template []byte, files []pipeline.InputFile, surveyURL string) (pipeline.BatchResult, error)
}

type Server struct {
	cfg       common.ServerConfig
	extractor BatchExtractor
	stats     *Stats
	logger    *slog.Logger
}

func New(cfg common.ServerConfig, extractor BatchExtractor, stats *Stats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewStats()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 50 << 20
	}
	return &Server{cfg: cfg, extractor: extractor, stats: stats, logger: logger}
}

// Routes registers the endpoints on a new router.
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	return r
}

// Handler is the full middleware chain around Routes.
func (s *Server) Handler() http.Handler {
	n := negroni.New()

	recovery := negroni.NewRecovery()
	recovery.PrintStack = false
	recovery.Logger = slog.NewLogLogger(s.logger.Handler(), slog.LevelError)
	n.Use(recovery)
	n.Use(requestContext(s.logger))
	n.Use(cors(s.cfg.CORSOrigins))

	n.UseHandler(s.Routes())
	return n
}

// HTTPServer builds the listener configuration.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.Handler(),
		IdleTimeout:       time.Minute,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Warn("http.response.encode_error", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
