package server

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/negroni"

	"github.com/joseph-ayodele/form-extractor/internal/common"
)

const headerRequestID = "X-Request-ID"

// requestContext assigns a request id, stores it with a request-scoped logger in
// the context and writes one access log line per request.
func requestContext(logger *slog.Logger) negroni.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		start := time.Now()

		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.New().String()
		}
		w.Header().Set(headerRequestID, id)

		reqLogger := logger.With("request_id", id)
		ctx := common.WithRequestID(r.Context(), id)
		ctx = common.WithLogger(ctx, reqLogger)

		next(w, r.WithContext(ctx))

		status := http.StatusOK
		if rw, ok := w.(negroni.ResponseWriter); ok && rw.Status() != 0 {
			status = rw.Status()
		}
		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		reqLogger.Log(r.Context(), level, "http.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"remote", r.RemoteAddr,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

// cors answers preflight requests and sets the allow headers for the configured
// origins. A "*" entry allows any origin without credentials.
func cors(origins []string) negroni.HandlerFunc {
	allowAll := false
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimSpace(o)
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			allowed[o] = struct{}{}
		}
	}

	return func(w http.ResponseWriter, r *http.Request, next http.HandlerFunc) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			_, listed := allowed[origin]
			if listed || allowAll {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				// credentials only for origins named explicitly, never through "*"
				if listed {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Expose-Headers", headerRequestID+", Content-Disposition")
				if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
					h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					reqHeaders := r.Header.Get("Access-Control-Request-Headers")
					if reqHeaders == "" {
						reqHeaders = "Content-Type, " + headerRequestID
					}
					h.Set("Access-Control-Allow-Headers", reqHeaders)
					h.Set("Access-Control-Max-Age", "600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
			}
		}
		next(w, r)
	}
}
