package ops

import (
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"melutils/internal/maintenance"
	"melutils/internal/scheduler"
	rtsup "melutils/internal/runtime/supervisor"
	logx "melutils/pkg/logx"
)

// Sources feeds the endpoints. Nil funcs answer 404.
type Sources struct {
	Scheduler   func() scheduler.Snapshot
	Maintenance func() maintenance.Snapshot
	Supervisors func() map[string]rtsup.Snapshot
	// Health returns named component states; any value other than "ok" or
	// "closed" marks the bot degraded.
	Health func() map[string]string
}

// NewRouter builds the ops HTTP handler.
func NewRouter(cfg Config, src Sources, log logx.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))
	r.Use(bearerAuth(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status, code := "ok", http.StatusOK
		var parts map[string]string
		if src.Health != nil {
			parts = src.Health()
			for _, v := range parts {
				if v != "ok" && v != "closed" {
					status, code = "degraded", http.StatusServiceUnavailable
				}
			}
		}
		writeJSON(w, code, map[string]any{"status": status, "components": parts})
	})
	mount(r, "/scheduler", src.Scheduler)
	mount(r, "/maintenance", src.Maintenance)
	mount(r, "/supervisors", src.Supervisors)

	if cfg.Pprof {
		r.Route("/debug/pprof", func(r chi.Router) {
			r.Get("/", hpprof.Index)
			r.Get("/cmdline", hpprof.Cmdline)
			r.Get("/profile", hpprof.Profile)
			r.Get("/symbol", hpprof.Symbol)
			r.Post("/symbol", hpprof.Symbol)
			r.Get("/trace", hpprof.Trace)
			r.Get("/{profile}", hpprof.Index)
		})
	}
	return r
}

func mount[T any](r chi.Router, path string, fn func() T) {
	if fn == nil {
		return
	}
	r.Get(path, func(w http.ResponseWriter, _ *http.Request) { writeJSON(w, http.StatusOK, fn()) })
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// bearerAuth accepts "Authorization: Bearer <token>" or "?token=<token>".
func bearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				if ah, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
					got = strings.TrimSpace(ah)
				}
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("ops request", logx.String("method", r.Method), logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()), logx.Duration("took", time.Since(start)))
		})
	}
}
