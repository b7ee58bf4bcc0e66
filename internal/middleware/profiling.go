package middleware

import (
	"log/slog"
	"net/http"
	"net/http/pprof"
	"strings"
)

// ProfilingConfig configures the pprof endpoints.
type ProfilingConfig struct {
	// Enabled exposes /debug/pprof/*. Development only: profiles leak memory
	// contents and runtime internals.
	Enabled bool

	// Environment is checked again so a stray flag cannot enable profiling
	// in production.
	Environment string
}

// profilingAllowed reports whether cfg may expose pprof.
func (c ProfilingConfig) profilingAllowed() bool {
	if !c.Enabled {
		return false
	}
	return c.Environment != "production" && c.Environment != "prod"
}

// Profiling serves net/http/pprof under /debug/pprof/ when enabled outside
// production, and passes every other request through.
func Profiling(cfg ProfilingConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.profilingAllowed() {
			if cfg.Enabled {
				logger.Error("refusing to enable profiling in production", "environment", cfg.Environment)
			}
			return next
		}

		logger.Warn("profiling endpoints enabled", "environment", cfg.Environment, "endpoints", "/debug/pprof/*")

		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/debug/pprof") {
				mux.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
