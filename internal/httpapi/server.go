// Package httpapi is the daemon's HTTP surface: task CRUD, the agent
// execution boundary, approvals, learnings, read-only aggregates, and the
// SSE event stream.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/denizbac/fleetcore/internal/approval"
	"github.com/denizbac/fleetcore/internal/capabilities"
	"github.com/denizbac/fleetcore/internal/config"
	"github.com/denizbac/fleetcore/internal/learnings"
	"github.com/denizbac/fleetcore/internal/registry"
	"github.com/denizbac/fleetcore/internal/retry"
	"github.com/denizbac/fleetcore/internal/scheduler"
	"github.com/denizbac/fleetcore/internal/store"
	"github.com/denizbac/fleetcore/internal/store/postgres"
)

// defaultMaxRequestBodyBytes limits request body size (1 MiB) to prevent OOM.
const defaultMaxRequestBodyBytes = 1 << 20

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more than maxBytes.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboard on a different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP app.
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string       // if set, require X-API-Key header or query api_key
	MetricsHandler http.Handler // if set, used for /metrics (OTel Prometheus handler)
	UseOtelHTTP    bool         // if true, wrap handler with otelhttp for request metrics
	Settings       config.Settings
	Store          store.Store // optional; opened from Settings when nil
}

// App wires the orchestration core behind the HTTP server.
type App struct {
	Server       *http.Server
	Hub          *SSEHub
	Store        store.Store
	Registry     *registry.Registry
	Scheduler    *scheduler.Scheduler
	Policy       *retry.Policy
	Gate         *approval.Gate
	Loop         *learnings.Loop
	Capabilities *capabilities.Registry
	Home         string
}

// NewApp creates the HTTP app and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	opts.Settings.Normalize()

	st := opts.Store
	var err error
	if st == nil {
		if opts.Settings.Database.Backend == "postgres" {
			st, err = postgres.Open(opts.Settings.Database.DSN)
		} else {
			st, err = store.Open(opts.Home)
		}
		if err != nil {
			return nil, err
		}
	}

	app := &App{
		Hub:          NewSSEHub(),
		Store:        st,
		Registry:     registry.New(st, opts.Settings.Capabilities, time.Duration(opts.Settings.StaleTimeoutS)*time.Second),
		Capabilities: capabilities.NewRegistry(),
		Home:         opts.Home,
	}
	app.Scheduler = scheduler.New(st, app.Registry, slog.Default())
	app.Policy = retry.New(st, time.Duration(opts.Settings.RetryBackoffBaseS)*time.Second, slog.Default())
	app.Gate = approval.New(st, opts.Settings.ApprovalThreshold, slog.Default())
	app.Loop = learnings.New(st, slog.Default())
	if opts.Settings.SlackWebhookURL != "" {
		app.Capabilities.Register(capabilities.SlackWebhook{WebhookURL: opts.Settings.SlackWebhookURL, Username: "fleetcore"})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ok": true})
	})
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", app.handlePlainMetrics)
	}
	mux.HandleFunc("/stream", app.Hub.Handler())

	mux.HandleFunc("/api/status", app.handleStatus)
	mux.HandleFunc("/api/repos", app.handleRepos)
	mux.HandleFunc("/api/repos/", app.handleRepoByID)
	mux.HandleFunc("/api/tasks", app.handleTasks)
	mux.HandleFunc("/api/tasks/", app.handleTaskByID)
	mux.HandleFunc("/api/agents", app.handleAgents)
	mux.HandleFunc("/api/agents/", app.handleAgentByName)
	mux.HandleFunc("/api/approvals", app.handleApprovals)
	mux.HandleFunc("/api/approvals/", app.handleApprovalByID)
	mux.HandleFunc("/api/learnings", app.handleLearnings)
	mux.HandleFunc("/api/learnings/", app.handleLearningByID)

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(defaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "fleetcore")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
