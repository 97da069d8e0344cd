package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/reanahub/reana-job-controller/internal/cache"
	"github.com/reanahub/reana-job-controller/internal/manager"
	"github.com/reanahub/reana-job-controller/internal/metrics"
	"github.com/reanahub/reana-job-controller/internal/middleware"
	"github.com/reanahub/reana-job-controller/internal/monitor"
	"github.com/reanahub/reana-job-controller/internal/registry"
	"github.com/reanahub/reana-job-controller/internal/shutdown"
	"github.com/reanahub/reana-job-controller/internal/store"

	"github.com/rs/cors"
)

// Deps is everything the HTTP surface translates requests onto. The
// router holds no business logic; every route is a thin call into the
// manager, registry, cache or shutdown coordinator.
type Deps struct {
	Manager     *manager.Manager
	Registry    *registry.Registry
	Store       store.Store
	Cache       *cache.Cache
	Coordinator *shutdown.Coordinator
	Resources   *monitor.ResourceMonitor
}

// NewRouter creates the HTTP handler with CORS handling
func NewRouter(deps Deps) http.Handler {
	mux := createAppMux(deps)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})

	return c.Handler(mux)
}

// createAppMux configures the application ServeMux with all routes
func createAppMux(deps Deps) *http.ServeMux {
	mux := http.NewServeMux()

	jobHandler := NewJobHandler(deps.Manager, deps.Registry, deps.Store, deps.Coordinator)
	cacheHandler := NewCacheHandler(deps.Cache)
	shutdownHandler := NewShutdownHandler(deps.Coordinator)
	streamHandler := NewStreamHandler(deps.Registry, deps.Store)

	transactionMiddleware := middleware.TransactionMiddleware

	// Health check endpoint (no transaction: it must answer even when the
	// DB is down)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		healthHandler(deps)(w, r)
	})

	// Metrics endpoint
	mux.Handle("/metrics", metrics.Handler())

	// Job collection routes
	mux.HandleFunc("/jobs", func(w http.ResponseWriter, r *http.Request) {
		handler := transactionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet:
				jobHandler.ListJobs(w, r)
			case http.MethodPost:
				jobHandler.CreateJob(w, r)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		}))
		handler.ServeHTTP(w, r)
	})

	// Job instance routes
	mux.HandleFunc("/jobs/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
		if path == "" {
			http.Error(w, "Invalid path", http.StatusBadRequest)
			return
		}

		// The websocket follow endpoint bypasses the transaction
		// middleware: its response writer must stay hijackable
		if strings.HasSuffix(path, "/logs/stream") {
			jobID := strings.TrimSuffix(path, "/logs/stream")
			r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
			if r.Method == http.MethodGet {
				streamHandler.StreamLogs(w, r)
				return
			}
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		handler := transactionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(path, "/logs") {
				jobID := strings.TrimSuffix(path, "/logs")
				r = r.WithContext(setIDContext(r.Context(), "job_id", jobID))
				if r.Method == http.MethodGet {
					jobHandler.GetJobLogs(w, r)
					return
				}
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
				return
			}

			r = r.WithContext(setIDContext(r.Context(), "job_id", path))
			switch r.Method {
			case http.MethodGet:
				jobHandler.GetJob(w, r)
			case http.MethodDelete:
				jobHandler.DeleteJob(w, r)
			default:
				http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			}
		}))
		handler.ServeHTTP(w, r)
	})

	// Cache lookup route
	mux.HandleFunc("/job_cache", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		transactionMiddleware(http.HandlerFunc(cacheHandler.CheckCache)).ServeHTTP(w, r)
	})

	// Pre-stop route
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		transactionMiddleware(http.HandlerFunc(shutdownHandler.Shutdown)).ServeHTTP(w, r)
	})

	return mux
}

// setIDContext adds an ID to the context for handlers to use
type contextKey string

func setIDContext(ctx context.Context, key, value string) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

// GetIDFromContext gets an ID from the context
func GetIDFromContext(r *http.Request, key string) string {
	if value, ok := r.Context().Value(contextKey(key)).(string); ok {
		return value
	}
	return ""
}

func healthHandler(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		status := "OK"
		healthy := true
		if deps.Resources != nil && !deps.Resources.IsHealthy() {
			status = "DEGRADED"
			healthy = false
		}

		response := map[string]interface{}{
			"status":                status,
			"accepting_submissions": deps.Coordinator.AcceptingSubmissions(),
			"live_jobs":             deps.Registry.Len(),
		}
		if deps.Resources != nil {
			response["resources"] = deps.Resources.GetMetrics()
		}

		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(response)
	}
}
