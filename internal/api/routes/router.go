package routes

import (
	"net/http"

	"github.com/zatekoja/clinicalvalidation/internal/api/handlers"
	"github.com/zatekoja/clinicalvalidation/internal/api/middleware"
	"github.com/zatekoja/clinicalvalidation/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	validationHandler  *handlers.ValidationHandler
	streamHandler      *handlers.ValidationStreamHandler
	searchCacheHandler *handlers.SearchCacheHandler

	allowedOrigins []string
	metrics        *observability.Metrics
}

// NewRouter creates a new router. streamHandler and searchCacheHandler may be
// nil, which leaves their routes unregistered.
func NewRouter(
	validationHandler *handlers.ValidationHandler,
	streamHandler *handlers.ValidationStreamHandler,
	searchCacheHandler *handlers.SearchCacheHandler,
	allowedOrigins []string,
	metrics *observability.Metrics,
) *Router {
	return &Router{
		mux:                http.NewServeMux(),
		validationHandler:  validationHandler,
		streamHandler:      streamHandler,
		searchCacheHandler: searchCacheHandler,
		allowedOrigins:     allowedOrigins,
		metrics:            metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			return
		}
	})

	// Validation endpoints
	r.mux.HandleFunc("POST /api/orders/{orderID}/validations", r.validationHandler.Validate)
	r.mux.HandleFunc("GET /api/orders/{orderID}/validations", r.validationHandler.History)
	r.mux.HandleFunc("GET /api/orders/{orderID}/validations/state", r.validationHandler.State)

	if r.streamHandler != nil {
		r.mux.HandleFunc("GET /api/orders/{orderID}/validations/stream", r.streamHandler.StreamOrder)
		r.mux.HandleFunc("GET /api/validations/stream", r.streamHandler.StreamAll)
	}

	// Search cache administration
	if r.searchCacheHandler != nil {
		r.mux.HandleFunc("POST /api/admin/search-cache/rebuild", r.searchCacheHandler.TriggerRebuild)
		r.mux.HandleFunc("GET /api/admin/search-cache/rebuild", r.searchCacheHandler.GetStatus)
	}

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.ObservabilityMiddleware(r.metrics, r.mux)(handler)
	handler = middleware.LoggingMiddleware(handler)

	// CORS wraps everything so preflight requests short-circuit early
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
