package receipt

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server handles HTTP requests for submissions
type Server struct {
	service   *Service
	basicAuth BasicAuth
	limiter   *RateLimiter
	gatherer  prometheus.Gatherer
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithRateLimiter limits the endpoints that call the provider
func WithRateLimiter(l *RateLimiter) ServerOption {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithGatherer serves metrics from g instead of the default registry
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.gatherer = g
	}
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, opts ...ServerOption) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux(), opts...)
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux, opts ...ServerOption) *Server {
	s := &Server{
		service:   service,
		basicAuth: basicAuth,
		gatherer:  prometheus.DefaultGatherer,
		mux:       mux,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}

	return user == s.basicAuth.Username && pass == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="Bewirtungsbeleg"`)
			writeJSONError(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		next(w, r)
	}
}

// rateLimited refuses clients that exceed the limiter with 429
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}
		client := clientKey(r)
		if !s.limiter.Allow(client) {
			slog.Warn("Rate limit exceeded", "client", client, "path", r.URL.Path)
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(s.limiter.RetryAfter().Seconds()))))
			writeJSONError(w, http.StatusTooManyRequests, "Zu viele Anfragen, bitte später erneut versuchen", nil)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/submissions", s.requireAuth(s.rateLimited(s.handleCreateSubmission)))
	s.mux.HandleFunc("GET /api/submissions", s.requireAuth(s.handleListSubmissions))
	s.mux.HandleFunc("GET /api/submissions/{id}", s.requireAuth(s.handleGetSubmission))
	s.mux.HandleFunc("DELETE /api/submissions/{id}", s.requireAuth(s.handleDeleteSubmission))
	s.mux.HandleFunc("PUT /api/submissions/{id}/receipt", s.requireAuth(s.handleCorrectReceipt))
	s.mux.HandleFunc("GET /api/submissions/{id}/pdf-fields", s.requireAuth(s.handlePDFFields))
	s.mux.HandleFunc("GET /api/submissions/{id}/files/{index}", s.requireAuth(s.handleGetAttachment))

	s.mux.HandleFunc("POST /api/classify", s.requireAuth(s.rateLimited(s.handleClassify)))

	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

// Handler returns the mux wrapped in the CORS middleware
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
