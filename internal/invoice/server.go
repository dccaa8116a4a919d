package invoice

import (
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/invoiceflow/invoiceflow/internal/extraction"
)

// Identity resolves the calling principal to an account ID. The core
// never authenticates beyond the basic-auth gate; it only consumes a
// resolved identity.
type Identity interface {
	Resolve(r *http.Request) (string, error)
}

// HeaderIdentity resolves the account from a request header.
type HeaderIdentity struct {
	Header string
}

// Resolve returns the account ID carried in the configured header.
func (h HeaderIdentity) Resolve(r *http.Request) (string, error) {
	header := h.Header
	if header == "" {
		header = "X-Account-ID"
	}
	accountID := strings.TrimSpace(r.Header.Get(header))
	if accountID == "" {
		return "", errors.New("no account identity on request")
	}
	return accountID, nil
}

// Server handles HTTP requests for invoice ingestion and review.
type Server struct {
	service   *Service
	extractor extraction.Extractor
	exporter  Exporter
	identity  Identity
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, extractor extraction.Extractor, exporter Exporter, identity Identity, basicAuth BasicAuth) *Server {
	return NewServerWithMux(service, extractor, exporter, identity, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, extractor extraction.Extractor, exporter Exporter, identity Identity, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		service:   service,
		extractor: extractor,
		exporter:  exporter,
		identity:  identity,
		basicAuth: basicAuth,
		mux:       mux,
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

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			w.Header().Set("WWW-Authenticate", `Basic realm="invoiceflow"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// account resolves the caller's account or writes a 400.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	accountID, err := s.identity.Resolve(r)
	if err != nil {
		http.Error(w, "Account identity required", http.StatusBadRequest)
		return "", false
	}
	return accountID, true
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/invoices/{id}/file", s.requireAuth(s.handleGetInvoiceFile))
	s.mux.HandleFunc("POST /api/invoices/{id}/review", s.requireAuth(s.handleReviewInvoice))
	s.mux.HandleFunc("GET /api/invoices/{id}", s.requireAuth(s.handleGetInvoice))
	s.mux.HandleFunc("GET /api/invoices", s.requireAuth(s.handleListInvoices))
	s.mux.HandleFunc("POST /api/invoices", s.requireAuth(s.handleUploadInvoice))

	s.mux.HandleFunc("POST /api/exports/run", s.requireAuth(s.handleRunExport))
	s.mux.HandleFunc("GET /api/exports", s.requireAuth(s.handleListExports))

	s.mux.HandleFunc("GET /api/account", s.requireAuth(s.handleGetAccount))
	s.mux.HandleFunc("POST /api/accounts", s.requireAuth(s.handleProvisionAccount))
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.mux)
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
