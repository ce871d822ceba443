package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/receipt-capture/internal/capture"
	"github.com/zombor/receipt-capture/internal/category"
	"github.com/zombor/receipt-capture/internal/expense"
	"github.com/zombor/receipt-capture/internal/review"
	"github.com/zombor/receipt-capture/internal/upload"
)

// ReceiptImages reads and removes stored receipt images
type ReceiptImages interface {
	Open(ctx context.Context, key string) ([]byte, error)
	Discard(ctx context.Context, r *upload.Receipt) error
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// Deps are the collaborators of a Server.
type Deps struct {
	Sessions   *Sessions
	Expenses   expense.DB
	Images     ReceiptImages
	Categories *category.Registry
	Currency   string
	// MaxUploadSize bounds a single receipt image; request bodies get a
	// little headroom on top for the multipart framing.
	MaxUploadSize int64
	Logger        *slog.Logger
}

// Server relays the receipt pipelines over a JSON API
type Server struct {
	sessions   *Sessions
	expenses   expense.DB
	images     ReceiptImages
	categories *category.Registry
	currency   string
	maxUpload  int64
	logger     *slog.Logger
	basicAuth  BasicAuth
	mux        *http.ServeMux
}

// NewServer creates a new Server with default mux
func NewServer(deps Deps, basicAuth BasicAuth) *Server {
	return NewServerWithMux(deps, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(deps Deps, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	if deps.Categories == nil {
		deps.Categories = category.Default()
	}
	if deps.Currency == "" {
		deps.Currency = review.DefaultCurrency
	}
	if deps.MaxUploadSize <= 0 {
		deps.MaxUploadSize = capture.DefaultMaxSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		sessions:   deps.Sessions,
		expenses:   deps.Expenses,
		images:     deps.Images,
		categories: deps.Categories,
		currency:   deps.Currency,
		maxUpload:  deps.MaxUploadSize,
		logger:     deps.Logger,
		basicAuth:  basicAuth,
		mux:        mux,
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

// corsMiddleware adds CORS headers and answers preflight requests
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)
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
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Capture"`)
			writeError(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /api/sessions", s.requireAuth(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions/{id}/preview", s.requireAuth(s.handleSessionPreview))
	s.mux.HandleFunc("POST /api/sessions/{id}/confirm", s.requireAuth(s.handleConfirmSession))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.requireAuth(s.handleGetSession))
	s.mux.HandleFunc("PATCH /api/sessions/{id}", s.requireAuth(s.handleEditSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.requireAuth(s.handleCancelSession))

	s.mux.HandleFunc("GET /api/expenses/{id}/receipt", s.requireAuth(s.handleGetExpenseReceipt))
	s.mux.HandleFunc("GET /api/expenses/{id}", s.requireAuth(s.handleGetExpense))
	s.mux.HandleFunc("DELETE /api/expenses/{id}", s.requireAuth(s.handleDeleteExpense))
	s.mux.HandleFunc("GET /api/expenses", s.requireAuth(s.handleListExpenses))

	s.mux.HandleFunc("GET /api/categories", s.requireAuth(s.handleListCategories))
	s.mux.HandleFunc("GET /api/currencies", s.requireAuth(s.handleListCurrencies))
}

// Start serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ServeHTTP implements http.Handler, wrapping every route with CORS
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.mux).ServeHTTP(w, r)
}
