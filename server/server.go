// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"

	"thanks-notifier/aggregate"
	"thanks-notifier/dispatch"
	"thanks-notifier/pkg/notifier"
)

const (
	tokenHeader  = "X-Thanks-Token"
	maxBodyBytes = 64 << 10
	// statusClientClosedRequest is nginx's code for a request the client abandoned.
	statusClientClosedRequest = 499
)

// Dispatcher interface for the notification operations.
type Dispatcher interface {
	Thank(ctx context.Context, ev notifier.ThankEvent) error
	MarkRead(ctx context.Context, recipientID, postID int64) error
	Notifications(ctx context.Context, recipientID int64, tag language.Tag) ([]dispatch.View, error)
	UpdateRecipient(ctx context.Context, r notifier.Recipient) error
}

// Languages interface for choosing the response language.
type Languages interface {
	Match(prefs ...string) language.Tag
}

// Server handles HTTP requests.
type Server struct {
	dispatcher Dispatcher
	languages  Languages
	limiter    *rateLimiter
	logger     *slog.Logger
	token      string
}

// Config holds server configuration.
type Config struct {
	Dispatcher Dispatcher
	Languages  Languages
	Logger     *slog.Logger
	// Token is the shared secret expected in X-Thanks-Token. Empty disables the check.
	Token string
	// RequestsPerSecond and Burst bound mutating requests per client IP.
	RequestsPerSecond float64
	Burst             int
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	rps, burst := cfg.RequestsPerSecond, cfg.Burst
	if rps <= 0 {
		rps = 20
	}
	if burst <= 0 {
		burst = 40
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		languages:  cfg.Languages,
		limiter:    newRateLimiter(rps, burst),
		logger:     cfg.Logger,
		token:      cfg.Token,
	}
}

// Handler returns the routes of the service.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/thanks", s.limited(s.authorized(s.handleThanks)))
	mux.HandleFunc("/notifications", s.authorized(s.handleNotifications))
	mux.HandleFunc("/notifications/read", s.limited(s.authorized(s.handleMarkRead)))
	mux.HandleFunc("/recipients", s.limited(s.authorized(s.handleRecipient)))
	return mux
}

// ServeHTTP starts the server on port and shuts it down when ctx is done.
func (s *Server) ServeHTTP(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}()

	s.logger.Info("Starting HTTP server", "port", port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// authorized rejects requests without the shared token.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := r.Header.Get(tokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				s.logger.Warn("Rejected request with bad token", "path", r.URL.Path, "ip", clientIP(r))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// limited applies the per-IP rate limit.
func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.allow(ip) {
			s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
			http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// writeError maps domain errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, aggregate.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dispatch.ErrNotFound):
		http.Error(w, "Notification not found", http.StatusNotFound)
	case errors.Is(err, context.Canceled):
		s.logger.Info("Request cancelled", "path", r.URL.Path)
		http.Error(w, "Request cancelled", statusClientClosedRequest)
	default:
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, aggregate.ErrInvalidInput)
	}
	return nil
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (Cloud Run)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
