package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"parceltrack/auth"
	"parceltrack/ratelimit"
	"parceltrack/tracking"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "user_id"
	ctxKeyRole   ctxKey = "role"
)

const maxBodyBytes = 1 << 20

type trackingService interface {
	GetTrackingDetails(ctx context.Context, trackingNumber string) (tracking.Details, error)
	CreatePackage(ctx context.Context, params tracking.CreateParams) (tracking.Package, error)
	UpdatePackage(ctx context.Context, trackingNumber string, params tracking.UpdateParams) (tracking.Package, error)
	UpdatePackageStatus(ctx context.Context, trackingNumber string, status tracking.Status, description, location string) (tracking.StatusUpdate, error)
	AddTrackingEvent(ctx context.Context, trackingNumber string, params tracking.EventParams) (tracking.Event, error)
	DeletePackage(ctx context.Context, trackingNumber string) error
	ListPackages(ctx context.Context, filters tracking.ListFilters) ([]tracking.Package, error)
	GetPackageByID(ctx context.Context, id string) (tracking.Package, error)
}

type authService interface {
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the public tracking lookup and the staff package API.
type Server struct {
	trackingService trackingService
	authService     authService
	lookupLimiter   ratelimit.Limiter
	ready           func(ctx context.Context) error
	trustProxy      bool
}

func NewServer(trackingSvc trackingService, authSvc authService, limiter ratelimit.Limiter) *Server {
	return &Server{
		trackingService: trackingSvc,
		authService:     authSvc,
		lookupLimiter:   limiter,
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.Handle("/api/auth/register", s.requireAuth(http.HandlerFunc(s.handleRegister)))
	mux.Handle("/api/track/", s.rateLimit(http.HandlerFunc(s.handleTrack)))
	mux.Handle("/api/admin/packages", s.requireAuth(http.HandlerFunc(s.handlePackages)))
	mux.Handle("/api/admin/packages/", s.requireAuth(http.HandlerFunc(s.handlePackageDetail)))
	return loggingMiddleware(mux)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			log.Printf("healthz: not ready: %v", err)
			writeError(w, r, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAuth validates the bearer token and stores the caller in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authorize writes 403 and returns false when the caller's role lacks action.
func authorize(w http.ResponseWriter, r *http.Request, action auth.Action) bool {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	if !role.Can(action) {
		writeError(w, r, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

// rateLimit guards public lookups per client IP. Limiter errors fail open.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.lookupLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		ok, err := s.lookupLimiter.Allow(r.Context(), s.clientIP(r))
		if err != nil {
			log.Printf("ratelimit: allow failed path=%s err=%v", r.URL.Path, err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "Too many tracking requests, please try again shortly")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) clientIP(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusWriter captures the final HTTP status code and number of bytes written.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		log.Printf(
			"method=%s path=%s status=%d bytes=%d dur=%dms",
			r.Method, r.URL.RequestURI(), sw.status, sw.bytes, time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode failed: method=%s path=%s err=%v", r.Method, r.URL.Path, err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, map[string]string{"error": msg})
}

// decodeJSON reads a single JSON object, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		msg := "Invalid JSON body"
		if errors.Is(err, io.EOF) {
			msg = "Request body is required"
		}
		writeError(w, r, http.StatusBadRequest, msg)
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed")
}
