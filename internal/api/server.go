// Package api provides the HTTP server and handlers.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"html/template"
	"io/fs"
	"net/http"

	"go.uber.org/zap"

	"github.com/pinshare/pinshare/internal/config"
	"github.com/pinshare/pinshare/internal/gateway"
	"github.com/pinshare/pinshare/internal/identity"
	"github.com/pinshare/pinshare/internal/logging"
	"github.com/pinshare/pinshare/internal/metrics"
	"github.com/pinshare/pinshare/internal/quota"
	"github.com/pinshare/pinshare/internal/upload"
	"github.com/pinshare/pinshare/webapp"
)

// Version is reported by the health endpoint.
const Version = "1.0"

// MsgTooManyAttempts is shown when sign-in or sign-up is rate limited.
const MsgTooManyAttempts = "Too many attempts. Please try again later."

var pages = template.Must(template.ParseFS(webapp.Assets, "templates/*.html"))

// Server is the HTTP server.
type Server struct {
	gateway       gateway.Gateway
	flowConfig    upload.Config
	maxUploadSize int64

	sessionSecret []byte
	secureCookies bool
	workspaces    *registry

	rateLimiter *quota.RateLimiter
	authRPM     int

	// verify serves email verification links; nil unless the identity
	// provider mails its own links.
	verify    http.Handler
	webappDir string
}

// NewServer creates a server that authenticates through provider and pins
// through gw.
func NewServer(
	cfg *config.Config,
	provider identity.Provider,
	gw gateway.Gateway,
	rateLimiter *quota.RateLimiter,
	verify http.Handler,
) *Server {
	if rateLimiter == nil {
		rateLimiter = quota.NewRateLimiter()
	}
	return &Server{
		gateway:       gw,
		flowConfig:    upload.Config{PublicHost: cfg.PublicGatewayHost},
		maxUploadSize: cfg.MaxUploadSize,
		sessionSecret: []byte(cfg.SessionSecret),
		secureCookies: cfg.SecureCookies,
		workspaces:    newRegistry(provider, cfg.SessionIdleTimeout),
		rateLimiter:   rateLimiter,
		authRPM:       cfg.AuthRequestsPerMin,
		verify:        verify,
		webappDir:     cfg.WebappDir,
	}
}

// Start runs the idle workspace reaper until ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.workspaces.run(ctx)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("POST /mode", s.handleMode)
	mux.HandleFunc("POST /signout", s.handleSignOut)

	limited := quota.RateLimitMiddleware(s.rateLimiter, s.authRPM, quota.ClientIP, s.rejectAuth)
	mux.Handle("POST /signin", limited(http.HandlerFunc(s.handleSignIn)))
	mux.Handle("POST /signup", limited(http.HandlerFunc(s.handleSignUp)))

	mux.HandleFunc("POST /capture", s.handleCapture)
	mux.HandleFunc("POST /submit", s.handleSubmit)
	mux.HandleFunc("POST /upload", s.handleUpload)

	if s.verify != nil {
		mux.Handle("GET /auth/verify", s.verify)
	}

	// WEBAPP_DIR overrides embedded assets for live-reload during development
	var static http.Handler
	if s.webappDir != "" {
		logging.Info("serving static assets from disk", zap.String("dir", s.webappDir))
		static = http.FileServer(http.Dir(s.webappDir))
	} else {
		staticFS, _ := fs.Sub(webapp.Assets, "static")
		static = http.FileServer(http.FS(staticFS))
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", static))

	// Logging wraps metrics so the mux pattern is visible to the metrics
	// middleware on the request it sees.
	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": Version})
}

// ─── Rendering ──────────────────────────────────────────────────────────────

func (s *Server) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		logging.WithContext(r.Context()).Error("render page", zap.String("page", name), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  code,
	})
}
