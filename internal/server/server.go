// Package server assembles the HTTP control surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/strongbox/internal/handler"
	"github.com/dukerupert/strongbox/internal/middleware"
	ws "github.com/dukerupert/strongbox/internal/websocket"
)

// unlockLimit bounds passphrase attempts per client.
const (
	unlockLimit  = 5
	unlockWindow = time.Minute
)

// Config holds the collaborators the server routes to.
type Config struct {
	Backup      *handler.BackupHandler
	Account     *handler.AccountHandler
	Attachments *handler.AttachmentHandler
	Settings    *handler.SettingsHandler
	// Push is nil when no VAPID keys are configured.
	Push        *handler.PushHandler
	Hub         *ws.Hub
	Runner      handler.Runner
	Registry    *prometheus.Registry
	APIToken    string
	Clock       clock.Clock
}

type Server struct {
	cfg         Config
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Server {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Server{
		cfg:         cfg,
		rateLimiter: middleware.NewRateLimiter(cfg.Clock),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	// Public routes
	outerMux.HandleFunc("GET /health", s.healthHandler)
	if s.cfg.Registry != nil {
		outerMux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	}

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", middleware.RequireToken(s.cfg.APIToken)(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.HandlerFunc) http.Handler {
	return middleware.RateLimit(s.rateLimiter, unlockLimit, unlockWindow)(h)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	// Backup run control
	mux.HandleFunc("POST /api/backup/start", s.cfg.Backup.Start)
	mux.HandleFunc("POST /api/backup/cancel", s.cfg.Backup.Cancel)
	mux.HandleFunc("GET /api/backup/status", s.cfg.Backup.Status)
	mux.HandleFunc("POST /api/backup/failures/reset", s.cfg.Backup.ResetFailures)
	mux.HandleFunc("GET /api/backups", s.cfg.Backup.History)

	// Account
	mux.HandleFunc("GET /api/account", s.cfg.Account.Get)
	mux.Handle("POST /api/account", s.rateLimited(s.cfg.Account.Register))
	mux.Handle("POST /api/account/unlock", s.rateLimited(s.cfg.Account.Unlock))
	mux.HandleFunc("POST /api/account/lock", s.cfg.Account.Lock)

	// Attachments and transfer queues
	mux.HandleFunc("GET /api/attachments", s.cfg.Attachments.List)
	mux.HandleFunc("POST /api/attachments", s.cfg.Attachments.Register)
	mux.HandleFunc("POST /api/attachments/{id}/download", s.cfg.Attachments.RequestDownload)
	mux.HandleFunc("GET /api/queues", s.cfg.Attachments.Queues)
	mux.HandleFunc("POST /api/queues/upload/suspend", s.cfg.Attachments.SuspendUploads)
	mux.HandleFunc("POST /api/queues/upload/resume", s.cfg.Attachments.ResumeUploads)
	mux.HandleFunc("PUT /api/app/active", s.cfg.Attachments.SetAppActive)

	// Settings
	mux.HandleFunc("GET /api/settings/backup", s.cfg.Settings.GetBackup)
	mux.HandleFunc("PUT /api/settings/backup", s.cfg.Settings.UpdateBackup)

	// Push notifications
	if s.cfg.Push != nil {
		mux.HandleFunc("GET /api/push/vapid-key", s.cfg.Push.GetVAPIDKey)
		mux.HandleFunc("POST /api/push/subscribe", s.cfg.Push.Subscribe)
		mux.HandleFunc("GET /api/push/subscriptions", s.cfg.Push.ListSubscriptions)
		mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.cfg.Push.Unsubscribe)
		mux.HandleFunc("POST /api/push/test", s.cfg.Push.TestNotification)
	}

	// Live status
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.cfg.Hub, func() ws.Message {
		return ws.FromUpdate(s.cfg.Runner.Status())
	}))
}
