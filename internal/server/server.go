// Package server is the library server: it stores whole library records per
// owner, the per-device collection values, and the accounts used to sign in.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"streamflix/internal/auth"
	"streamflix/internal/config"
	"streamflix/internal/database"
	"streamflix/internal/ngrok"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// LibraryServer serves the library API and the static web shell.
type LibraryServer struct {
	db           *database.Database
	config       *config.Config
	authService  *auth.Service
	ngrokService *ngrok.Service
	static       afero.Fs
	limiter      *IPRateLimiter
	logger       *logrus.Logger
	started      time.Time
}

// NewLibraryServer creates a new library server instance
func NewLibraryServer(cfg *config.Config, db *database.Database, authService *auth.Service, logger *logrus.Logger) (*LibraryServer, error) {
	ngrokSvc, err := ngrok.NewService(&cfg.Ngrok, logger)
	if err != nil {
		logger.WithError(err).Warn("Ngrok service not available")
		ngrokSvc = nil
	}

	ls := &LibraryServer{
		db:           db,
		config:       cfg,
		authService:  authService,
		ngrokService: ngrokSvc,
		static:       afero.NewBasePathFs(afero.NewOsFs(), cfg.Server.StaticDir),
		logger:       logger,
		started:      time.Now(),
	}
	if cfg.RateLimit.Enabled {
		ls.limiter = NewIPRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
	}
	return ls, nil
}

// SetStaticFs replaces the filesystem the web shell is served from.
func (ls *LibraryServer) SetStaticFs(fs afero.Fs) {
	ls.static = fs
}

// Handler builds the routed handler with all middleware applied.
func (ls *LibraryServer) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", ls.handleHealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/login", ls.handleAuthLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", ls.handleAuthLogout).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", ls.handleAuthMe).Methods(http.MethodGet)
	api.HandleFunc("/library/{owner}", ls.handleGetLibrary).Methods(http.MethodGet)
	api.HandleFunc("/library/{owner}", ls.handlePutLibrary).Methods(http.MethodPut)
	api.HandleFunc("/library/{owner}", ls.handleDeleteLibrary).Methods(http.MethodDelete)

	r.HandleFunc("/library/{type}", ls.handleGetDeviceCollection).Methods(http.MethodGet)
	r.HandleFunc("/library/{type}", ls.handlePostDeviceCollection).Methods(http.MethodPost)

	r.PathPrefix("/").Handler(ls.staticHandler()).Methods(http.MethodGet, http.MethodHead)

	var h http.Handler = r
	if ls.limiter != nil {
		h = RateLimitHandler(ls.limiter, h)
	}
	h = ls.corsMiddleware(h)
	h = ls.requestLoggingMiddleware(h)
	h = ls.panicRecoveryMiddleware(h)
	return h
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (ls *LibraryServer) Start(ctx context.Context) error {
	localAddress := fmt.Sprintf("http://%s", ls.config.GetAddress())

	server := &http.Server{
		Addr:        ls.config.GetAddress(),
		Handler:     ls.Handler(),
		ReadTimeout: time.Duration(ls.config.Server.ReadTimeout) * time.Second,
	}

	libraries, err := ls.db.CountLibraries(ctx)
	if err != nil {
		ls.logger.WithError(err).Warn("Could not count stored libraries")
	}
	ls.logger.WithFields(logrus.Fields{
		"address":   localAddress,
		"libraries": libraries,
		"auth":      ls.authService.IsEnabled(),
	}).Info("Streamflix library server starting")

	if ls.ngrokService != nil {
		if err := ls.ngrokService.StartTunnel(ctx, localAddress); err != nil {
			ls.logger.WithError(err).Warn("Could not start ngrok tunnel")
		} else {
			defer ls.ngrokService.Stop()
		}
	}

	go ls.authService.RunCleanup(ctx, time.Hour)
	if ls.limiter != nil {
		go ls.limiter.RunCleanup(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	ls.logger.Info("Shutting down library server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	ls.logger.Info("Library server shutdown complete")
	return nil
}
