// Package server runs the control loop and exposes the HTTP API for
// status, the current plan, the ledger, and settings.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"
	"github.com/loadshift/loadshift/pkg/inverter"
	"github.com/loadshift/loadshift/pkg/log"
	"github.com/loadshift/loadshift/pkg/planner"
	"github.com/loadshift/loadshift/pkg/prices"
	"github.com/loadshift/loadshift/pkg/storage"
	"github.com/loadshift/loadshift/pkg/types"
)

// Server handles the HTTP API and the periodic control loop for the
// LoadShift scheduler.
type Server struct {
	prices    *prices.Map
	inverters *inverter.Map
	storage   storage.Database
	planner   *planner.Planner

	listenAddr   string
	siteID       string
	tickInterval time.Duration
	oidcIssuer   string
	oidcAudience string
	verifyToken  tokenVerifier
	httpServer   *http.Server

	// serializes control ticks, see loop.go
	tickMu sync.Mutex
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(p *prices.Map, inv *inverter.Map, db storage.Database) *Server {
	srv := &Server{
		prices:    p,
		inverters: inv,
		storage:   db,
		planner:   planner.New(),
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	siteID := lflag.String("site-id", types.SiteIDNone, "site identifier used for storage")
	tickInterval := lflag.Duration("tick-interval", time.Minute, "how often the control loop runs")
	oidcIssuer := lflag.String("oidc-issuer", "https://accounts.google.com", "OIDC issuer for settings auth")
	oidcAudience := lflag.String("oidc-audience", "", "OIDC audience/client ID to validate; empty disables auth")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		srv.siteID = *siteID
		srv.tickInterval = *tickInterval
		srv.oidcIssuer = *oidcIssuer
		srv.oidcAudience = *oidcAudience
		if srv.oidcAudience != "" {
			srv.initVerifier()
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("GET /api/ledger", s.handleLedger)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("GET /api/history/decisions", s.handleDecisionHistory)
	apiMux.HandleFunc("GET /api/history/prices", s.handlePriceHistory)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return gziphandler.GzipHandler(mux)
}

// Run starts the HTTP server and the control loop and blocks until the
// context is canceled or the server fails.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.runLoop(ctx)

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}
