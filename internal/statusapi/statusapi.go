// Package statusapi exposes a minimal, optional HTTP status/control surface
// over the Catalog (§10.7). It is additive to the Scheduler's event loop,
// never required by it, and is disabled by default.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/BeltaKoda/visionarr/internal/catalog"
	"github.com/BeltaKoda/visionarr/internal/models"
	"github.com/BeltaKoda/visionarr/pkg/duration"
)

// Config holds the bind address and timeouts for Server.
type Config struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server is the status/control HTTP surface.
type Server struct {
	config     Config
	router     *chi.Mux
	catalog    catalog.Catalog
	httpServer *http.Server
	logger     *slog.Logger
}

// New builds a Server against catalog. logger defaults to slog.Default if nil.
func New(config Config, cat catalog.Catalog, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Compress(5))

	s := &Server{config: config, router: router, catalog: cat, logger: logger}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/status", s.handleStatus)
	s.router.Get("/settings", s.handleGetSettings)
	s.router.Put("/settings/{key}", s.handlePutSetting)
	s.router.Post("/failed/clear", s.handleClearFailed)
}

// Router exposes the underlying chi router so tests can drive requests
// directly without starting a listener.
func (s *Server) Router() *chi.Mux { return s.router }

// ListenAndServe starts the server and blocks until ctx is canceled, then
// shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting status API", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	settings, err := s.catalog.GetAllSettings(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	discovered, err := s.catalog.GetDiscovered(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	failed, err := s.catalog.GetFailed(ctx, 100)
	if err != nil {
		writeError(w, err)
		return
	}
	inFlight, err := s.catalog.GetCurrentConversion(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"settings":         settings,
		"discovered_count": len(discovered),
		"failed_count":     len(failed),
		"in_flight":        inFlight,
		"last_full_scan":   relativeSetting(settings[models.SettingLastFullScanAt]),
		"last_delta_scan":  relativeSetting(settings[models.SettingLastDeltaScanAt]),
	})
}

// relativeSetting formats an RFC3339 setting value (e.g.
// last_full_scan_at/last_delta_scan_at) as a human-readable relative string
// for operator-facing status output, "never" if the setting is unset or
// unparseable.
func relativeSetting(value string) string {
	if value == "" {
		return "never"
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return "never"
	}
	return duration.FormatRelativeFrom(t, time.Now().Truncate(time.Second))
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.catalog.GetAllSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.catalog.SetSetting(r.Context(), key, body.Value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}

func (s *Server) handleClearFailed(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "path is required"})
		return
	}

	if err := s.catalog.ClearFailed(r.Context(), body.Path); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": body.Path})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
