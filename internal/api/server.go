// Package api serves the admin HTTP surface: settings, alerts, test
// notifications and HTTP ingest of observation batches.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pricewatch/internal/alerting"
	"pricewatch/internal/config"
	"pricewatch/internal/ingest"
	"pricewatch/internal/metrics"
	"pricewatch/internal/pipeline"
	"pricewatch/internal/policy"
	"pricewatch/internal/storage"
)

const defaultMaxBody = 4 << 20

// Store is what the handlers read and write directly.
type Store interface {
	storage.SettingsStore
	storage.AlertStore
}

// Processor runs batches and test notifications; *pipeline.Pipeline implements it.
type Processor interface {
	ProcessBatch(ctx context.Context, batch ingest.Batch) (pipeline.Report, error)
	SendTestAlert(ctx context.Context) alerting.Report
}

// Server holds the router and its dependencies.
type Server struct {
	store     Store
	processor Processor
	cfg       config.APIConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewServer wires handlers to store and processor.
func NewServer(store Store, processor Processor, cfg config.APIConfig, logger zerolog.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	return &Server{
		store:     store,
		processor: processor,
		cfg:       cfg,
		logger:    logger.With().Str("component", "api").Logger(),
		now:       time.Now,
	}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.recovery)
	r.Use(s.instrument)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)

		r.Get("/alerts", s.handleListAlerts)
		r.Post("/alerts/test", s.handleTestAlert)
		r.Get("/alerts/{id}", s.handleGetAlert)
		r.Post("/alerts/{id}/ack", s.handleAckAlert)

		r.Post("/observations", s.handleObservations)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("admin api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin api: %w", err)
	}
	return nil
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	pol, err := s.store.LoadPolicy(r.Context())
	switch {
	case errors.Is(err, storage.ErrPolicyNotFound):
		// nothing saved yet: report the disabled default the pipeline falls back to
		writeJSON(w, http.StatusOK, policy.Default())
		return
	case err != nil:
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pol)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	var pol policy.Policy
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pol); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings document: %v", err))
		return
	}
	if pol.Channels == nil {
		pol.Channels = map[policy.Channel]bool{}
	}
	if err := pol.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := s.store.SavePolicy(r.Context(), pol)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info().Bool("enabled", saved.Enabled).Msg("alert settings replaced")
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AlertFilter{ProductID: q.Get("product_id")}

	if v := q.Get("status"); v != "" {
		status, ok := storage.ParseStatus(v)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}

	alerts, err := s.store.ListAlerts(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.store.GetAlert(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	alert, err := s.store.AcknowledgeAlert(r.Context(), id, s.now().UTC())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	metrics.AlertsTotal.WithLabelValues("acknowledged").Inc()
	s.logger.Info().Str("alert_id", id).Str("product_id", alert.ProductID).Msg("alert acknowledged")
	writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleTestAlert(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.processor.SendTestAlert(r.Context()))
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	batch, err := ingest.Decode(r.Body, s.now())
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := s.processor.ProcessBatch(r.Context(), batch)
	if err != nil {
		s.logger.Error().Err(err).Int("received", report.Received).Msg("observation batch failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// fail maps storage sentinels to status codes.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrAlertNotFound):
		writeError(w, http.StatusNotFound, "alert not found")
	case errors.Is(err, storage.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
