// Package httpserver exposes the service's HTTP surface: the streaming
// websocket endpoint, presigned-credential issuing, health, and metrics.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eumlab/speechbridge/internal/language"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/presign"
)

const readHeaderTimeout = 10 * time.Second

type Config struct {
	ListenAddr string
	// DefaultSampleRate fills a credentials request that omits sampleRate.
	DefaultSampleRate int
	Signer            *presign.Signer
	Metrics           *metrics.Metrics
	Registry          *prometheus.Registry
	WS                http.HandlerFunc
}

type Server struct {
	cfg     Config
	handler http.Handler
	srv     *http.Server
}

func NewServer(cfg Config) *Server {
	s := &Server{cfg: cfg}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	r.Post("/v1/transcribe-credentials", s.handleCredentials)
	r.Get("/ws", cfg.WS)

	s.handler = r
	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler returns the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until Shutdown is called or the listener fails.
func (s *Server) Run() error {
	slog.Info("http server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type credentialsRequest struct {
	LanguageCode string `json:"languageCode"`
	SampleRate   int    `json:"sampleRate"`
}

type credentialsResponse struct {
	URL          string `json:"url"`
	LanguageCode string `json:"languageCode"`
	ExpiresIn    int    `json:"expiresIn"`
}

func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SampleRate <= 0 {
		req.SampleRate = s.cfg.DefaultSampleRate
	}

	signed, err := s.cfg.Signer.Sign(req.LanguageCode, req.SampleRate, time.Now())
	s.cfg.Metrics.PresignIssued(err)
	if err != nil {
		switch {
		case errors.Is(err, language.ErrUnsupported):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, presign.ErrUnconfiguredCredentials):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			slog.Error("failed to sign streaming url", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, credentialsResponse{
		URL:          signed.URL,
		LanguageCode: signed.LanguageCode,
		ExpiresIn:    int(signed.ExpiresIn.Seconds()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("failed to encode response body", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
