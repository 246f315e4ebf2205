// Package api serves the local status API: health, gateway identity,
// session states, region info, and Prometheus exposition. It is a
// read-only window into the daemon for operators and site tooling.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/lora-edge/gatewayd/internal/config"
	"github.com/lora-edge/gatewayd/pkg/band"
)

// Source is the daemon state the API reads. Implemented by the gateway
// core.
type Source interface {
	GatewayID() string
	PublicKey() []byte
	SignUsage() uint64
	SignFailClosed() bool
	SessionStates() map[string]string
	Plan() *band.Plan
	Concentrators() []string
	StartedAt() time.Time
}

// Server is the local HTTP API server.
type Server struct {
	cfg     config.APIConfig
	source  Source
	metrics http.Handler
	server  *http.Server
}

// New builds the server and its routes.
func New(cfg config.APIConfig, source Source, metricsHandler http.Handler) *Server {
	s := &Server{
		cfg:     cfg,
		source:  source,
		metrics: metricsHandler,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret))
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleSessions)
		r.Get("/region", s.handleRegion)
		r.Get("/key", s.handleKey)
	})

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("local API listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("local API: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"gatewayID":      s.source.GatewayID(),
		"publicKey":      base64.StdEncoding.EncodeToString(s.source.PublicKey()),
		"region":         s.source.Plan().Name,
		"signFailClosed": s.source.SignFailClosed(),
		"signUsage":      s.source.SignUsage(),
		"concentrators":  s.source.Concentrators(),
		"uptimeSeconds":  int64(time.Since(s.source.StartedAt()).Seconds()),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.SessionStates())
}

func (s *Server) handleRegion(w http.ResponseWriter, r *http.Request) {
	plan := s.source.Plan()
	writeJSON(w, map[string]interface{}{
		"name":             plan.Name,
		"uplinkChannels":   plan.UplinkChannels,
		"downlinkChannels": plan.DownlinkChannels,
		"dutyCycleRatio":   plan.DutyCycleRatio,
		"rx1Delay":         plan.RX1Delay.String(),
		"rx2Delay":         plan.RX2Delay.String(),
	})
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"publicKey": base64.StdEncoding.EncodeToString(s.source.PublicKey()),
		"usage":     s.source.SignUsage(),
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encode API response")
	}
}
