package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check
		r.Get("/health", s.handleHealth)

		// System metrics
		r.Get("/metrics", s.handleMetrics)

		// Instrument endpoints
		r.Route("/device", func(r chi.Router) {
			r.Get("/", s.handleDeviceInfo)
			r.Post("/calibrate", s.handleCalibrate)
		})
		r.Get("/spectrum", s.handleSpectrum)

		// Channel endpoints
		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)

			r.Route("/{channel}", func(r chi.Router) {
				r.Get("/latest", s.handleChannelLatest)
				r.Get("/next", s.handleChannelNext)
				r.Get("/history", s.handleChannelHistory)
			})
		})
	})

	// WebSocket live stream
	r.Get(s.wsPath(), s.handleWebSocket)

	return r
}

// wsPath returns the WebSocket route, defaulting to /ws.
func (s *Server) wsPath() string {
	if s.wsCfg.Path == "" {
		return "/ws"
	}
	return s.wsCfg.Path
}

// handleHealth reports service health with per-component statuses.
//
// The endpoint always answers 200; consumers inspect the status field.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	components := make(map[string]string)

	components["engine"] = "ok"
	if !s.engine.Stats().Running {
		components["engine"] = "stopped"
		status = "degraded"
	}

	components["driver"] = "ok"
	if !s.driver.Stats().Running {
		components["driver"] = "stopped"
		status = "degraded"
	}

	// Optional backends report "disabled" when not configured, which does
	// not degrade the overall status.
	components["database"] = "disabled"
	if s.db != nil {
		components["database"] = "ok"
		if err := s.db.HealthCheck(r.Context()); err != nil {
			components["database"] = "unavailable"
			status = "degraded"
		}
	}

	components["influxdb"] = "disabled"
	if s.influx != nil {
		components["influxdb"] = "ok"
		if !s.influx.IsConnected() {
			components["influxdb"] = "unavailable"
			status = "degraded"
		}
	}

	components["mqtt"] = "disabled"
	if s.mqtt != nil {
		components["mqtt"] = "ok"
		if !s.mqtt.IsConnected() {
			components["mqtt"] = "unavailable"
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"version":    s.version,
		"components": components,
	})
}
