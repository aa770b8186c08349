package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/qoptics/wavemeterd/internal/driver"
)

// handleDeviceInfo returns the connected instrument's identity.
func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.driver.Info(r.Context())
	if err != nil {
		s.writeDriverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, info)
}

// handleSpectrum returns the instrument's latest analysis trace.
func (s *Server) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	trace, err := s.driver.Spectrum(r.Context())
	if err != nil {
		s.writeDriverError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, trace)
}

// handleCalibrate starts a calibration cycle.
//
// Calibration occupies the driver for the full cycle, so the request only
// confirms the start: 202 when a cycle was triggered, 409 when one is
// already running. Progress is observable via /metrics.
func (s *Server) handleCalibrate(w http.ResponseWriter, _ *http.Request) {
	if s.driver.Stats().Calibrating {
		writeConflict(w, "calibration already in progress")
		return
	}

	go func() {
		// The driver aborts the cycle itself on Close; no request-scoped
		// context applies to a background calibration. Two requests racing
		// past the pre-check resolve inside the driver, so a lost race is
		// not worth a log entry.
		err := s.driver.Calibrate(context.Background())
		if err != nil && !errors.Is(err, driver.ErrCalibrating) && !errors.Is(err, driver.ErrClosed) {
			s.logger.Warn("calibration failed", "error", err)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "calibration_started",
	})
}

// writeDriverError maps a driver failure onto the HTTP response.
func (s *Server) writeDriverError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, driver.ErrNotStarted), errors.Is(err, driver.ErrClosed):
		writeServiceUnavailable(w, "instrument unavailable")
	default:
		s.logger.Error("driver request failed", "error", err)
		writeInternalError(w, "driver request failed")
	}
}
