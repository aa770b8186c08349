package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/qoptics/wavemeterd/internal/export"
	"github.com/qoptics/wavemeterd/internal/stream"
)

// channelInfo is one entry in the channel listing.
type channelInfo struct {
	Name               string   `json:"name"`
	Kind               string   `json:"kind"`
	TargetBinSize      int      `json:"target_bin_size"`
	MaxBinDurationSecs float64  `json:"max_bin_duration_secs"`
	Value              *float64 `json:"value"`
}

// handleListChannels returns the configured channels with their current
// known values. Value is null for a channel that has not seen a sample yet.
func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	configs := s.engine.Channels()

	channels := make([]channelInfo, 0, len(configs))
	for _, cc := range configs {
		info := channelInfo{
			Name:               cc.Name,
			Kind:               cc.Kind,
			TargetBinSize:      cc.TargetBinSize,
			MaxBinDurationSecs: cc.MaxBinDuration.Seconds(),
		}

		value, ok, err := s.engine.Peek(ctx, cc.Name)
		if err != nil {
			s.writeReadError(w, err)
			return
		}
		if ok {
			v := value
			info.Value = &v
		}

		channels = append(channels, info)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channels": channels,
		"count":    len(channels),
	})
}

// handleChannelLatest returns the most recent value pushed to a channel,
// long-polling for the first sample if the channel has none yet.
func (s *Server) handleChannelLatest(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	ctx, cancel := context.WithTimeout(r.Context(), s.longPollTimeout())
	defer cancel()

	value, err := s.engine.Latest(ctx, channel)
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	writeChannelValue(w, channel, value)
}

// handleChannelNext long-polls for the next value pushed to a channel.
func (s *Server) handleChannelNext(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")

	ctx, cancel := context.WithTimeout(r.Context(), s.longPollTimeout())
	defer cancel()

	value, err := s.engine.Next(ctx, channel)
	if err != nil {
		s.writeReadError(w, err)
		return
	}

	writeChannelValue(w, channel, value)
}

// handleChannelHistory returns recent bin summaries for a channel,
// newest first.
func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	channel := chi.URLParam(r, "channel")
	if !s.knownChannel(channel) {
		writeNotFound(w, "unknown channel")
		return
	}

	limit, err := parseHistoryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	if s.history == nil {
		writeServiceUnavailable(w, "bin history unavailable")
		return
	}

	summaries, err := s.history.Recent(ctx, channel, limit)
	if err != nil {
		s.logger.Error("bin history query failed", "channel", channel, "error", err)
		writeInternalError(w, "failed to load bin history")
		return
	}
	if summaries == nil {
		summaries = []export.Summary{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel": channel,
		"history": summaries,
		"count":   len(summaries),
	})
}

// writeChannelValue writes the standard single-value response.
func writeChannelValue(w http.ResponseWriter, channel string, value float64) {
	writeJSON(w, http.StatusOK, map[string]any{
		"channel":   channel,
		"value":     value,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// writeReadError maps an engine read failure onto the HTTP response.
//
// A long-poll window that expires without a value is not an error; the
// client gets 204 and simply retries.
func (s *Server) writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, stream.ErrUnknownChannel):
		writeNotFound(w, "unknown channel")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, stream.ErrNotStarted), errors.Is(err, stream.ErrStopped):
		writeServiceUnavailable(w, "measurement engine unavailable")
	default:
		s.logger.Error("channel read failed", "error", err)
		writeInternalError(w, "channel read failed")
	}
}

// knownChannel reports whether the engine is configured with the channel.
func (s *Server) knownChannel(name string) bool {
	for _, cc := range s.engine.Channels() {
		if cc.Name == name {
			return true
		}
	}
	return false
}

// parseHistoryLimit parses the limit query parameter with bounds enforcement.
func parseHistoryLimit(raw string) (int, error) {
	if raw == "" {
		return export.DefaultRecentLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("invalid limit")
	}
	if limit > export.MaxRecentLimit {
		return 0, fmt.Errorf("limit exceeds maximum")
	}

	return limit, nil
}
