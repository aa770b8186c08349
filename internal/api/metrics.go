package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Runtime       RuntimeMetrics    `json:"runtime"`
	WebSocket     WSMetrics         `json:"websocket"`
	Engine        EngineMetrics     `json:"engine"`
	Driver        DriverMetrics     `json:"driver"`
	Exporter      *ExporterMetrics  `json:"exporter,omitempty"`
	Publisher     *PublisherMetrics `json:"publisher,omitempty"`
	MQTT          *MQTTMetrics      `json:"mqtt,omitempty"`
	Database      *DatabaseMetrics  `json:"database,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// EngineMetrics contains measurement engine counters.
type EngineMetrics struct {
	Submitted       uint64 `json:"submitted"`
	Dropped         uint64 `json:"dropped"`
	Routed          uint64 `json:"routed"`
	Unroutable      uint64 `json:"unroutable"`
	BinsFlushed     uint64 `json:"bins_flushed"`
	TimeoutFlushes  uint64 `json:"timeout_flushes"`
	EmptyTimeouts   uint64 `json:"empty_timeouts"`
	WaitersResolved uint64 `json:"waiters_resolved"`
	PendingWaiters  int64  `json:"pending_waiters"`
	Running         bool   `json:"running"`
}

// DriverMetrics contains instrument driver counters.
type DriverMetrics struct {
	Emitted      uint64 `json:"emitted"`
	Suppressed   uint64 `json:"suppressed"`
	Calibrations uint64 `json:"calibrations"`
	Running      bool   `json:"running"`
	Calibrating  bool   `json:"calibrating"`
}

// ExporterMetrics contains bin exporter counters.
type ExporterMetrics struct {
	Exported    uint64 `json:"exported"`
	Dropped     uint64 `json:"dropped"`
	Recorded    uint64 `json:"recorded"`
	WriteErrors uint64 `json:"write_errors"`
	Pending     int    `json:"pending"`
	Running     bool   `json:"running"`
}

// PublisherMetrics contains MQTT publisher counters.
type PublisherMetrics struct {
	Published     uint64 `json:"published"`
	Throttled     uint64 `json:"throttled"`
	Dropped       uint64 `json:"dropped"`
	PublishErrors uint64 `json:"publish_errors"`
	Pending       int    `json:"pending"`
	Running       bool   `json:"running"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DatabaseMetrics contains database connection pool statistics.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	// Collect runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	engineStats := s.engine.Stats()
	driverStats := s.driver.Stats()

	// Build metrics response
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Engine: EngineMetrics{
			Submitted:       engineStats.Submitted,
			Dropped:         engineStats.Dropped,
			Routed:          engineStats.Routed,
			Unroutable:      engineStats.Unroutable,
			BinsFlushed:     engineStats.BinsFlushed,
			TimeoutFlushes:  engineStats.TimeoutFlushes,
			EmptyTimeouts:   engineStats.EmptyTimeouts,
			WaitersResolved: engineStats.WaitersResolved,
			PendingWaiters:  engineStats.PendingWaiters,
			Running:         engineStats.Running,
		},
		Driver: DriverMetrics{
			Emitted:      driverStats.Emitted,
			Suppressed:   driverStats.Suppressed,
			Calibrations: driverStats.Calibrations,
			Running:      driverStats.Running,
			Calibrating:  driverStats.Calibrating,
		},
	}

	// Optional components contribute only when wired
	if s.exporter != nil {
		expStats := s.exporter.Stats()
		metrics.Exporter = &ExporterMetrics{
			Exported:    expStats.Exported,
			Dropped:     expStats.Dropped,
			Recorded:    expStats.Recorded,
			WriteErrors: expStats.WriteErrors,
			Pending:     expStats.Pending,
			Running:     expStats.Running,
		}
	}

	if s.publisher != nil {
		pubStats := s.publisher.Stats()
		metrics.Publisher = &PublisherMetrics{
			Published:     pubStats.Published,
			Throttled:     pubStats.Throttled,
			Dropped:       pubStats.Dropped,
			PublishErrors: pubStats.PublishErrors,
			Pending:       pubStats.Pending,
			Running:       pubStats.Running,
		}
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{
			Connected: s.mqtt.IsConnected(),
		}
	}

	if s.db != nil {
		dbStats := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: dbStats.OpenConnections,
			InUse:           dbStats.InUse,
			Idle:            dbStats.Idle,
			WaitCount:       dbStats.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
