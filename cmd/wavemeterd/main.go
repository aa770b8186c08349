// Wavemeterd - Wavemeter Measurement Service
//
// This is the main entry point for the wavemeterd daemon. It reads a
// laser spectrum analyser through a driver, chunks the measurement
// streams into per-channel bins, and serves the results:
//   - REST + WebSocket API for dashboards and lab tooling
//   - Bin summaries to InfluxDB and a local SQLite history
//   - Retained live values and bin events over MQTT
//
// Every backend except the driver and the engine is optional; the
// daemon degrades rather than refusing to start.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/qoptics/wavemeterd/migrations"

	"github.com/qoptics/wavemeterd/internal/api"
	"github.com/qoptics/wavemeterd/internal/driver"
	"github.com/qoptics/wavemeterd/internal/export"
	"github.com/qoptics/wavemeterd/internal/infrastructure/config"
	"github.com/qoptics/wavemeterd/internal/infrastructure/database"
	"github.com/qoptics/wavemeterd/internal/infrastructure/influxdb"
	"github.com/qoptics/wavemeterd/internal/infrastructure/logging"
	"github.com/qoptics/wavemeterd/internal/infrastructure/mqtt"
	"github.com/qoptics/wavemeterd/internal/publish"
	"github.com/qoptics/wavemeterd/internal/stream"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting wavemeterd",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open database (optional: bin history degrades without it)
	var db *database.DB
	if cfg.Database.Enabled {
		db, err = database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")
	} else {
		log.Info("database disabled, bin history unavailable")
	}

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect to MQTT broker (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log)
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT disabled")
	}

	// WebSocket hub, fed by the engine's sample callback. Run on its own
	// context so clients stay connected until the deferred shutdown.
	hub := api.NewHub(cfg.WebSocket, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	defer hubCancel()
	go hub.Run(hubCtx)

	// MQTT publisher (optional, follows the broker)
	var pub *publish.Publisher
	if mqttClient != nil {
		pub, err = publish.New(publish.Options{
			Broker:        mqttClient,
			Topics:        mqttClient.Topics(),
			StateInterval: cfg.MQTT.GetPublishInterval(),
			QueueSize:     cfg.MQTT.QueueSize,
			QoS:           byte(cfg.MQTT.QoS),
			Logger:        log.With("component", "publish"),
		})
		if err != nil {
			return fmt.Errorf("creating MQTT publisher: %w", err)
		}
		defer func() {
			log.Info("stopping MQTT publisher")
			if closeErr := pub.Close(); closeErr != nil {
				log.Error("error closing MQTT publisher", "error", closeErr)
			}
		}()
	}

	// Bin history repository (follows the database)
	var history export.HistoryRepository
	if db != nil {
		history = export.NewHistory(db)
	}

	// Bin exporter: summaries fan out to InfluxDB, SQLite and the
	// publisher. A nil sink is skipped.
	expOpts := export.Options{
		QueueSize: cfg.Export.QueueSize,
		History:   history,
		Tags:      cfg.InfluxDB.Tags,
		Logger:    log.With("component", "export"),
	}
	if influxClient != nil {
		expOpts.Metrics = influxClient
	}
	if pub != nil {
		expOpts.OnSummary = pub.PushSummary
	}
	exporter := export.New(expOpts)
	defer func() {
		log.Info("stopping bin exporter")
		if closeErr := exporter.Close(); closeErr != nil {
			log.Error("error closing bin exporter", "error", closeErr)
		}
	}()

	// Chunking engine. Callbacks run on the engine goroutine, so both
	// targets are non-blocking queue hand-offs.
	onSample := hub.BroadcastSample
	if pub != nil {
		onSample = func(pt stream.Point) {
			hub.BroadcastSample(pt)
			pub.PushSample(pt)
		}
	}
	eng, err := stream.New(stream.Options{
		Channels:      streamChannels(cfg.Stream),
		OnBinFinished: exporter.Push,
		OnSample:      onSample,
		QueueSize:     cfg.Stream.QueueSize,
		Logger:        log.With("component", "stream"),
	})
	if err != nil {
		return fmt.Errorf("creating measurement engine: %w", err)
	}

	if err := exporter.Start(); err != nil {
		return fmt.Errorf("starting bin exporter: %w", err)
	}
	if pub != nil {
		if err := pub.Start(); err != nil {
			return fmt.Errorf("starting MQTT publisher: %w", err)
		}
		log.Info("MQTT publisher started", "topic_root", cfg.MQTT.TopicRoot)
	}

	if err := eng.Start(); err != nil {
		return fmt.Errorf("starting measurement engine: %w", err)
	}
	defer func() {
		log.Info("stopping measurement engine")
		eng.Stop()
	}()
	log.Info("measurement engine started", "channels", len(eng.Channels()))

	// Start the instrument driver and bridge its readouts into the engine
	drv, err := startDriver(ctx, cfg, eng, log)
	if err != nil {
		return fmt.Errorf("starting driver: %w", err)
	}
	defer func() {
		log.Info("closing driver")
		if closeErr := drv.Close(); closeErr != nil {
			log.Error("error closing driver", "error", closeErr)
		}
	}()

	// Start API server
	server, err := api.New(api.Deps{
		Config:      cfg.API,
		WS:          cfg.WebSocket,
		Logger:      log,
		Engine:      eng,
		Driver:      drv,
		History:     history,
		Exporter:    exporter,
		Publisher:   pub,
		MQTT:        mqttClient,
		Influx:      influxClient,
		DB:          db,
		ExternalHub: hub,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()
	log.Info("API server started", "host", cfg.API.Host, "port", cfg.API.Port)

	// Verify the optional backends are healthy
	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order: the API server stops
	// accepting requests, the driver stops emitting, the engine stops
	// (partial bins are discarded), and the backends close last.

	log.Info("wavemeterd stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses WAVEMETERD_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("WAVEMETERD_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// streamChannels maps the configured channels onto engine channel
// configs, resolving per-channel zeros against the stream defaults.
func streamChannels(cfg config.StreamConfig) []stream.ChannelConfig {
	channels := make([]stream.ChannelConfig, 0, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		binSize := ch.TargetBinSize
		if binSize == 0 {
			binSize = cfg.TargetBinSize
		}
		duration := ch.GetMaxBinDuration()
		if duration == 0 {
			duration = cfg.GetMaxBinDuration()
		}
		channels = append(channels, stream.ChannelConfig{
			Name:           ch.Name,
			Kind:           ch.Kind,
			TargetBinSize:  binSize,
			MaxBinDuration: duration,
		})
	}
	return channels
}

// startDriver initialises the instrument driver and bridges its readouts
// into the engine.
//
// Parameters:
//   - ctx: Context for the device info read
//   - cfg: Application configuration
//   - eng: Engine receiving the readouts
//   - log: Logger instance
//
// Returns:
//   - driver.Driver: Running driver
//   - error: If the driver fails to start or the instrument is unsuitable
func startDriver(ctx context.Context, cfg *config.Config, eng *stream.Engine, log *logging.Logger) (driver.Driver, error) {
	// Only the simulated driver is built in; config validation has
	// already rejected anything else.
	drv := driver.NewSim(driver.SimOptions{
		Interval: cfg.Driver.Sim.GetInterval(),
		Seed:     cfg.Driver.Sim.Seed,
		Logger:   log.With("component", "driver"),
	})

	if err := drv.Start(); err != nil {
		return nil, fmt.Errorf("starting %s driver: %w", cfg.Driver.Type, err)
	}

	info, err := drv.Info(ctx)
	if err != nil {
		drv.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("reading device info: %w", err)
	}
	if info.ChannelCount != 1 {
		drv.Close() //nolint:errcheck // Best effort cleanup on error path
		return nil, fmt.Errorf("%w: instrument reports %d inputs", driver.ErrMultiChannel, info.ChannelCount)
	}
	log.Info("instrument connected",
		"model", info.Model,
		"firmware", info.Version,
	)

	// Bridge readouts into the engine. Submit is non-blocking, as the
	// driver's callback contract requires.
	drv.AddCallback(func(m driver.Measurement) {
		eng.Submit(string(m.Kind), m.Value)
	})

	return drv, nil
}

// healthCheck verifies the configured infrastructure connections are
// healthy. Disabled backends are skipped.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check (may be nil if disabled)
//   - mqttClient: MQTT client to check (may be nil if disabled)
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if db != nil {
		if err := db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
