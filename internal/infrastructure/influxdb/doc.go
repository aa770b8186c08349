// Package influxdb provides InfluxDB connectivity for wavemeterd.
//
// It wraps the official influxdb-client-go v2 library with the patterns the
// rest of the daemon expects for connection management, point writing, and
// health monitoring.
//
// # Purpose
//
// This package handles time-series storage for per-bin measurement
// summaries: one point per finished bin, measurement named after the
// channel, written with millisecond precision.
//
// # Usage
//
//	cfg := config.InfluxDBConfig{
//	    URL:    "http://localhost:8086",
//	    Token:  "your-token",
//	    Org:    "lab",
//	    Bucket: "wavemeter",
//	}
//
//	client, err := influxdb.Connect(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.WritePointWithTime("wavelength_vac_nm",
//	    map[string]string{"instrument": "ws-1"},
//	    map[string]interface{}{"mean": 780.2412, "count": 256},
//	    time.Now())
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking and batch errors are delivered via the
// SetOnError callback. Connection and health check errors are returned
// directly.
package influxdb
