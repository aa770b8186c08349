// Package export turns finished measurement bins into summaries and fans
// them out to the configured sinks.
//
// # Pipeline
//
// The chunking engine hands finished bins to Exporter.Push, which is
// non-blocking: bins land on a bounded queue and a single worker drains
// it. When the queue is full the newest bin is dropped with a warning,
// so a slow or unreachable sink can never stall the measurement path.
//
// For each bin the worker computes a Summary (min, p20, mean, p80, max,
// count) and then:
//   - writes one point to InfluxDB (measurement = channel name, static
//     tags from configuration, millisecond timestamps)
//   - records one row in the SQLite bin history
//
// Both sinks are optional; a nil sink is skipped. Sink errors are logged
// and counted, never propagated back to the engine. An optional summary
// hook lets the MQTT publisher observe each summary without computing it
// a second time.
//
// # Statistics
//
// Percentiles follow the montanaflynn/stats convention: for a whole
// rank the two neighbouring order statistics are averaged, otherwise
// the lower one is taken. Bins of fewer than five points sit below the
// interpolated estimator's p20 rank bounds and use the nearest-rank
// method for both tails, so a short timeout flush still summarises.
package export
