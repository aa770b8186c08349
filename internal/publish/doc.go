// Package publish pushes live measurements and bin summaries to MQTT.
//
// The publisher is the optional MQTT face of the measurement pipeline: the
// engine's sample hook feeds PushSample, the exporter's summaries feed
// PushSummary, and a single worker goroutine turns both into broker
// publishes. The rest of the system runs unchanged when MQTT is disabled.
//
// # Topics
//
// Live values go to <root>/state/<channel> as retained messages, so a
// dashboard connecting mid-run immediately sees the last value of every
// channel. Bin summaries go to <root>/bins/<channel> unretained - they are
// a stream of events, not a state to replay.
//
// # Throttling
//
// The wavemeter produces samples far faster than a state topic is useful.
// PushSample suppresses publishes closer together than the configured
// interval, per channel, and counts what it suppressed. Bin summaries are
// never throttled; every finished bin is worth an event.
//
// # Delivery
//
// Hand-off is a bounded queue drained by one worker. A full queue drops
// the message and increments a counter rather than stalling the
// measurement path; MQTT consumers are observers, never backpressure.
package publish
