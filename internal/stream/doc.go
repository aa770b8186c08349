// Package stream implements the sample chunking engine at the heart of
// wavemeterd.
//
// The wavemeter driver reports measurements from its own goroutine. The
// engine marshals those callbacks onto a single owning goroutine, routes
// each (kind, value) pair to its channel, accumulates values into bins and
// hands finished bins to a consumer. Readers anywhere in the process can
// fetch a channel's most recent value or block for the next one.
//
// # Architecture
//
//   - Submit is the hand-off boundary: it is safe from any goroutine,
//     never blocks for long, and drops (with a counter) when the bounded
//     queue is full.
//   - One run goroutine owns every channel's state. Samples, read requests
//     and bin-timer expiries all enter through its select loop, so no
//     channel state is ever touched concurrently.
//   - A bin finishes when it reaches its target size or when its wall-clock
//     timer elapses with samples present. The bin-finished callback runs on
//     the owning goroutine and therefore must not block; slow consumers
//     queue and drop on their own side.
//
// # Reads
//
// Latest returns the most recent value, blocking only before the first
// sample arrives. Next always blocks for the following sample. Both honour
// context cancellation, and any number of concurrent readers may wait on
// one channel: a single push wakes them all with the same value, in
// registration order.
//
// # Time
//
// Bin timers run on an injectable clock (github.com/benbjohnson/clock), so
// tests drive timeouts deterministically with a mock.
package stream
