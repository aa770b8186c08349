package export

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/qoptics/wavemeterd/internal/stream"
)

// writtenPoint captures one metric write.
type writtenPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
	at          time.Time
}

// fakeMetrics records points in memory.
type fakeMetrics struct {
	mu     sync.Mutex
	points []writtenPoint
}

func (f *fakeMetrics) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, writtenPoint{measurement, tags, fields, at})
}

func (f *fakeMetrics) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func (f *fakeMetrics) point(i int) writtenPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.points[i]
}

// fakeHistory records summaries in memory. The gate, when set before
// Start, makes Record block until the gate is closed.
type fakeHistory struct {
	gate chan struct{}
	err  error

	mu      sync.Mutex
	records []Summary
}

func (f *fakeHistory) Record(_ context.Context, s Summary) error {
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, s)
	return nil
}

func (f *fakeHistory) Recent(context.Context, string, int) ([]Summary, error) {
	return nil, nil
}

func (f *fakeHistory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func (f *fakeHistory) record(i int) Summary {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[i]
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testBin(channel string) stream.Bin {
	return stream.Bin{
		Channel: channel,
		Points:  []float64{5, 3, 1, 4, 2},
		Reason:  stream.FlushCount,
	}
}

// TestExporter_ExportsBin verifies a bin reaches both sinks with the
// right schema and timestamp.
func TestExporter_ExportsBin(t *testing.T) {
	metrics := &fakeMetrics{}
	history := &fakeHistory{}
	clk := clock.NewMock()

	exp := New(Options{
		Metrics: metrics,
		History: history,
		Tags:    map[string]string{"system": "pulsar", "device": "lsa"},
		Clock:   clk,
	})
	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { exp.Close() }) //nolint:errcheck // Test cleanup

	exp.Push(testBin("wavelength_vac_nm"))

	waitUntil(t, "bin export", func() bool { return exp.Stats().Exported == 1 })

	if metrics.count() != 1 {
		t.Fatalf("metric writes = %d, want 1", metrics.count())
	}
	p := metrics.point(0)
	if p.measurement != "wavelength_vac_nm" {
		t.Errorf("measurement = %q, want wavelength_vac_nm", p.measurement)
	}
	if p.tags["system"] != "pulsar" || p.tags["device"] != "lsa" {
		t.Errorf("tags = %v, want system=pulsar device=lsa", p.tags)
	}
	if got := p.fields["mean"]; got != 3.0 {
		t.Errorf("fields[mean] = %v, want 3", got)
	}
	if got := p.fields["count"]; got != 5 {
		t.Errorf("fields[count] = %v, want 5", got)
	}
	if !p.at.Equal(clk.Now().UTC()) {
		t.Errorf("timestamp = %v, want %v", p.at, clk.Now().UTC())
	}

	if history.count() != 1 {
		t.Fatalf("history records = %d, want 1", history.count())
	}
	rec := history.record(0)
	if rec.Min != 1 || rec.P20 != 1.5 || rec.P80 != 4.5 || rec.Max != 5 {
		t.Errorf("recorded summary = %+v, want min 1 p20 1.5 p80 4.5 max 5", rec)
	}

	st := exp.Stats()
	if st.Recorded != 1 {
		t.Errorf("Recorded = %d, want 1", st.Recorded)
	}
	if st.WriteErrors != 0 {
		t.Errorf("WriteErrors = %d, want 0", st.WriteErrors)
	}
}

// TestExporter_SmallTimeoutBinExported verifies a two-point timeout
// flush reaches both sinks rather than dying at summarisation.
func TestExporter_SmallTimeoutBinExported(t *testing.T) {
	metrics := &fakeMetrics{}
	history := &fakeHistory{}

	exp := New(Options{
		Metrics: metrics,
		History: history,
	})
	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { exp.Close() }) //nolint:errcheck // Test cleanup

	exp.Push(stream.Bin{
		Channel: "temperature_celsius",
		Points:  []float64{23.7, 23.5},
		Reason:  stream.FlushTimeout,
	})

	waitUntil(t, "bin export", func() bool { return exp.Stats().Exported == 1 })

	if metrics.count() != 1 {
		t.Fatalf("metric writes = %d, want 1", metrics.count())
	}
	if got := metrics.point(0).fields["count"]; got != 2 {
		t.Errorf("fields[count] = %v, want 2", got)
	}

	if history.count() != 1 {
		t.Fatalf("history records = %d, want 1", history.count())
	}
	rec := history.record(0)
	if rec.Min != 23.5 || rec.P20 != 23.5 || rec.P80 != 23.7 || rec.Max != 23.7 {
		t.Errorf("recorded summary = %+v, want min 23.5 p20 23.5 p80 23.7 max 23.7", rec)
	}
	if rec.Count != 2 {
		t.Errorf("Count = %d, want 2", rec.Count)
	}
}

// TestExporter_DropsWhenQueueFull verifies the non-blocking push: with
// the worker stuck in a sink write and the queue full, further bins are
// dropped and counted rather than blocking the caller.
func TestExporter_DropsWhenQueueFull(t *testing.T) {
	metrics := &fakeMetrics{}
	history := &fakeHistory{gate: make(chan struct{})}
	var release sync.Once
	t.Cleanup(func() { release.Do(func() { close(history.gate) }) })

	exp := New(Options{
		QueueSize: 1,
		Metrics:   metrics,
		History:   history,
	})
	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { exp.Close() }) //nolint:errcheck // Test cleanup

	// First bin: picked up by the worker, which then blocks on the gate.
	// The metric write precedes the blocked history write, so it signals
	// the dequeue.
	exp.Push(testBin("temperature_celsius"))
	waitUntil(t, "worker to pick up the first bin", func() bool { return metrics.count() == 1 })

	// Second bin fills the queue, third has nowhere to go.
	exp.Push(testBin("temperature_celsius"))
	exp.Push(testBin("temperature_celsius"))

	if got := exp.Stats().Dropped; got != 1 {
		t.Fatalf("Dropped = %d, want 1", got)
	}

	release.Do(func() { close(history.gate) })
	waitUntil(t, "remaining bins to export", func() bool { return exp.Stats().Exported == 2 })
}

// TestExporter_HistoryErrorCounted verifies a failing history write is
// counted but does not stop the export.
func TestExporter_HistoryErrorCounted(t *testing.T) {
	history := &fakeHistory{err: errors.New("disk full")}

	exp := New(Options{History: history})
	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { exp.Close() }) //nolint:errcheck // Test cleanup

	exp.Push(testBin("air_pressure_mbar"))

	waitUntil(t, "bin export", func() bool { return exp.Stats().Exported == 1 })

	st := exp.Stats()
	if st.WriteErrors != 1 {
		t.Errorf("WriteErrors = %d, want 1", st.WriteErrors)
	}
	if st.Recorded != 0 {
		t.Errorf("Recorded = %d, want 0", st.Recorded)
	}
}

// TestExporter_OnSummaryHook verifies the hook sees the same summary the
// sinks received, after the sinks.
func TestExporter_OnSummaryHook(t *testing.T) {
	history := &fakeHistory{}

	var mu sync.Mutex
	var seen []Summary
	exp := New(Options{
		History: history,
		OnSummary: func(s Summary) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		},
	})
	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { exp.Close() }) //nolint:errcheck // Test cleanup

	exp.Push(testBin("wavelength_vac_nm"))

	waitUntil(t, "bin export", func() bool { return exp.Stats().Exported == 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("hook calls = %d, want 1", len(seen))
	}
	if history.count() != 1 {
		t.Fatalf("history records = %d, want 1", history.count())
	}
	if seen[0].ID != history.record(0).ID {
		t.Errorf("hook summary ID = %q, history ID = %q, want identical", seen[0].ID, history.record(0).ID)
	}
}

// TestExporter_NoSinks verifies the exporter still summarises and counts
// with neither sink configured.
func TestExporter_NoSinks(t *testing.T) {
	exp := New(Options{})
	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { exp.Close() }) //nolint:errcheck // Test cleanup

	exp.Push(testBin("linewidth_vac_nm"))

	waitUntil(t, "bin export", func() bool { return exp.Stats().Exported == 1 })
}

// TestExporter_Lifecycle verifies the start and close guards.
func TestExporter_Lifecycle(t *testing.T) {
	exp := New(Options{})

	if err := exp.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := exp.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if !exp.Stats().Running {
		t.Error("Running = false, want true after Start")
	}

	if err := exp.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := exp.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if exp.Stats().Running {
		t.Error("Running = true, want false after Close")
	}

	if err := exp.Start(); !errors.Is(err, ErrClosed) {
		t.Fatalf("Start() after Close error = %v, want ErrClosed", err)
	}

	// Push after close is a silent no-op.
	exp.Push(testBin("temperature_celsius"))
	if got := exp.Stats().Exported; got != 0 {
		t.Errorf("Exported = %d, want 0 after close", got)
	}
	if got := exp.Stats().Dropped; got != 0 {
		t.Errorf("Dropped = %d, want 0 after close", got)
	}
}
