package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// harness bundles an engine driven by a mock clock with a capture channel
// for finished bins.
type harness struct {
	eng  *Engine
	clk  *clock.Mock
	bins chan Bin
}

func newHarness(t *testing.T, channels []ChannelConfig, mutate ...func(*Options)) *harness {
	t.Helper()

	clk := clock.NewMock()
	bins := make(chan Bin, 16)

	opts := Options{
		Channels:      channels,
		OnBinFinished: func(b Bin) { bins <- b },
		Clock:         clk,
		QueueSize:     64,
	}
	for _, m := range mutate {
		m(&opts)
	}

	eng, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(eng.Stop)

	return &harness{eng: eng, clk: clk, bins: bins}
}

// waitUntil polls cond until it holds or the deadline passes. The mock
// clock only gates bin timers, so real time is fine for polling.
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

func (h *harness) expectBin(t *testing.T) Bin {
	t.Helper()
	select {
	case b := <-h.bins:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a finished bin")
		return Bin{}
	}
}

func (h *harness) expectNoBin(t *testing.T) {
	t.Helper()
	select {
	case b := <-h.bins:
		t.Fatalf("unexpected bin for channel %q with %d points", b.Channel, len(b.Points))
	case <-time.After(50 * time.Millisecond):
	}
}

func oneChannel(target int, duration time.Duration) []ChannelConfig {
	return []ChannelConfig{{
		Name:           "wavelength_vac_nm",
		Kind:           "wavelength",
		TargetBinSize:  target,
		MaxBinDuration: duration,
	}}
}

func TestEngine_CountFlush(t *testing.T) {
	h := newHarness(t, oneChannel(4, 30*time.Second))

	values := []float64{780.241, 780.242, 780.243, 780.244}
	for _, v := range values {
		h.eng.Submit("wavelength", v)
	}

	bin := h.expectBin(t)
	if bin.Channel != "wavelength_vac_nm" {
		t.Errorf("bin.Channel = %q, want %q", bin.Channel, "wavelength_vac_nm")
	}
	if bin.Reason != FlushCount {
		t.Errorf("bin.Reason = %q, want %q", bin.Reason, FlushCount)
	}
	if len(bin.Points) != 4 {
		t.Fatalf("len(bin.Points) = %d, want 4", len(bin.Points))
	}
	for i, v := range values {
		if bin.Points[i] != v {
			t.Errorf("bin.Points[%d] = %v, want %v", i, bin.Points[i], v)
		}
	}

	// The next bin starts empty and fills independently.
	for _, v := range []float64{1, 2, 3, 4} {
		h.eng.Submit("wavelength", v)
	}
	second := h.expectBin(t)
	if len(second.Points) != 4 || second.Points[0] != 1 {
		t.Errorf("second bin = %v, want [1 2 3 4]", second.Points)
	}

	stats := h.eng.Stats()
	if stats.BinsFlushed != 2 {
		t.Errorf("Stats().BinsFlushed = %d, want 2", stats.BinsFlushed)
	}
	if stats.TimeoutFlushes != 0 {
		t.Errorf("Stats().TimeoutFlushes = %d, want 0", stats.TimeoutFlushes)
	}
}

func TestEngine_TimeoutFlush(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	h.eng.Submit("wavelength", 780.1)
	h.eng.Submit("wavelength", 780.2)
	h.eng.Submit("wavelength", 780.3)
	waitUntil(t, "samples routed", func() bool { return h.eng.Stats().Routed == 3 })

	h.clk.Add(30 * time.Second)

	bin := h.expectBin(t)
	if bin.Reason != FlushTimeout {
		t.Errorf("bin.Reason = %q, want %q", bin.Reason, FlushTimeout)
	}
	if len(bin.Points) != 3 {
		t.Errorf("len(bin.Points) = %d, want 3", len(bin.Points))
	}
	if got := h.eng.Stats().TimeoutFlushes; got != 1 {
		t.Errorf("Stats().TimeoutFlushes = %d, want 1", got)
	}
}

func TestEngine_EmptyTimeoutRearms(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	h.clk.Add(30 * time.Second)
	waitUntil(t, "first empty timeout", func() bool { return h.eng.Stats().EmptyTimeouts == 1 })
	h.expectNoBin(t)

	// The timer was re-armed, not abandoned.
	h.clk.Add(30 * time.Second)
	waitUntil(t, "second empty timeout", func() bool { return h.eng.Stats().EmptyTimeouts == 2 })
	h.expectNoBin(t)

	if got := h.eng.Stats().BinsFlushed; got != 0 {
		t.Errorf("Stats().BinsFlushed = %d, want 0", got)
	}
}

func TestEngine_CountFlushResetsTimer(t *testing.T) {
	h := newHarness(t, oneChannel(2, 30*time.Second))

	// Let some of the first bin's clock run down, then flush by count.
	h.clk.Add(10 * time.Second)
	h.eng.Submit("wavelength", 1)
	h.eng.Submit("wavelength", 2)
	h.expectBin(t)

	// The pre-flush timer would have fired at T0+30s. It was cancelled:
	// advancing past that point must not produce a timeout.
	h.clk.Add(25 * time.Second)
	h.expectNoBin(t)
	if got := h.eng.Stats().EmptyTimeouts; got != 0 {
		t.Errorf("Stats().EmptyTimeouts = %d, want 0 before the new deadline", got)
	}

	// The replacement timer fires 30s after the flush.
	h.clk.Add(5 * time.Second)
	waitUntil(t, "empty timeout after reset", func() bool { return h.eng.Stats().EmptyTimeouts == 1 })
}

func TestEngine_LatestBlocksUntilFirstValue(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	type result struct {
		value float64
		err   error
	}
	got := make(chan result, 1)
	go func() {
		v, err := h.eng.Latest(context.Background(), "wavelength_vac_nm")
		got <- result{v, err}
	}()

	waitUntil(t, "reader registered", func() bool { return h.eng.Stats().PendingWaiters == 1 })

	h.eng.Submit("wavelength", 780.246)

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Latest() error = %v", r.err)
		}
		if r.value != 780.246 {
			t.Errorf("Latest() = %v, want 780.246", r.value)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Latest() did not return after push")
	}

	// With a value present, Latest resolves immediately.
	v, err := h.eng.Latest(context.Background(), "wavelength_vac_nm")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if v != 780.246 {
		t.Errorf("Latest() = %v, want 780.246", v)
	}
}

func TestEngine_LatestTreatsZeroAsValue(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	h.eng.Submit("wavelength", 0)
	waitUntil(t, "sample routed", func() bool { return h.eng.Stats().Routed == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	v, err := h.eng.Latest(ctx, "wavelength_vac_nm")
	if err != nil {
		t.Fatalf("Latest() error = %v, want immediate zero value", err)
	}
	if v != 0 {
		t.Errorf("Latest() = %v, want 0", v)
	}
}

func TestEngine_NextAlwaysWaitsForFreshValue(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	h.eng.Submit("wavelength", 1.0)
	waitUntil(t, "sample routed", func() bool { return h.eng.Stats().Routed == 1 })

	// Next must not return the value that already arrived.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.eng.Next(ctx, "wavelength_vac_nm"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Next() error = %v, want deadline exceeded", err)
	}

	got := make(chan float64, 1)
	go func() {
		v, err := h.eng.Next(context.Background(), "wavelength_vac_nm")
		if err == nil {
			got <- v
		}
	}()
	// The abandoned slot from the timed-out read is still registered, so
	// the fresh reader makes two.
	waitUntil(t, "reader registered", func() bool { return h.eng.Stats().PendingWaiters == 2 })

	h.eng.Submit("wavelength", 2.0)

	select {
	case v := <-got:
		if v != 2.0 {
			t.Errorf("Next() = %v, want 2.0", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return after push")
	}
}

func TestEngine_OnePushWakesAllWaiters(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	const readers = 8
	var wg sync.WaitGroup
	results := make(chan float64, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.eng.Next(context.Background(), "wavelength_vac_nm")
			if err == nil {
				results <- v
			}
		}()
	}

	waitUntil(t, "all readers registered", func() bool {
		return h.eng.Stats().PendingWaiters == readers
	})

	h.eng.Submit("wavelength", 3.14)
	wg.Wait()
	close(results)

	count := 0
	for v := range results {
		count++
		if v != 3.14 {
			t.Errorf("reader got %v, want 3.14", v)
		}
	}
	if count != readers {
		t.Errorf("resolved readers = %d, want %d", count, readers)
	}

	stats := h.eng.Stats()
	if stats.WaitersResolved != readers {
		t.Errorf("Stats().WaitersResolved = %d, want %d", stats.WaitersResolved, readers)
	}
	if stats.PendingWaiters != 0 {
		t.Errorf("Stats().PendingWaiters = %d, want 0", stats.PendingWaiters)
	}
}

func TestEngine_WaiterGetsPushedValueNotBinContents(t *testing.T) {
	h := newHarness(t, oneChannel(3, 30*time.Second))

	h.eng.Submit("wavelength", 10)
	h.eng.Submit("wavelength", 20)
	waitUntil(t, "samples routed", func() bool { return h.eng.Stats().Routed == 2 })

	got := make(chan float64, 1)
	go func() {
		v, err := h.eng.Next(context.Background(), "wavelength_vac_nm")
		if err == nil {
			got <- v
		}
	}()
	waitUntil(t, "reader registered", func() bool { return h.eng.Stats().PendingWaiters == 1 })

	// This push both completes the bin and resolves the reader. The
	// reader sees the single pushed value, never the bin.
	h.eng.Submit("wavelength", 30)

	bin := h.expectBin(t)
	if len(bin.Points) != 3 {
		t.Errorf("len(bin.Points) = %d, want 3", len(bin.Points))
	}

	select {
	case v := <-got:
		if v != 30 {
			t.Errorf("Next() = %v, want the pushed value 30", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return after flush-triggering push")
	}
}

func TestEngine_CancelledWaiterIsReclaimed(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := h.eng.Next(ctx, "wavelength_vac_nm")
		errCh <- err
	}()
	waitUntil(t, "reader registered", func() bool { return h.eng.Stats().PendingWaiters == 1 })

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() error = %v, want context.Canceled", err)
	}

	// The abandoned slot is cleared by the next push without disturbing
	// anything else.
	h.eng.Submit("wavelength", 7)
	waitUntil(t, "slot reclaimed", func() bool { return h.eng.Stats().PendingWaiters == 0 })

	v, err := h.eng.Latest(context.Background(), "wavelength_vac_nm")
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if v != 7 {
		t.Errorf("Latest() = %v, want 7", v)
	}
}

func TestEngine_Peek(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	_, ok, err := h.eng.Peek(context.Background(), "wavelength_vac_nm")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if ok {
		t.Error("Peek() ok = true before any sample")
	}

	h.eng.Submit("wavelength", 780.5)
	waitUntil(t, "sample routed", func() bool { return h.eng.Stats().Routed == 1 })

	v, ok, err := h.eng.Peek(context.Background(), "wavelength_vac_nm")
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if !ok || v != 780.5 {
		t.Errorf("Peek() = (%v, %v), want (780.5, true)", v, ok)
	}
}

func TestEngine_IndependentChannels(t *testing.T) {
	channels := []ChannelConfig{
		{Name: "wavelength_vac_nm", Kind: "wavelength", TargetBinSize: 2, MaxBinDuration: 30 * time.Second},
		{Name: "temperature_celsius", Kind: "temperature", TargetBinSize: 3, MaxBinDuration: 30 * time.Second},
	}
	h := newHarness(t, channels)

	h.eng.Submit("wavelength", 780.1)
	h.eng.Submit("temperature", 21.5)
	h.eng.Submit("wavelength", 780.2)

	bin := h.expectBin(t)
	if bin.Channel != "wavelength_vac_nm" {
		t.Fatalf("bin.Channel = %q, want wavelength channel first", bin.Channel)
	}
	if len(bin.Points) != 2 {
		t.Errorf("len(bin.Points) = %d, want 2", len(bin.Points))
	}

	// The temperature bin is still accumulating.
	h.expectNoBin(t)

	h.eng.Submit("temperature", 21.6)
	h.eng.Submit("temperature", 21.7)
	second := h.expectBin(t)
	if second.Channel != "temperature_celsius" {
		t.Errorf("second bin channel = %q, want %q", second.Channel, "temperature_celsius")
	}
	if len(second.Points) != 3 {
		t.Errorf("len(second.Points) = %d, want 3", len(second.Points))
	}
}
