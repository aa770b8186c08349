package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestNew_Validation(t *testing.T) {
	valid := oneChannel(4, 30*time.Second)
	sink := func(Bin) {}

	tests := []struct {
		name string
		opts Options
	}{
		{
			name: "no channels",
			opts: Options{OnBinFinished: sink},
		},
		{
			name: "nil bin callback",
			opts: Options{Channels: valid},
		},
		{
			name: "negative queue size",
			opts: Options{Channels: valid, OnBinFinished: sink, QueueSize: -1},
		},
		{
			name: "missing channel name",
			opts: Options{
				Channels:      []ChannelConfig{{Kind: "wavelength"}},
				OnBinFinished: sink,
			},
		},
		{
			name: "missing channel kind",
			opts: Options{
				Channels:      []ChannelConfig{{Name: "wavelength_vac_nm"}},
				OnBinFinished: sink,
			},
		},
		{
			name: "duplicate channel name",
			opts: Options{
				Channels: []ChannelConfig{
					{Name: "wavelength_vac_nm", Kind: "wavelength"},
					{Name: "wavelength_vac_nm", Kind: "linewidth"},
				},
				OnBinFinished: sink,
			},
		},
		{
			name: "duplicate kind",
			opts: Options{
				Channels: []ChannelConfig{
					{Name: "exposure_1_ms", Kind: "exposure_1"},
					{Name: "exposure_2_ms", Kind: "exposure_1"},
				},
				OnBinFinished: sink,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() error = nil, want validation error")
			}
		})
	}
}

func TestNew_AppliesDefaults(t *testing.T) {
	eng, err := New(Options{
		Channels:      []ChannelConfig{{Name: "wavelength_vac_nm", Kind: "wavelength"}},
		OnBinFinished: func(Bin) {},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	channels := eng.Channels()
	if len(channels) != 1 {
		t.Fatalf("len(Channels()) = %d, want 1", len(channels))
	}
	if channels[0].TargetBinSize != DefaultTargetBinSize {
		t.Errorf("TargetBinSize = %d, want %d", channels[0].TargetBinSize, DefaultTargetBinSize)
	}
	if channels[0].MaxBinDuration != DefaultMaxBinDuration {
		t.Errorf("MaxBinDuration = %v, want %v", channels[0].MaxBinDuration, DefaultMaxBinDuration)
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	eng, err := New(Options{
		Channels:      oneChannel(4, 30*time.Second),
		OnBinFinished: func(Bin) {},
		Clock:         clock.NewMock(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Reads before Start fail fast.
	if _, err := eng.Latest(context.Background(), "wavelength_vac_nm"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Latest() before Start error = %v, want ErrNotStarted", err)
	}

	if err := eng.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := eng.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}

	if !eng.Stats().Running {
		t.Error("Stats().Running = false after Start")
	}

	eng.Stop()
	eng.Stop() // idempotent

	if eng.Stats().Running {
		t.Error("Stats().Running = true after Stop")
	}

	// Reads after Stop fail with ErrStopped, submits are dropped silently.
	if _, err := eng.Latest(context.Background(), "wavelength_vac_nm"); !errors.Is(err, ErrStopped) {
		t.Errorf("Latest() after Stop error = %v, want ErrStopped", err)
	}
	before := eng.Stats().Submitted
	eng.Submit("wavelength", 1.0)
	if got := eng.Stats().Submitted; got != before {
		t.Errorf("Stats().Submitted = %d after Stop, want %d", got, before)
	}
}

func TestEngine_StopResolvesWaiters(t *testing.T) {
	clk := clock.NewMock()
	eng, err := New(Options{
		Channels:      oneChannel(100, 30*time.Second),
		OnBinFinished: func(Bin) {},
		Clock:         clk,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := eng.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Next(context.Background(), "wavelength_vac_nm")
		errCh <- err
	}()
	waitUntil(t, "reader registered", func() bool { return eng.Stats().PendingWaiters == 1 })

	eng.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Next() error = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next() did not return after Stop")
	}
}

func TestEngine_UnknownChannel(t *testing.T) {
	h := newHarness(t, oneChannel(4, 30*time.Second))

	_, err := h.eng.Latest(context.Background(), "humidity_percent")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Latest() error = %v, want ErrUnknownChannel", err)
	}
	_, err = h.eng.Next(context.Background(), "humidity_percent")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Next() error = %v, want ErrUnknownChannel", err)
	}
	_, _, err = h.eng.Peek(context.Background(), "humidity_percent")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("Peek() error = %v, want ErrUnknownChannel", err)
	}
}

func TestEngine_UnknownKindDroppedSilently(t *testing.T) {
	h := newHarness(t, oneChannel(1, 30*time.Second))

	h.eng.Submit("humidity", 45.0)
	h.eng.Submit("wavelength", 780.1)

	// The known kind still flushes; the unknown one just bumps a counter.
	bin := h.expectBin(t)
	if bin.Points[0] != 780.1 {
		t.Errorf("bin.Points[0] = %v, want 780.1", bin.Points[0])
	}

	stats := h.eng.Stats()
	if stats.Unroutable != 1 {
		t.Errorf("Stats().Unroutable = %d, want 1", stats.Unroutable)
	}
	if stats.Routed != 1 {
		t.Errorf("Stats().Routed = %d, want 1", stats.Routed)
	}
	if stats.Submitted != 2 {
		t.Errorf("Stats().Submitted = %d, want 2", stats.Submitted)
	}
}

func TestEngine_QueueFullDropsNewest(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	defer unblock()

	h := newHarness(t, oneChannel(100, 30*time.Second), func(o *Options) {
		o.QueueSize = 2
		o.OnSample = func(Point) { <-release }
	})

	// The first sample parks the run loop inside the sample hook. The
	// next two fill the queue, so the fourth has nowhere to go.
	h.eng.Submit("wavelength", 1)
	waitUntil(t, "run loop blocked", func() bool { return h.eng.Stats().Routed == 1 })
	h.eng.Submit("wavelength", 2)
	h.eng.Submit("wavelength", 3)
	h.eng.Submit("wavelength", 4)

	stats := h.eng.Stats()
	if stats.Dropped != 1 {
		t.Errorf("Stats().Dropped = %d, want 1", stats.Dropped)
	}
	if stats.Submitted != 4 {
		t.Errorf("Stats().Submitted = %d, want 4", stats.Submitted)
	}

	unblock()
	waitUntil(t, "queue drained", func() bool { return h.eng.Stats().Routed == 3 })
}

func TestEngine_ChannelsSnapshot(t *testing.T) {
	h := newHarness(t, []ChannelConfig{
		{Name: "temperature_celsius", Kind: "temperature", TargetBinSize: 8, MaxBinDuration: 10 * time.Second},
		{Name: "wavelength_vac_nm", Kind: "wavelength", TargetBinSize: 4, MaxBinDuration: 20 * time.Second},
	})

	channels := h.eng.Channels()
	if len(channels) != 2 {
		t.Fatalf("len(Channels()) = %d, want 2", len(channels))
	}
	if channels[0].Name != "temperature_celsius" || channels[1].Name != "wavelength_vac_nm" {
		t.Errorf("Channels() order = [%s %s], want configured order", channels[0].Name, channels[1].Name)
	}

	// Mutating the snapshot must not reach the engine.
	channels[0].Name = "mutated"
	if h.eng.Channels()[0].Name != "temperature_celsius" {
		t.Error("Channels() returned a live reference to engine state")
	}
}

func TestEngine_SampleHookSeesEveryRoutedPoint(t *testing.T) {
	var mu sync.Mutex
	var seen []Point

	h := newHarness(t, oneChannel(100, 30*time.Second), func(o *Options) {
		o.OnSample = func(p Point) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		}
	})

	h.eng.Submit("wavelength", 1)
	h.eng.Submit("humidity", 99) // unroutable, never reaches the hook
	h.eng.Submit("wavelength", 2)

	waitUntil(t, "samples routed", func() bool { return h.eng.Stats().Routed == 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("len(seen) = %d, want 2", len(seen))
	}
	for i, want := range []float64{1, 2} {
		if seen[i].Channel != "wavelength_vac_nm" {
			t.Errorf("seen[%d].Channel = %q, want %q", i, seen[i].Channel, "wavelength_vac_nm")
		}
		if seen[i].Value != want {
			t.Errorf("seen[%d].Value = %v, want %v", i, seen[i].Value, want)
		}
	}
}

func TestEngine_ContextCancelledBeforeRead(t *testing.T) {
	h := newHarness(t, oneChannel(100, 30*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.eng.Latest(ctx, "wavelength_vac_nm"); !errors.Is(err, context.Canceled) {
		t.Errorf("Latest() error = %v, want context.Canceled", err)
	}
}
