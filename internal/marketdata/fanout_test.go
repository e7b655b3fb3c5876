package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/pkg/types"
)

type fakeTickerClient struct {
	mu      sync.Mutex
	tickers map[string]*types.Ticker
}

func (f *fakeTickerClient) GetTicker(_ context.Context, _ types.Category, symbol string) *types.Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[symbol]
}

// fakeStream mimics the kline WebSocket contract: Run blocks until
// cancelled or closed, and the bar channel closes when Run returns.
type fakeStream struct {
	bars chan types.Bar
	done chan struct{}
	once sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{bars: make(chan types.Bar, 16), done: make(chan struct{})}
}

func (f *fakeStream) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-f.done:
	}
	close(f.bars)
	return nil
}

func (f *fakeStream) Bars() <-chan types.Bar { return f.bars }

func (f *fakeStream) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

// streamRecorder hands out fake streams and remembers them by key.
type streamRecorder struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{streams: make(map[string]*fakeStream)}
}

func (r *streamRecorder) factory(_ types.Category, symbol string, tf types.Timeframe) BarSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := newFakeStream()
	r.streams[symbol+"/"+tf.Raw] = s
	return s
}

func (r *streamRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *streamRecorder) get(symbol, frame string) *fakeStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[symbol+"/"+frame]
}

func strategyConfig(name, frame string) *config.StrategyConfig {
	tf, err := types.ParseTimeframe(frame)
	if err != nil {
		panic(fmt.Sprintf("bad frame %q: %v", frame, err))
	}
	return &config.StrategyConfig{
		Name:       name,
		TradePairs: []string{"WIFUSDT"},
		Leverage:   10,
		Enabled:    true,
		Signals: map[string]*config.SignalConfig{
			"btc": {Index: "BTCUSDT", Frame: frame, IndexChangeThreshold: 0.5, Target: 0.5, Timeframe: tf},
		},
	}
}

func setupFanout(rec *streamRecorder, client TickerClient) *Fanout {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	if client == nil {
		client = &fakeTickerClient{}
	}
	return New(client, rec.factory, logger)
}

func TestRegisterDeduplicatesKeys(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	// Two strategies watching the same index and trading the same pair on
	// the same frame share both underlying subscriptions.
	chA := f.Register(strategyConfig("a", "1"))
	chB := f.Register(strategyConfig("b", "1"))

	if chA == chB {
		t.Fatal("strategies must get distinct event channels")
	}
	keys := f.Keys()
	if len(keys) != 2 {
		t.Fatalf("keys = %d, want 2 (index + pair)", len(keys))
	}
	for _, key := range keys {
		subs := f.Subscribers(key)
		if len(subs) != 2 {
			t.Errorf("key %v has %d subscribers, want 2", key, len(subs))
		}
	}
}

func TestRegisterIdempotent(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	cfg := strategyConfig("a", "1")
	ch1 := f.Register(cfg)
	ch2 := f.Register(cfg)

	if ch1 != ch2 {
		t.Error("second Register returned a different channel")
	}
	for _, key := range f.Keys() {
		if n := len(f.Subscribers(key)); n != 1 {
			t.Errorf("key %v has %d subscribers after double register, want 1", key, n)
		}
	}
}

func TestDistinctFramesGetDistinctKeys(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	f.Register(strategyConfig("a", "1"))
	f.Register(strategyConfig("b", "5"))

	if got := len(f.Keys()); got != 4 {
		t.Errorf("keys = %d, want 4 (two symbols on two frames)", got)
	}
}

func TestUnregisterReleasesKeys(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	f.Register(strategyConfig("a", "1"))
	f.Register(strategyConfig("b", "1"))

	f.Unregister("a")
	if got := len(f.Keys()); got != 2 {
		t.Fatalf("keys = %d after first unregister, want 2", got)
	}
	for _, key := range f.Keys() {
		subs := f.Subscribers(key)
		if len(subs) != 1 || subs[0] != "b" {
			t.Errorf("key %v subscribers = %v, want [b]", key, subs)
		}
	}

	f.Unregister("b")
	if got := len(f.Keys()); got != 0 {
		t.Errorf("keys = %d after last unregister, want 0", got)
	}
}

func TestStreamDeliveryFansOut(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	chA := f.Register(strategyConfig("a", "1"))
	chB := f.Register(strategyConfig("b", "1"))

	f.Start(context.Background())
	defer f.Stop()

	if rec.count() != 2 {
		t.Fatalf("streams opened = %d, want 2", rec.count())
	}

	src := rec.get("BTCUSDT", "1")
	if src == nil {
		t.Fatal("no stream opened for BTCUSDT/1")
	}
	src.bars <- types.Bar{Close: 100, Confirmed: true}

	for name, ch := range map[string]<-chan Event{"a": chA, "b": chB} {
		select {
		case evt := <-ch:
			if evt.Symbol != "BTCUSDT" || evt.Frame != "1" || evt.Bar.Close != 100 {
				t.Errorf("strategy %s got %+v", name, evt)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("strategy %s never received the bar", name)
		}
	}
}

func TestStreamDeliverySkipsUnconfirmed(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	ch := f.Register(strategyConfig("a", "1"))
	f.Start(context.Background())
	defer f.Stop()

	src := rec.get("BTCUSDT", "1")
	src.bars <- types.Bar{Close: 100, Confirmed: false}
	src.bars <- types.Bar{Close: 101, Confirmed: true}

	select {
	case evt := <-ch:
		// The unconfirmed bar must have been dropped upstream.
		if evt.Bar.Close != 101 {
			t.Errorf("first delivered close = %v, want 101", evt.Bar.Close)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmed bar never delivered")
	}
}

func TestPollingSynthesizesBars(t *testing.T) {
	t.Parallel()
	client := &fakeTickerClient{tickers: map[string]*types.Ticker{
		"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 42, Volume24h: 7},
		"WIFUSDT": {Symbol: "WIFUSDT", LastPrice: 1.5, Volume24h: 3},
	}}
	rec := newStreamRecorder()
	f := setupFanout(rec, client)

	ch := f.Register(strategyConfig("a", "1s"))
	f.Start(context.Background())
	defer f.Stop()

	// Second-scale frames have no kline stream; no WS sources may open.
	if rec.count() != 0 {
		t.Fatalf("streams opened = %d for a polling frame, want 0", rec.count())
	}

	deadline := time.After(5 * time.Second)
	seen := make(map[string]types.Bar)
	for len(seen) < 2 {
		select {
		case evt := <-ch:
			seen[evt.Symbol] = evt.Bar
		case <-deadline:
			t.Fatalf("timed out waiting for polled bars, got %v", seen)
		}
	}

	bar := seen["BTCUSDT"]
	if bar.Close != 42 || bar.Open != 42 || bar.High != 42 || bar.Low != 42 {
		t.Errorf("synthetic bar OHLC = %+v, want all 42", bar)
	}
	if bar.Volume != 7 {
		t.Errorf("synthetic bar volume = %v, want 7", bar.Volume)
	}
	if !bar.Confirmed {
		t.Error("synthetic bars must be confirmed")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()
	rec := newStreamRecorder()
	f := setupFanout(rec, nil)

	f.Register(strategyConfig("a", "1"))
	f.Start(context.Background())
	f.Stop()
	f.Stop()
}
