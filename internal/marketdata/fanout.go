// Package marketdata centralizes bar acquisition for all strategies.
//
// Strategies never talk to the exchange feed directly. They register here,
// and the Fanout computes the minimal set of distinct subscription keys
// (symbol, timeframe, category), opens each underlying feed exactly once,
// and fans confirmed bars out to every interested strategy over its own
// channel.
//
// Two transports serve the keys:
//   - WebSocket kline streams for minute-and-larger timeframes.
//   - REST ticker polling for second-scale timeframes, which have no native
//     kline stream; each poll synthesizes a confirmed one-tick bar.
//
// Delivery is FIFO per key: every key has a single dispatcher goroutine
// that sends to subscribers sequentially, so a slow strategy delays only
// its own keys.
package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"bybit-correlation-bot/internal/config"
	"bybit-correlation-bot/pkg/types"
)

const (
	eventBufferSize = 128 // per-strategy event channel
	inputBufferSize = 64  // per-key dispatcher inbox
)

// Key identifies one underlying subscription.
type Key struct {
	Symbol   string
	Frame    string // raw timeframe token
	Category types.Category
}

// Event is one confirmed bar tagged with the key it arrived on.
type Event struct {
	Symbol   string
	Frame    string
	Category types.Category
	Bar      types.Bar
}

// TickerClient is the slice of the exchange client the polling path needs.
type TickerClient interface {
	GetTicker(ctx context.Context, category types.Category, symbol string) *types.Ticker
}

// BarSource is one live kline feed. Run blocks until the context is
// cancelled or the source gives up; Bars is closed when Run returns.
type BarSource interface {
	Run(ctx context.Context) error
	Bars() <-chan types.Bar
	Close() error
}

// StreamFactory builds the WebSocket source for one key. Injected so tests
// can substitute in-memory feeds.
type StreamFactory func(category types.Category, symbol string, tf types.Timeframe) BarSource

type subscriber struct {
	strategy string
	ch       chan Event
}

// registration tracks everything one strategy contributed.
type registration struct {
	cfg  *config.StrategyConfig
	ch   chan Event
	keys []Key
}

type groupKey struct {
	Frame    string
	Category types.Category
}

// keyRuntime holds the running transport for one key. For WS keys src is
// set; for polling keys input receives synthetic bars from the group task.
type keyRuntime struct {
	cancel context.CancelFunc
	src    BarSource
	input  chan types.Bar
}

type groupRuntime struct {
	cancel context.CancelFunc
}

// Fanout owns the subscription map and all feed goroutines.
type Fanout struct {
	client    TickerClient
	newStream StreamFactory
	logger    *slog.Logger

	mu         sync.RWMutex
	subs       map[Key][]subscriber
	tfByKey    map[Key]types.Timeframe
	strategies map[string]*registration
	runtimes   map[Key]*keyRuntime
	groups     map[groupKey]*groupRuntime
	running    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Int64
	dropped   atomic.Int64
}

// New creates a Fanout. newStream may be nil only if no strategy uses a
// WebSocket timeframe.
func New(client TickerClient, newStream StreamFactory, logger *slog.Logger) *Fanout {
	return &Fanout{
		client:     client,
		newStream:  newStream,
		logger:     logger.With("component", "fanout"),
		subs:       make(map[Key][]subscriber),
		tfByKey:    make(map[Key]types.Timeframe),
		strategies: make(map[string]*registration),
		runtimes:   make(map[Key]*keyRuntime),
		groups:     make(map[groupKey]*groupRuntime),
	}
}

// Register records the subscription keys a strategy needs — for each
// signal, the index symbol plus every trade pair at the signal's timeframe
// — and returns the channel its bars will arrive on. Registration is
// idempotent per strategy name: a second call returns the original channel
// unchanged. The returned channel is never closed; consumers select on
// their own context.
func (f *Fanout) Register(cfg *config.StrategyConfig) <-chan Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	if reg, ok := f.strategies[cfg.Name]; ok {
		return reg.ch
	}

	reg := &registration{cfg: cfg, ch: make(chan Event, eventBufferSize)}
	f.strategies[cfg.Name] = reg

	for _, sig := range cfg.Signals {
		for _, symbol := range signalSymbols(cfg, sig) {
			key := Key{Symbol: symbol, Frame: sig.Timeframe.Raw, Category: cfg.CategoryFor(symbol)}
			if f.hasSubscriberLocked(key, cfg.Name) {
				continue
			}
			f.subs[key] = append(f.subs[key], subscriber{strategy: cfg.Name, ch: reg.ch})
			f.tfByKey[key] = sig.Timeframe
			reg.keys = append(reg.keys, key)
			if f.running {
				f.ensureKeyLocked(key)
			}
		}
	}

	f.logger.Info("strategy registered", "strategy", cfg.Name, "keys", len(reg.keys))
	return reg.ch
}

// signalSymbols returns the distinct symbols one signal watches: its index
// plus the strategy's trade pairs (or the signal's override pairs).
func signalSymbols(cfg *config.StrategyConfig, sig *config.SignalConfig) []string {
	pairs := cfg.TradePairs
	if len(sig.TargetPairs) > 0 {
		pairs = sig.TargetPairs
	}
	seen := map[string]bool{sig.Index: true}
	out := []string{sig.Index}
	for _, p := range pairs {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (f *Fanout) hasSubscriberLocked(key Key, strategy string) bool {
	for _, s := range f.subs[key] {
		if s.strategy == strategy {
			return true
		}
	}
	return false
}

// Unregister removes every subscription a strategy holds. Keys left with
// no subscribers release their underlying feed.
func (f *Fanout) Unregister(strategyName string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	reg, ok := f.strategies[strategyName]
	if !ok {
		return
	}
	delete(f.strategies, strategyName)

	for _, key := range reg.keys {
		kept := f.subs[key][:0]
		for _, s := range f.subs[key] {
			if s.strategy != strategyName {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			f.subs[key] = kept
			continue
		}
		delete(f.subs, key)
		f.releaseKeyLocked(key)
	}
	f.logger.Info("strategy unregistered", "strategy", strategyName)
}

// Start opens one feed per distinct key. Register may still be called
// afterwards; new keys are activated on the spot.
func (f *Fanout) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.ctx, f.cancel = context.WithCancel(ctx)
	f.running = true

	for key := range f.subs {
		f.ensureKeyLocked(key)
	}
	f.logger.Info("market data started", "keys", len(f.subs))
}

// Stop tears down every feed and waits for all dispatchers to finish.
// Idempotent.
func (f *Fanout) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.cancel()
	for _, rt := range f.runtimes {
		if rt.src != nil {
			rt.src.Close()
		}
	}
	f.runtimes = make(map[Key]*keyRuntime)
	f.groups = make(map[groupKey]*groupRuntime)
	f.mu.Unlock()

	f.wg.Wait()
	f.logger.Info("market data stopped")
}

// ensureKeyLocked activates the transport for one key. WS keys get their
// own stream; polling keys share a group task per (timeframe, category)
// plus a per-key dispatcher for FIFO delivery.
func (f *Fanout) ensureKeyLocked(key Key) {
	if _, ok := f.runtimes[key]; ok {
		return
	}
	tf := f.tfByKey[key]

	if tf.IsPolling() {
		input := make(chan types.Bar, inputBufferSize)
		ctx, cancel := context.WithCancel(f.ctx)
		f.runtimes[key] = &keyRuntime{cancel: cancel, input: input}

		f.wg.Add(1)
		go f.dispatchLoop(ctx, key, input)

		gk := groupKey{Frame: key.Frame, Category: key.Category}
		if _, ok := f.groups[gk]; !ok {
			gctx, gcancel := context.WithCancel(f.ctx)
			f.groups[gk] = &groupRuntime{cancel: gcancel}
			f.wg.Add(1)
			go f.pollGroup(gctx, gk, tf)
		}
		return
	}

	src := f.newStream(key.Category, key.Symbol, tf)
	ctx, cancel := context.WithCancel(f.ctx)
	f.runtimes[key] = &keyRuntime{cancel: cancel, src: src}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := src.Run(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("kline stream terminated", "symbol", key.Symbol, "frame", key.Frame, "error", err)
		}
	}()
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for bar := range src.Bars() {
			if !bar.Confirmed {
				continue
			}
			f.deliver(ctx, key, bar)
		}
	}()
}

func (f *Fanout) releaseKeyLocked(key Key) {
	rt, ok := f.runtimes[key]
	if !ok {
		return
	}
	rt.cancel()
	if rt.src != nil {
		rt.src.Close()
	}
	delete(f.runtimes, key)
	delete(f.tfByKey, key)

	// Drop the polling group when its last key is gone.
	gk := groupKey{Frame: key.Frame, Category: key.Category}
	if grp, ok := f.groups[gk]; ok && !f.groupHasKeysLocked(gk) {
		grp.cancel()
		delete(f.groups, gk)
	}
}

func (f *Fanout) groupHasKeysLocked(gk groupKey) bool {
	for key, tf := range f.tfByKey {
		if tf.IsPolling() && key.Frame == gk.Frame && key.Category == gk.Category {
			return true
		}
	}
	return false
}

// dispatchLoop delivers one polling key's bars in arrival order.
func (f *Fanout) dispatchLoop(ctx context.Context, key Key, input <-chan types.Bar) {
	defer f.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case bar := <-input:
			f.deliver(ctx, key, bar)
		}
	}
}

// pollGroup fetches tickers for every symbol subscribed at this
// (timeframe, category) once per interval and converts each into a
// synthetic confirmed bar.
func (f *Fanout) pollGroup(ctx context.Context, gk groupKey, tf types.Timeframe) {
	defer f.wg.Done()

	ticker := time.NewTicker(tf.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		for _, key := range f.groupKeys(gk) {
			t := f.client.GetTicker(ctx, key.Category, key.Symbol)
			if t == nil {
				continue
			}
			bar := types.Bar{
				StartTime: time.Now(),
				Open:      t.LastPrice,
				High:      t.LastPrice,
				Low:       t.LastPrice,
				Close:     t.LastPrice,
				Volume:    t.Volume24h,
				Confirmed: true,
			}

			f.mu.RLock()
			rt, ok := f.runtimes[key]
			f.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case rt.input <- bar:
			default:
				f.dropped.Add(1)
				f.logger.Warn("dispatch inbox full, dropping bar", "symbol", key.Symbol, "frame", key.Frame)
			}
		}
	}
}

func (f *Fanout) groupKeys(gk groupKey) []Key {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var keys []Key
	for key := range f.subs {
		if key.Frame == gk.Frame && key.Category == gk.Category && f.tfByKey[key].IsPolling() {
			keys = append(keys, key)
		}
	}
	return keys
}

// deliver sends one confirmed bar to every subscriber of a key,
// sequentially. Sends block, so per-key ordering holds even when a
// consumer is slow; unrelated keys run on their own dispatchers.
func (f *Fanout) deliver(ctx context.Context, key Key, bar types.Bar) {
	f.mu.RLock()
	targets := make([]subscriber, len(f.subs[key]))
	copy(targets, f.subs[key])
	f.mu.RUnlock()

	evt := Event{Symbol: key.Symbol, Frame: key.Frame, Category: key.Category, Bar: bar}
	for _, sub := range targets {
		select {
		case sub.ch <- evt:
			f.delivered.Add(1)
		case <-ctx.Done():
			return
		}
	}
}

// Keys returns a snapshot of the active subscription keys, for tests and
// the status log.
func (f *Fanout) Keys() []Key {
	f.mu.RLock()
	defer f.mu.RUnlock()
	keys := make([]Key, 0, len(f.subs))
	for key := range f.subs {
		keys = append(keys, key)
	}
	return keys
}

// Subscribers returns the strategy names subscribed to one key.
func (f *Fanout) Subscribers(key Key) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.subs[key]))
	for _, s := range f.subs[key] {
		names = append(names, s.strategy)
	}
	return names
}

// Stats returns diagnostic counters for the status log.
func (f *Fanout) Stats() map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return map[string]any{
		"keys":           len(f.subs),
		"strategies":     len(f.strategies),
		"polling_groups": len(f.groups),
		"delivered":      f.delivered.Load(),
		"dropped":        f.dropped.Load(),
	}
}
