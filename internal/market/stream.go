package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/cache"
	"github.com/stratoforge/quantra/internal/events"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/logging"
)

const (
	// defaultMaxStreamRetries bounds redial attempts after a live stream
	// dies. Once exhausted the symbol is parked as failed until the next
	// reconcile pass picks it up again.
	defaultMaxStreamRetries = 5

	defaultBackoffCap = 60 * time.Second

	maxRecentTrades = 100
)

// SubState is the lifecycle of one symbol subscription.
type SubState string

const (
	SubPending        SubState = "pending"
	SubActive         SubState = "active"
	SubRetryScheduled SubState = "retry_scheduled"
	SubFailed         SubState = "failed"
)

// subscription is the live side of one symbol: its cancel handle plus the
// state the watch goroutine reports back.
type subscription struct {
	mu     sync.Mutex
	state  SubState
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *subscription) setState(st SubState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *subscription) stateIs(st SubState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == st
}

// Stats is the reconcile summary surfaced over the control API.
type Stats struct {
	Active          int       `json:"active"`
	Failed          int       `json:"failed"`
	FailedRetries   int64     `json:"failed_retries"`
	LastReconcileAt time.Time `json:"last_reconcile_at"`
}

// StreamManager keeps WebSocket ticker and trade subscriptions aligned with
// a desired symbol set. Each Reconcile pass computes, with C the connected
// set and F the symbols whose streams previously failed:
//
//	to_subscribe   = (desired − C) ∪ (desired ∩ F)
//	to_unsubscribe = C − desired
//
// Subscribing prefills the ticker cache over REST so readers see data before
// the first stream message lands. Every stream write lands in the shared
// cache, which makes the poll provider serve live data without extra REST
// calls. Reconcile is idempotent: a second pass with the same desired set is
// a no-op.
type StreamManager struct {
	client exchange.Client
	cache  *cache.Cache
	bus    *events.EventBus
	log    zerolog.Logger

	mu            sync.Mutex
	subs          map[string]*subscription
	failed        map[string]bool
	locks         map[string]*sync.Mutex
	failedRetries int64
	lastReconcile time.Time

	maxRetries int
	backoffCap time.Duration

	wg sync.WaitGroup

	// retryWait is swapped out in tests to avoid real backoff sleeps.
	retryWait func(ctx context.Context, attempt int) error
}

// NewStreamManager creates a manager for one bot's symbol universe. bus may
// be nil when no event fan-out is wanted.
func NewStreamManager(client exchange.Client, c *cache.Cache, bus *events.EventBus, botID int64) *StreamManager {
	m := &StreamManager{
		client:     client,
		cache:      c,
		bus:        bus,
		log:        logging.Component("stream").With().Int64("bot_id", botID).Logger(),
		subs:       make(map[string]*subscription),
		failed:     make(map[string]bool),
		locks:      make(map[string]*sync.Mutex),
		maxRetries: defaultMaxStreamRetries,
		backoffCap: defaultBackoffCap,
	}
	m.retryWait = m.backoffWait
	return m
}

// SetRetryPolicy overrides the redial budget and backoff ceiling. Values
// at or below zero keep the current setting.
func (m *StreamManager) SetRetryPolicy(maxRetries int, backoffCap time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if maxRetries > 0 {
		m.maxRetries = maxRetries
	}
	if backoffCap > 0 {
		m.backoffCap = backoffCap
	}
}

// lockFor returns the per-symbol transition lock, creating it on first use.
func (m *StreamManager) lockFor(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.locks[symbol]
	if !ok {
		lk = &sync.Mutex{}
		m.locks[symbol] = lk
	}
	return lk
}

// Reconcile aligns subscriptions with the desired set. ctx bounds the
// lifetime of any subscription started by this pass, so callers hand in the
// bot's run context rather than a per-cycle one. Safe to call every cycle.
func (m *StreamManager) Reconcile(ctx context.Context, desired []string) Stats {
	want := make(map[string]bool, len(desired))
	for _, s := range desired {
		if s != "" {
			want[s] = true
		}
	}

	m.mu.Lock()
	var toSubscribe, toUnsubscribe []string
	for s := range want {
		_, connected := m.subs[s]
		if !connected || m.failed[s] {
			toSubscribe = append(toSubscribe, s)
		}
	}
	for s := range m.subs {
		if !want[s] {
			toUnsubscribe = append(toUnsubscribe, s)
		}
	}
	// Locks for symbols no longer connected, failed, or desired would
	// leak across long-lived bots, so drop them here.
	for s := range m.locks {
		if _, connected := m.subs[s]; connected {
			continue
		}
		if want[s] || m.failed[s] {
			continue
		}
		delete(m.locks, s)
	}
	// Failed symbols that are no longer desired stop being retried.
	for s := range m.failed {
		if !want[s] {
			delete(m.failed, s)
		}
	}
	m.lastReconcile = time.Now().UTC()
	m.mu.Unlock()

	sort.Strings(toUnsubscribe)
	sort.Strings(toSubscribe)
	for _, s := range toUnsubscribe {
		m.unsubscribe(s)
	}
	for _, s := range toSubscribe {
		if err := m.subscribe(ctx, s); err != nil {
			m.log.Warn().Err(err).Str("symbol", s).Msg("subscribe failed")
		}
	}
	return m.Snapshot()
}

// subscribe opens ticker and trade streams for one symbol. The per-symbol
// lock is held only across state transitions, never across dials or reads.
func (m *StreamManager) subscribe(ctx context.Context, symbol string) error {
	lk := m.lockFor(symbol)

	lk.Lock()
	m.mu.Lock()
	if _, connected := m.subs[symbol]; connected {
		m.mu.Unlock()
		lk.Unlock()
		return nil
	}
	m.mu.Unlock()
	lk.Unlock()

	// Prefill over REST so the cache already answers while the stream
	// handshake is in flight.
	m.prefill(ctx, symbol)

	subCtx, cancel := context.WithCancel(ctx)
	tickers, err := m.client.WatchTicker(subCtx, symbol)
	if err != nil {
		cancel()
		m.markFailed(symbol, "ticker", err)
		return err
	}
	trades, err := m.client.WatchTrades(subCtx, symbol)
	if err != nil {
		cancel()
		m.markFailed(symbol, "trades", err)
		return err
	}

	sub := &subscription{state: SubActive, cancel: cancel, done: make(chan struct{})}

	lk.Lock()
	m.mu.Lock()
	m.subs[symbol] = sub
	delete(m.failed, symbol)
	m.mu.Unlock()
	lk.Unlock()

	m.wg.Add(1)
	go m.watch(subCtx, symbol, sub, tickers, trades)
	m.log.Info().Str("symbol", symbol).Msg("subscribed")
	return nil
}

// unsubscribe cancels a symbol's streams and forgets it. The watch goroutine
// observes the cancellation and exits on its own; we do not wait for it.
func (m *StreamManager) unsubscribe(symbol string) {
	lk := m.lockFor(symbol)

	lk.Lock()
	m.mu.Lock()
	sub := m.subs[symbol]
	delete(m.subs, symbol)
	m.mu.Unlock()
	lk.Unlock()

	if sub == nil {
		return
	}
	sub.cancel()
	m.log.Info().Str("symbol", symbol).Msg("unsubscribed")
}

// markFailed parks a symbol in the failed set for the next reconcile pass.
func (m *StreamManager) markFailed(symbol, channel string, err error) {
	lk := m.lockFor(symbol)

	lk.Lock()
	m.mu.Lock()
	delete(m.subs, symbol)
	m.failed[symbol] = true
	m.mu.Unlock()
	lk.Unlock()

	m.log.Warn().Err(err).Str("symbol", symbol).Str("channel", channel).Msg("subscription failed")
	if m.bus != nil {
		m.bus.PublishSubscriptionFailed(symbol, channel, 1)
	}
}

// prefill seeds the ticker cache over REST before the stream starts.
func (m *StreamManager) prefill(ctx context.Context, symbol string) {
	ticker, err := m.client.FetchTicker(ctx, symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("prefill failed")
		return
	}
	m.cache.Set(NSTickers, symbol, *ticker)
}

// watch consumes a symbol's streams until cancellation. When a live stream
// dies it redials with exponential backoff; after maxStreamRetries failures
// in a row the symbol moves to the failed set and the goroutine exits.
func (m *StreamManager) watch(ctx context.Context, symbol string, sub *subscription, tickers <-chan exchange.Ticker, trades <-chan exchange.PublicTrade) {
	defer m.wg.Done()
	defer close(sub.done)

	m.mu.Lock()
	budget := m.maxRetries
	m.mu.Unlock()

	retries := 0
	for {
		m.consume(ctx, symbol, tickers, trades)
		if ctx.Err() != nil {
			m.drop(symbol, sub)
			return
		}

		// Stream died while still wanted. Redial with backoff.
		redialed := false
		for retries < budget {
			retries++
			m.addRetry()
			sub.setState(SubRetryScheduled)
			if err := m.retryWait(ctx, retries); err != nil {
				m.drop(symbol, sub)
				return
			}
			tk, err := m.client.WatchTicker(ctx, symbol)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", retries).Msg("stream redial failed")
				continue
			}
			td, err := m.client.WatchTrades(ctx, symbol)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", retries).Msg("stream redial failed")
				continue
			}
			tickers, trades = tk, td
			sub.setState(SubActive)
			m.log.Info().Str("symbol", symbol).Int("attempt", retries).Msg("stream reconnected")
			retries = 0
			redialed = true
			break
		}
		if !redialed {
			sub.setState(SubFailed)
			sub.cancel()
			m.dropToFailed(symbol, sub)
			if m.bus != nil {
				m.bus.PublishSubscriptionFailed(symbol, "stream", budget)
			}
			m.log.Error().Str("symbol", symbol).Int("retries", budget).Msg("stream retries exhausted")
			return
		}
	}
}

// consume pumps stream messages into the cache until either channel closes
// or the context ends.
func (m *StreamManager) consume(ctx context.Context, symbol string, tickers <-chan exchange.Ticker, trades <-chan exchange.PublicTrade) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-tickers:
			if !ok {
				return
			}
			m.cache.Set(NSTickers, symbol, t)
		case tr, ok := <-trades:
			if !ok {
				return
			}
			m.appendTrade(symbol, tr)
		}
	}
}

// appendTrade keeps a bounded rolling buffer of recent public trades.
func (m *StreamManager) appendTrade(symbol string, tr exchange.PublicTrade) {
	var recent []exchange.PublicTrade
	if v, ok := m.cache.Get(NSTrades, symbol); ok {
		if prior, ok := v.([]exchange.PublicTrade); ok {
			recent = prior
		}
	}
	recent = append(recent, tr)
	if len(recent) > maxRecentTrades {
		recent = recent[len(recent)-maxRecentTrades:]
	}
	m.cache.Set(NSTrades, symbol, recent)
}

// drop removes a subscription entry if it is still the current one. A
// resubscribe may already have replaced it, in which case the newer entry
// must survive. The pointer check under m.mu is enough here; taking the
// per-symbol lock would resurrect entries the GC already removed.
func (m *StreamManager) drop(symbol string, sub *subscription) {
	m.mu.Lock()
	if m.subs[symbol] == sub {
		delete(m.subs, symbol)
	}
	m.mu.Unlock()
}

// dropToFailed removes the subscription and parks the symbol as failed so
// the next reconcile pass retries it.
func (m *StreamManager) dropToFailed(symbol string, sub *subscription) {
	lk := m.lockFor(symbol)
	lk.Lock()
	m.mu.Lock()
	if m.subs[symbol] == sub {
		delete(m.subs, symbol)
		m.failed[symbol] = true
	}
	m.mu.Unlock()
	lk.Unlock()
}

func (m *StreamManager) addRetry() {
	m.mu.Lock()
	m.failedRetries++
	m.mu.Unlock()
}

// backoffWait sleeps min(2^attempt, backoffCap), honoring cancellation.
func (m *StreamManager) backoffWait(ctx context.Context, attempt int) error {
	m.mu.Lock()
	ceiling := m.backoffCap
	m.mu.Unlock()
	delay := time.Duration(1<<uint(attempt)) * time.Second
	if delay > ceiling || delay <= 0 {
		delay = ceiling
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}

// Snapshot reports the current subscription counters.
func (m *StreamManager) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, sub := range m.subs {
		if sub.stateIs(SubActive) {
			active++
		}
	}
	return Stats{
		Active:          active,
		Failed:          len(m.failed),
		FailedRetries:   m.failedRetries,
		LastReconcileAt: m.lastReconcile,
	}
}

// ActiveSymbols lists the currently connected symbols, sorted.
func (m *StreamManager) ActiveSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for s := range m.subs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// FailedSymbols lists the symbols parked for retry, sorted.
func (m *StreamManager) FailedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.failed))
	for s := range m.failed {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// lockCount is a test hook for the lock GC.
func (m *StreamManager) lockCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Close cancels every subscription and waits for the watch goroutines.
func (m *StreamManager) Close() {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subs = make(map[string]*subscription)
	m.mu.Unlock()
	m.wg.Wait()
}
