// Package bot hosts the per-bot scheduler workers and the supervisor that
// owns them. Each running bot is one goroutine driving cycle after cycle
// through its workflow pipeline; the supervisor mediates control-plane
// start/stop/restart commands and keeps bots isolated from each other's
// failures.
package bot

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/events"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/ratelimit"
	"github.com/stratoforge/quantra/internal/status"
)

const (
	// defaultDrainTimeout bounds how long Stop waits for a worker to wind
	// down before abandoning it.
	defaultDrainTimeout = 10 * time.Second

	// initTimeout bounds the one-time venue handshake a starting worker
	// performs before it is considered running.
	initTimeout = 30 * time.Second
)

var (
	// ErrBotAlreadyRunning is returned by Start for a registered bot.
	ErrBotAlreadyRunning = errors.New("bot is already running")
	// ErrBotNotRunning is returned by Stop and the live-data accessors
	// when no worker is registered for the bot.
	ErrBotNotRunning = errors.New("bot is not running")
)

// ConfigSource serves bot rows with TTL caching so the scheduler can re-read
// config every cycle without hammering the store. *database.BotLoader
// satisfies it.
type ConfigSource interface {
	Get(ctx context.Context, id int64) (*database.Bot, error)
	Invalidate(id int64)
}

// Store is the durable-state surface workers need beyond the bot loader.
// *database.Repository satisfies it.
type Store interface {
	ListBots(ctx context.Context) ([]*database.Bot, error)
	GetExchange(ctx context.Context, id int64) (*database.Exchange, error)
	GetWorkflowGraph(ctx context.Context, id int64) (*database.Workflow, []*database.WorkflowNode, []*database.WorkflowEdge, error)
	SetBotActive(ctx context.Context, id int64, active bool) error
	HealthCheck(ctx context.Context) error
}

// CheckpointSource persists cycle snapshots and serves the resume point for
// restarts. *database.CheckpointStore satisfies it.
type CheckpointSource interface {
	pipeline.CheckpointSink
	LatestCycle(ctx context.Context, threadID string) (int64, error)
}

// CredentialSource resolves venue API keys held outside the exchanges
// table. *vault.Source satisfies it; nil means rows carry their own keys.
type CredentialSource interface {
	ExchangeCredentials(ctx context.Context, name string) (apiKey, apiSecret string, err error)
}

// Services bundles the shared infrastructure every worker borrows. All
// fields except Credentials are required.
type Services struct {
	Bots        ConfigSource
	Store       Store
	Checkpoints CheckpointSource
	Trades      pipeline.TradeStore
	Settings    pipeline.SettingSource
	LLM         debate.ClientResolver
	Credentials CredentialSource
	Registry    *pipeline.Registry
	Status      *status.Publisher
	Bus         *events.EventBus
	Limits      *ratelimit.Registry
}

// dialFunc builds the venue client for one exchange row. Swapped in tests.
type dialFunc func(ex *database.Exchange, apiKey, apiSecret string, limiter *ratelimit.Limiter) (exchange.Client, error)

func liveDial(ex *database.Exchange, apiKey, apiSecret string, limiter *ratelimit.Limiter) (exchange.Client, error) {
	return exchange.New(exchange.Options{
		Venue:       ex.Venue,
		APIKey:      apiKey,
		APISecret:   apiSecret,
		BaseURL:     ex.BaseURL,
		WSURL:       ex.WSURL,
		Testnet:     ex.Testnet,
		SlippagePct: ex.SlippagePct,
		TakerFeePct: ex.TakerFeePct,
		Limiter:     limiter,
	})
}

// Supervisor owns the bot_id → worker registry. One per process; workers
// derive their run contexts from the supervisor's root so StopAll can tear
// everything down at once.
type Supervisor struct {
	svc   Services
	dial  dialFunc
	drain time.Duration
	log   zerolog.Logger

	root       context.Context
	cancelRoot context.CancelFunc

	mu      sync.RWMutex
	workers map[int64]*worker
}

// NewSupervisor creates an empty supervisor over the shared services.
func NewSupervisor(svc Services) *Supervisor {
	root, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		svc:        svc,
		dial:       liveDial,
		drain:      defaultDrainTimeout,
		log:        logging.Component("supervisor"),
		root:       root,
		cancelRoot: cancel,
		workers:    make(map[int64]*worker),
	}
}

// Start boots a worker for the bot. The one-time venue handshake (exchange
// client, market catalogue, balance probe) runs before Start returns, so a
// broken venue config fails the call instead of leaving a zombie worker.
func (s *Supervisor) Start(ctx context.Context, botID int64) error {
	runCtx, cancelRun := context.WithCancel(s.root)
	w := newWorker(botID, s.svc, s.dial)
	w.cancel = cancelRun

	s.mu.Lock()
	if _, ok := s.workers[botID]; ok {
		s.mu.Unlock()
		cancelRun()
		return errkind.Wrapf(errkind.Validation, ErrBotAlreadyRunning, "bot %d", botID)
	}
	s.workers[botID] = w
	s.mu.Unlock()

	initCtx, cancelInit := context.WithTimeout(runCtx, initTimeout)
	err := w.init(initCtx)
	cancelInit()
	if err != nil {
		cancelRun()
		w.lastErr = err.Error()
		w.shutdown(status.StateError)
		close(w.done)
		s.removeWorker(botID, w)
		return err
	}
	close(w.ready)

	go func() {
		defer s.removeWorker(botID, w)
		w.run(runCtx)
	}()
	s.log.Info().Int64("bot_id", botID).Msg("bot started")
	return nil
}

// Stop cancels the bot's worker and waits for it to drain. On deadline the
// worker is abandoned: its context is already dead, so in-flight I/O unwinds
// on its own, and the status file is stamped stopped here since the worker
// cannot be trusted to do it.
func (s *Supervisor) Stop(ctx context.Context, botID int64) error {
	s.mu.RLock()
	w := s.workers[botID]
	s.mu.RUnlock()
	if w == nil {
		return errkind.Wrapf(errkind.Validation, ErrBotNotRunning, "bot %d", botID)
	}

	w.cancel()
	select {
	case <-w.done:
		s.removeWorker(botID, w)
		s.log.Info().Int64("bot_id", botID).Msg("bot stopped")
	case <-time.After(s.drain):
		s.removeWorker(botID, w)
		s.svc.Status.MarkStopped(ctx, botID)
		s.log.Error().Int64("bot_id", botID).Dur("drain", s.drain).Msg("worker did not drain, abandoning")
	}
	return nil
}

// Restart is stop + start. Cycle numbering carries on because the fresh
// worker resumes from the last checkpointed cycle in the store.
func (s *Supervisor) Restart(ctx context.Context, botID int64) error {
	if s.Running(botID) {
		if err := s.Stop(ctx, botID); err != nil {
			return err
		}
	}
	return s.Start(ctx, botID)
}

// Status returns the latest published snapshot. A snapshot left behind by a
// crashed process may still claim the bot is running; the live registry
// wins.
func (s *Supervisor) Status(ctx context.Context, botID int64) (*status.BotStatus, error) {
	st, err := s.svc.Status.Read(ctx, botID)
	if err != nil {
		return nil, err
	}
	running := s.Running(botID)
	st.IsRunning = running
	if !running && st.State == status.StateRunning {
		st.State = status.StateUnknown
	}
	return st, nil
}

// Running reports whether a worker is registered for the bot.
func (s *Supervisor) Running(botID int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.workers[botID]
	return ok
}

// RunningIDs lists the registered bots, sorted.
func (s *Supervisor) RunningIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// readyWorker returns the bot's worker once its venue handshake finished.
// A worker still initializing is treated as absent.
func (s *Supervisor) readyWorker(botID int64) *worker {
	s.mu.RLock()
	w := s.workers[botID]
	s.mu.RUnlock()
	if w == nil {
		return nil
	}
	select {
	case <-w.ready:
		return w
	default:
		return nil
	}
}

// StreamStats exposes a running bot's subscription counters for the control
// plane.
func (s *Supervisor) StreamStats(botID int64) (market.Stats, bool) {
	w := s.readyWorker(botID)
	if w == nil {
		return market.Stats{}, false
	}
	return w.streams.Snapshot(), true
}

// Positions proxies a live position read through the running bot's venue
// client. Account reads are never served from cache.
func (s *Supervisor) Positions(ctx context.Context, botID int64) ([]exchange.Position, error) {
	w := s.readyWorker(botID)
	if w == nil {
		return nil, errkind.Wrapf(errkind.Validation, ErrBotNotRunning, "bot %d", botID)
	}
	return w.markets.Positions(ctx)
}

// Balance proxies a live balance read through the running bot's venue client.
func (s *Supervisor) Balance(ctx context.Context, botID int64) (*exchange.Balance, error) {
	w := s.readyWorker(botID)
	if w == nil {
		return nil, errkind.Wrapf(errkind.Validation, ErrBotNotRunning, "bot %d", botID)
	}
	return w.markets.Balance(ctx)
}

// Ticker fetches a live ticker through the running bot's venue client. The
// control plane uses it as the mark-price fallback for position rows the
// venue reports without one.
func (s *Supervisor) Ticker(ctx context.Context, botID int64, symbol string) (*exchange.Ticker, error) {
	w := s.readyWorker(botID)
	if w == nil {
		return nil, errkind.Wrapf(errkind.Validation, ErrBotNotRunning, "bot %d", botID)
	}
	return w.client.FetchTicker(ctx, symbol)
}

// StartActive boots every bot flagged active. Individual failures are
// logged and do not stop the rest.
func (s *Supervisor) StartActive(ctx context.Context) {
	bots, err := s.svc.Store.ListBots(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("autostart: listing bots failed")
		return
	}
	for _, b := range bots {
		if !b.IsActive {
			continue
		}
		if err := s.Start(ctx, b.ID); err != nil {
			s.log.Error().Err(err).Int64("bot_id", b.ID).Msg("autostart failed")
		}
	}
}

// StopAll cancels every worker and waits for them to drain, bounded by one
// shared drain deadline. Called once at process shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.cancelRoot()

	s.mu.Lock()
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[int64]*worker)
	s.mu.Unlock()

	deadline := time.After(s.drain)
	for _, w := range workers {
		select {
		case <-w.done:
		case <-deadline:
			s.log.Error().Int64("bot_id", w.botID).Msg("worker did not drain before shutdown")
		case <-ctx.Done():
			return
		}
	}
}

// removeWorker deletes the registry entry if it still points at w. A
// restart may already have installed a replacement, which must survive.
func (s *Supervisor) removeWorker(botID int64, w *worker) {
	s.mu.Lock()
	if s.workers[botID] == w {
		delete(s.workers, botID)
	}
	s.mu.Unlock()
}
