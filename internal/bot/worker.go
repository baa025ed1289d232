package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/cache"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/performance"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/ratelimit"
	"github.com/stratoforge/quantra/internal/risk"
	"github.com/stratoforge/quantra/internal/status"
)

// maintenanceEvery is the cycle count between housekeeping passes.
const maintenanceEvery = 50

// errHalt signals a graceful self-stop: the bot was deactivated or a risk
// breaker paused it.
var errHalt = errors.New("worker halt")

// worker drives one bot's scheduling loop: re-read config, run the workflow
// pipeline on a fresh cycle state, publish status, sleep out the interval,
// repeat. All fields below cancel/done are built once in init and owned by
// the run goroutine afterward.
type worker struct {
	botID int64
	svc   Services
	dial  dialFunc
	log   zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	ready  chan struct{} // closed once init succeeds; gates live-data access

	client   exchange.Client
	cache    *cache.Cache
	markets  *market.PollProvider
	streams  *market.StreamManager
	coins    *market.CoinSelector
	trailing *risk.TrailingManager
	perf     *performance.Service
	runtime  *pipeline.Runtime

	interval time.Duration
	cycle    int64    // last completed cycle
	symbols  []string // last surviving symbol set, for maintenance reconciles
	alerts   []string // previous-cycle problems handed to the next debate
	lastErr  string
}

func newWorker(botID int64, svc Services, dial dialFunc) *worker {
	return &worker{
		botID: botID,
		svc:   svc,
		dial:  dial,
		log:   logging.ForBot("bot", botID),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
}

// init performs the one-time venue handshake: build the exchange client,
// load the market catalogue, probe the balance, and locate the cycle to
// resume from. The worker is not considered running until this succeeds.
func (w *worker) init(ctx context.Context) error {
	w.svc.Bots.Invalidate(w.botID)
	bot, err := w.svc.Bots.Get(ctx, w.botID)
	if err != nil {
		return errkind.Wrapf(errkind.Configuration, err, "bot %d", w.botID)
	}

	ex, err := w.svc.Store.GetExchange(ctx, bot.ExchangeID)
	if err != nil {
		return errkind.Wrapf(errkind.Configuration, err, "exchange %d", bot.ExchangeID)
	}

	apiKey, apiSecret := ex.APIKey, ex.APISecret
	if w.svc.Credentials != nil {
		k, sec, err := w.svc.Credentials.ExchangeCredentials(ctx, ex.Name)
		switch {
		case err != nil:
			w.log.Warn().Err(err).Str("exchange", ex.Name).Msg("vault lookup failed, using stored keys")
		case k != "":
			apiKey, apiSecret = k, sec
		}
	}

	var limiter *ratelimit.Limiter
	if w.svc.Limits != nil {
		limiter = w.svc.Limits.For(ex.Venue, ex.RateLimitPerMin, ex.MaxConcurrentRequests)
	}
	client, err := w.dial(ex, apiKey, apiSecret, limiter)
	if err != nil {
		return err
	}
	// Anything but live trades against the simulated fill layer.
	if bot.TradingMode != database.ModeLive {
		client = exchange.NewPaper(client, exchange.PaperConfig{
			InitialBalance: bot.InitialBalance,
			SlippagePct:    ex.SlippagePct,
			TakerFeePct:    ex.TakerFeePct,
		})
	}

	if _, err := client.LoadMarkets(ctx); err != nil {
		client.Close()
		return errkind.Wrapf(errkind.KindOf(err), err, "market catalogue")
	}
	bal, err := client.FetchBalance(ctx)
	if err != nil {
		client.Close()
		return errkind.Wrapf(errkind.KindOf(err), err, "balance probe")
	}

	last, err := w.svc.Checkpoints.LatestCycle(ctx, bot.ThreadID())
	if err != nil {
		client.Close()
		return errkind.Wrapf(errkind.Transient, err, "resume point")
	}

	c := cache.New(time.Minute)
	// The settings store doubles as the TTL override source when it can.
	ttls, _ := w.svc.Settings.(market.TTLSource)
	market.ConfigureCache(ctx, c, ttls)

	w.client = client
	w.cache = c
	w.markets = market.NewPollProvider(client, c)
	w.streams = market.NewStreamManager(client, c, w.svc.Bus, w.botID)
	w.coins = market.NewCoinSelector(w.markets, c)
	w.trailing = risk.NewTrailingManager(bot.Risk, w.log)
	w.perf = performance.NewService(w.svc.Trades)
	w.runtime = pipeline.NewRuntime(w.svc.Registry, w.svc.Checkpoints, w.log)
	w.interval = time.Duration(bot.CycleIntervalSeconds) * time.Second
	w.cycle = last

	w.log.Info().
		Str("mode", bot.TradingMode).
		Int64("resume_cycle", last).
		Float64("balance", bal.Total).
		Msg("bot initialised")
	if w.svc.Bus != nil {
		w.svc.Bus.PublishBotStarted(w.botID, bot.TradingMode)
	}
	return nil
}

// run is the scheduler loop. It owns every resource init built and tears
// them down on the way out, whatever the exit path.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	exitState := status.StateStopped
	defer func() {
		if r := recover(); r != nil {
			w.lastErr = fmt.Sprintf("panic: %v", r)
			exitState = status.StateError
			w.log.Error().Str("panic", fmt.Sprint(r)).Bytes("stack", debug.Stack()).Msg("worker panicked")
		}
		w.shutdown(exitState)
		if w.svc.Bus != nil {
			reason := exitState
			if exitState == status.StateError && w.lastErr != "" {
				reason = w.lastErr
			}
			w.svc.Bus.PublishBotStopped(w.botID, reason)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		delay, err := w.iterate(ctx)
		if ctx.Err() != nil {
			return
		}
		switch {
		case err == nil:
		case errors.Is(err, errHalt):
			return
		default:
			w.lastErr = err.Error()
			exitState = status.StateError
			w.log.Error().Err(err).Msg("cycle loop aborted")
			if w.svc.Bus != nil {
				w.svc.Bus.PublishError(w.botID, "scheduler", "cycle loop aborted", err)
			}
			return
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

// iterate runs one scheduling cycle and reports how long to sleep before
// the next one.
func (w *worker) iterate(ctx context.Context) (time.Duration, error) {
	started := time.Now()

	bot, err := w.svc.Bots.Get(ctx, w.botID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, errkind.Wrapf(errkind.Configuration, err, "bot %d row vanished", w.botID)
		}
		w.log.Warn().Err(err).Msg("config refresh failed")
		return w.interval, nil
	}
	if !bot.IsActive {
		w.log.Info().Msg("bot deactivated, stopping")
		return 0, errHalt
	}
	w.interval = time.Duration(bot.CycleIntervalSeconds) * time.Second

	cycleID := w.cycle + 1
	if w.svc.Bus != nil {
		w.svc.Bus.PublishCycleStarted(w.botID, cycleID)
	}
	state := pipeline.NewCycleState(bot, cycleID)
	state.Alerts = w.alerts
	w.refreshAccount(ctx, state)

	graph, err := w.loadGraph(ctx, bot.WorkflowID)
	if err != nil {
		if errkind.IsConfiguration(err) {
			return 0, err
		}
		w.log.Warn().Err(err).Msg("workflow snapshot unavailable")
		w.publish(ctx, bot, state, status.StateRunning)
		return w.sleepLeft(started), nil
	}

	deps := &pipeline.Deps{
		Bot:         bot,
		Client:      w.client,
		Markets:     w.markets,
		Streams:     w.streams,
		Coins:       w.coins,
		Cache:       w.cache,
		LLM:         w.svc.LLM,
		Trades:      w.svc.Trades,
		Settings:    w.svc.Settings,
		Performance: w.perf,
		Trailing:    w.trailing,
		Bus:         w.svc.Bus,
		Log:         w.log,
	}

	err = w.runtime.Execute(ctx, graph, state, deps)
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	w.cycle = cycleID
	w.symbols = state.Symbols
	w.collectAlerts(state)
	if err != nil {
		// Only fatal and configuration kinds abort the pipeline; anything
		// recoverable is already recorded inside state.Errors.
		w.lastErr = err.Error()
		w.publish(ctx, bot, state, status.StateError)
		return 0, err
	}

	if n := len(state.Errors); n > 0 {
		w.lastErr = state.Errors[n-1].Message
	} else {
		w.lastErr = ""
	}

	st := status.StateRunning
	if len(state.Symbols) == 0 {
		st = status.StateIdle
	}
	w.publish(ctx, bot, state, st)

	if w.svc.Bus != nil {
		w.svc.Bus.PublishCycleFinished(w.botID, cycleID, time.Since(started), len(state.Errors))
	}

	if state.PauseRequested {
		reason := strings.Join(state.PauseReasons, "; ")
		w.log.Warn().Str("reason", reason).Msg("risk breaker pause, deactivating bot")
		if err := w.svc.Store.SetBotActive(ctx, w.botID, false); err != nil {
			w.log.Error().Err(err).Msg("deactivate failed")
		}
		w.svc.Bots.Invalidate(w.botID)
		w.lastErr = "paused: " + reason
		return 0, errHalt
	}

	if cycleID%maintenanceEvery == 0 {
		w.maintenance(ctx)
	}
	return w.sleepLeft(started), nil
}

// sleepLeft is the remainder of the interval after the work done since
// started. An overrunning cycle gets no sleep at all.
func (w *worker) sleepLeft(started time.Time) time.Duration {
	elapsed := time.Since(started)
	if elapsed >= w.interval {
		w.log.Warn().Dur("elapsed", elapsed).Dur("interval", w.interval).Msg("cycle overran its interval")
		return 0
	}
	return w.interval - elapsed
}

// refreshAccount stamps the cycle with live balance and positions. A miss is
// recorded, not fatal: nodes degrade to their own fallbacks.
func (w *worker) refreshAccount(ctx context.Context, state *pipeline.CycleState) {
	bal, err := w.markets.Balance(ctx)
	if err != nil {
		state.AddError("scheduler", "", "balance refresh: "+err.Error())
	} else {
		state.Balance = bal
	}
	positions, err := w.markets.Positions(ctx)
	if err != nil {
		state.AddError("scheduler", "", "positions refresh: "+err.Error())
		return
	}
	state.Positions = positions
}

// loadGraph snapshots the bot's workflow for one cycle. Edits made through
// the control plane apply from the next snapshot.
func (w *worker) loadGraph(ctx context.Context, workflowID int64) (*pipeline.Graph, error) {
	wf, nodes, edges, err := w.svc.Store.GetWorkflowGraph(ctx, workflowID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, errkind.Wrapf(errkind.Configuration, err, "workflow %d", workflowID)
		}
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	return &pipeline.Graph{Workflow: wf, Nodes: nodes, Edges: edges}, nil
}

// collectAlerts turns this cycle's node errors into next cycle's debate
// alerts.
func (w *worker) collectAlerts(state *pipeline.CycleState) {
	if len(state.Errors) == 0 {
		w.alerts = nil
		return
	}
	alerts := make([]string, 0, len(state.Errors))
	for _, e := range state.Errors {
		if e.Symbol != "" {
			alerts = append(alerts, fmt.Sprintf("%s %s: %s", e.Node, e.Symbol, e.Message))
			continue
		}
		alerts = append(alerts, fmt.Sprintf("%s: %s", e.Node, e.Message))
	}
	w.alerts = alerts
}

// maintenance is the periodic housekeeping pass: store ping, cache sweep,
// subscription reconcile. Status is persisted every cycle already.
func (w *worker) maintenance(ctx context.Context) {
	if err := w.svc.Store.HealthCheck(ctx); err != nil {
		w.log.Warn().Err(err).Msg("store ping failed")
	}
	swept := w.cache.SweepExpired()
	stats := w.streams.Reconcile(ctx, w.symbols)
	w.log.Debug().
		Int("swept", swept).
		Int("streams_active", stats.Active).
		Int("streams_failed", stats.Failed).
		Msg("maintenance pass")
}

// publish assembles and writes the BotStatus snapshot for one cycle.
func (w *worker) publish(ctx context.Context, bot *database.Bot, state *pipeline.CycleState, st string) {
	now := time.Now().UTC()
	snap := &status.BotStatus{
		BotID:          w.botID,
		IsRunning:      true,
		State:          st,
		CurrentCycle:   state.CycleID,
		LastCycleAt:    &now,
		InitialBalance: bot.InitialBalance,
		OpenPositions:  len(state.Positions),
		Positions:      status.PositionsFrom(state.Positions),
		SymbolsTrading: state.Symbols,
		LastError:      w.lastErr,
		Debate:         state.Debate,
	}
	if state.Balance != nil {
		snap.Balance = state.Balance.Total
	}
	if state.Debate != nil {
		snap.LastDecision = state.Debate.Summary
	}
	if err := w.svc.Status.Publish(ctx, snap); err != nil {
		w.log.Warn().Err(err).Msg("status publish failed")
	}
}

// shutdown releases venue resources and flushes the final status. It runs
// on every exit path, including panic and failed init.
func (w *worker) shutdown(exitState string) {
	if w.streams != nil {
		w.streams.Close()
	}
	if w.client != nil {
		w.client.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := w.svc.Status.Read(ctx, w.botID)
	if err != nil {
		st = &status.BotStatus{BotID: w.botID}
	}
	st.IsRunning = false
	st.State = exitState
	if w.lastErr != "" {
		st.LastError = w.lastErr
	}
	if err := w.svc.Status.Publish(ctx, st); err != nil {
		w.log.Warn().Err(err).Msg("final status flush failed")
	}
	w.log.Info().Str("state", exitState).Int64("cycle", w.cycle).Msg("worker exited")
	logging.CloseBot(w.botID)
}
