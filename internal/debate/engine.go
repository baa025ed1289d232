package debate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/llm"
)

// ClientResolver yields the LLM client for a debate role.
// *llm.Factory satisfies it.
type ClientResolver interface {
	ForRole(ctx context.Context, bot *database.Bot, role string) (llm.Client, error)
}

// Engine runs one debate per trading cycle. All calls go out at
// temperature zero so a replayed cycle debates the same way.
type Engine struct {
	resolver ClientResolver
	bot      *database.Bot
	cfg      Config
	log      zerolog.Logger
}

func NewEngine(resolver ClientResolver, bot *database.Bot, cfg Config, log zerolog.Logger) *Engine {
	return &Engine{
		resolver: resolver,
		bot:      bot,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "debate").Logger(),
	}
}

// Run executes the three phases and returns the full debate record.
// Individual LLM failures degrade (neutral analyst, silent trader,
// all-wait batch); only missing configuration or an empty candidate
// list is an error.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	if len(in.Symbols) == 0 {
		return nil, errkind.New(errkind.Validation, "no candidate symbols to debate")
	}
	clients, err := e.resolveClients(ctx)
	if err != nil {
		return nil, err
	}
	log := e.log.With().Int64("bot_id", in.BotID).Int64("cycle_id", in.CycleID).Logger()
	started := time.Now()

	cache := newPromptCache()
	marketCtx := BuildMarketContext(in)

	analysts := e.runAnalysts(ctx, log, clients[RoleAnalyst], cache, in, marketCtx)
	analystSummary := summarizeAnalysts(analysts)

	bulls, bears := e.runRounds(ctx, log, clients[RoleBull], clients[RoleBear], cache, marketCtx, analystSummary)

	final := e.synthesize(ctx, log, clients[RoleRiskManager], cache, in, marketCtx, analystSummary, bulls, bears)
	normalizeAllocations(&final, in.Limits, log)

	log.Info().
		Int("analysts", len(analysts)).
		Int("bull_suggestions", len(bulls)).
		Int("bear_suggestions", len(bears)).
		Int("decisions", len(final.Decisions)).
		Float64("total_allocation_pct", final.TotalAllocationPct).
		Dur("elapsed", time.Since(started)).
		Msg("debate complete")

	return &Result{
		AnalystOutputs:  analysts,
		BullSuggestions: bulls,
		BearSuggestions: bears,
		Final:           final,
		Summary: fmt.Sprintf("%d analyst reports, %d bull and %d bear suggestions over %d rounds, %d decisions",
			len(analysts), len(bulls), len(bears), e.cfg.MaxRounds, len(final.Decisions)),
		CompletedAt: time.Now().UTC(),
	}, nil
}

func (e *Engine) resolveClients(ctx context.Context) (map[string]llm.Client, error) {
	clients := make(map[string]llm.Client, 4)
	for _, role := range []string{RoleAnalyst, RoleBull, RoleBear, RoleRiskManager} {
		client, err := e.resolver.ForRole(ctx, e.bot, role)
		if err != nil {
			return nil, errkind.Wrapf(errkind.Configuration, err, "resolve llm for role %s", role)
		}
		clients[role] = client
	}
	return clients, nil
}

// ==================== PHASE A: ANALYSTS ====================

// runAnalysts fans out one analyst call per symbol under a shared phase
// deadline. A timed-out symbol degrades to neutral so the debate still
// sees it; any other failure drops the symbol from the reports.
func (e *Engine) runAnalysts(ctx context.Context, log zerolog.Logger, client llm.Client, cache *promptCache, in Input, marketCtx string) []AnalystOutput {
	phaseCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	results := make([]*AnalystOutput, len(in.Symbols))
	var wg sync.WaitGroup
	for i, symbol := range in.Symbols {
		wg.Add(1)
		go func(i int, symbol string) {
			defer wg.Done()
			out, err := e.analyzeSymbol(phaseCtx, client, cache, symbol, marketCtx)
			if err != nil {
				if phaseCtx.Err() != nil {
					log.Warn().Str("symbol", symbol).Msg("analyst timed out, assuming neutral")
					results[i] = &AnalystOutput{
						Symbol:  symbol,
						Trend:   TrendNeutral,
						Summary: "Analysis timed out; treating the symbol as neutral.",
					}
					return
				}
				log.Warn().Err(err).Str("symbol", symbol).Msg("analyst failed, dropping symbol")
				return
			}
			results[i] = out
		}(i, symbol)
	}
	wg.Wait()

	outputs := make([]AnalystOutput, 0, len(results))
	for _, r := range results {
		if r != nil {
			outputs = append(outputs, *r)
		}
	}
	return outputs
}

func (e *Engine) analyzeSymbol(ctx context.Context, client llm.Client, cache *promptCache, symbol, marketCtx string) (*AnalystOutput, error) {
	text, err := e.complete(ctx, client, cache, llm.Request{
		System: analystSystemPrompt,
		Prompt: analystUserPrompt(symbol, marketCtx),
		Schema: analystSchema,
	})
	if err != nil {
		return nil, err
	}
	var out AnalystOutput
	if err := llm.ParseJSON(text, &out); err != nil {
		return nil, err
	}
	// Models occasionally rewrite "BTC/USDT" as "BTCUSDT"; the requested
	// symbol is authoritative.
	out.Symbol = symbol
	out.Trend = strings.ToLower(strings.TrimSpace(out.Trend))
	switch out.Trend {
	case TrendBullish, TrendBearish, TrendNeutral:
	default:
		return nil, errkind.Newf(errkind.Validation, "analyst returned unknown trend %q", out.Trend)
	}
	if len(out.KeyLevels) == 0 {
		out.KeyLevels = nil
	}
	return &out, nil
}

// ==================== PHASE B: BULL VS BEAR ====================

// runRounds plays the configured number of rounds. Within a round both
// sides speak concurrently; each side sees the opposing suggestions from
// the previous round. The last round's suggestions are the final word.
func (e *Engine) runRounds(ctx context.Context, log zerolog.Logger, bull, bear llm.Client, cache *promptCache, marketCtx, analystSummary string) (bulls, bears []TraderSuggestion) {
	for round := 1; round <= e.cfg.MaxRounds; round++ {
		phaseCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
		var nextBulls, nextBears []TraderSuggestion
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			nextBulls = e.runTrader(phaseCtx, log, bull, cache, RoleBull, round, marketCtx, analystSummary, bears)
		}()
		go func() {
			defer wg.Done()
			nextBears = e.runTrader(phaseCtx, log, bear, cache, RoleBear, round, marketCtx, analystSummary, bulls)
		}()
		wg.Wait()
		cancel()
		bulls, bears = nextBulls, nextBears
	}
	return bulls, bears
}

func (e *Engine) runTrader(ctx context.Context, log zerolog.Logger, client llm.Client, cache *promptCache, role string, round int, marketCtx, analystSummary string, opposing []TraderSuggestion) []TraderSuggestion {
	system := bullSystemPrompt
	if role == RoleBear {
		system = bearSystemPrompt
	}
	text, err := e.complete(ctx, client, cache, llm.Request{
		System: system,
		Prompt: traderUserPrompt(role, analystSummary, marketCtx, opposing),
		Schema: traderSchema,
	})
	if err != nil {
		log.Warn().Err(err).Str("role", role).Int("round", round).Msg("trader call failed, no suggestions this round")
		return nil
	}
	var suggestions []TraderSuggestion
	if err := llm.ParseJSON(text, &suggestions); err != nil {
		log.Warn().Err(err).Str("role", role).Int("round", round).Msg("unparseable trader reply, no suggestions this round")
		return nil
	}
	return sanitizeSuggestions(log, role, suggestions)
}

func sanitizeSuggestions(log zerolog.Logger, role string, suggestions []TraderSuggestion) []TraderSuggestion {
	kept := suggestions[:0]
	for _, s := range suggestions {
		s.Symbol = strings.TrimSpace(s.Symbol)
		s.Action = strings.ToLower(strings.TrimSpace(s.Action))
		if s.Symbol == "" {
			log.Warn().Str("role", role).Msg("dropping suggestion without a symbol")
			continue
		}
		switch s.Action {
		case SuggestLong, SuggestShort, SuggestWait:
		default:
			log.Warn().Str("role", role).Str("symbol", s.Symbol).Str("action", s.Action).Msg("dropping suggestion with unknown action")
			continue
		}
		s.Confidence = clampPct(s.Confidence)
		if s.AllocationPct < 0 {
			s.AllocationPct = 0
		}
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return nil
	}
	return kept
}

// ==================== PHASE C: RISK MANAGER ====================

// synthesize asks the risk manager for the final batch. Any failure here
// means standing aside: an all-wait batch, never a partial guess.
func (e *Engine) synthesize(ctx context.Context, log zerolog.Logger, client llm.Client, cache *promptCache, in Input, marketCtx, analystSummary string, bulls, bears []TraderSuggestion) BatchDecision {
	phaseCtx, cancel := context.WithTimeout(ctx, e.cfg.PhaseTimeout)
	defer cancel()

	text, err := e.complete(phaseCtx, client, cache, llm.Request{
		System: riskManagerSystemPrompt,
		Prompt: riskReviewPrompt(in, marketCtx, analystSummary, bulls, bears),
		Schema: batchSchema,
	})
	if err != nil {
		log.Error().Err(err).Msg("risk manager call failed, waiting on all symbols")
		return waitOnAll(in.Symbols, "Risk manager unavailable; standing aside this cycle.")
	}
	var batch BatchDecision
	if err := llm.ParseJSON(text, &batch); err != nil {
		log.Error().Err(err).Msg("unparseable risk manager reply, waiting on all symbols")
		return waitOnAll(in.Symbols, "Risk manager reply was unusable; standing aside this cycle.")
	}
	sanitizeBatch(log, &batch)
	if len(batch.Decisions) == 0 {
		log.Error().Msg("risk manager returned no usable decisions, waiting on all symbols")
		return waitOnAll(in.Symbols, "Risk manager returned no usable decisions; standing aside this cycle.")
	}
	return batch
}

func sanitizeBatch(log zerolog.Logger, batch *BatchDecision) {
	kept := batch.Decisions[:0]
	for _, d := range batch.Decisions {
		d.Symbol = strings.TrimSpace(d.Symbol)
		d.Action = strings.ToLower(strings.TrimSpace(d.Action))
		if d.Symbol == "" {
			log.Warn().Msg("dropping decision without a symbol")
			continue
		}
		switch d.Action {
		case ActionOpenLong, ActionOpenShort, ActionCloseLong, ActionCloseShort, ActionHold, ActionWait:
		default:
			log.Warn().Str("symbol", d.Symbol).Str("action", d.Action).Msg("dropping decision with unknown action")
			continue
		}
		d.Confidence = clampPct(d.Confidence)
		if d.AllocationPct < 0 {
			d.AllocationPct = 0
		}
		kept = append(kept, d)
	}
	batch.Decisions = kept
}

// waitOnAll is the safe fallback batch: flat on every symbol.
func waitOnAll(symbols []string, reason string) BatchDecision {
	decisions := make([]PortfolioDecision, 0, len(symbols))
	for _, symbol := range symbols {
		decisions = append(decisions, PortfolioDecision{
			Symbol:    symbol,
			Action:    ActionWait,
			Leverage:  1,
			Reasoning: reason,
		})
	}
	return BatchDecision{
		Decisions:         decisions,
		CashReservePct:    100,
		StrategyRationale: reason,
	}
}

// normalizeAllocations enforces the allocation caps on whatever the model
// returned: clamp each allocating decision to the per-symbol cap, scale
// the lot down when the sum still busts the total cap, then recompute the
// totals from the decisions rather than trusting the model's arithmetic.
func normalizeAllocations(batch *BatchDecision, limits database.RiskLimits, log zerolog.Logger) {
	maxSingle := limits.MaxSingleAllocationPct
	if maxSingle <= 0 {
		maxSingle = database.DefaultRiskLimits().MaxSingleAllocationPct
	}
	maxTotal := limits.MaxTotalAllocationPct
	if maxTotal <= 0 {
		maxTotal = database.DefaultRiskLimits().MaxTotalAllocationPct
	}

	for i := range batch.Decisions {
		d := &batch.Decisions[i]
		if d.Allocates() && d.AllocationPct > maxSingle {
			log.Warn().Str("symbol", d.Symbol).
				Float64("allocation_pct", d.AllocationPct).
				Float64("cap_pct", maxSingle).
				Msg("clamping per-symbol allocation")
			d.AllocationPct = maxSingle
		}
	}

	total := 0.0
	for _, d := range batch.Decisions {
		if d.Allocates() {
			total += d.AllocationPct
		}
	}
	if total > maxTotal {
		scale := maxTotal / total
		log.Warn().Float64("total_pct", total).Float64("cap_pct", maxTotal).Msg("scaling allocations down to the total cap")
		for i := range batch.Decisions {
			if batch.Decisions[i].Allocates() {
				batch.Decisions[i].AllocationPct *= scale
			}
		}
		total = maxTotal
	}
	batch.TotalAllocationPct = total
	batch.CashReservePct = 100 - total
}

func clampPct(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ==================== PROMPT CACHE ====================

// promptCache memoizes completions within a single cycle. Identical
// requests at temperature zero would only buy the same answer twice.
// The cache dies with the Run call; nothing leaks across cycles.
type promptCache struct {
	mu      sync.Mutex
	entries map[string]string
}

func newPromptCache() *promptCache {
	return &promptCache{entries: make(map[string]string)}
}

func cacheKey(req llm.Request) string {
	h := sha256.New()
	io.WriteString(h, req.System)
	h.Write([]byte{0})
	io.WriteString(h, req.Prompt)
	h.Write([]byte{0})
	io.WriteString(h, req.Schema)
	return hex.EncodeToString(h.Sum(nil))
}

func (c *promptCache) get(req llm.Request) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.entries[cacheKey(req)]
	return text, ok
}

func (c *promptCache) put(req llm.Request, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(req)] = text
}

func (e *Engine) complete(ctx context.Context, client llm.Client, cache *promptCache, req llm.Request) (string, error) {
	if text, ok := cache.get(req); ok {
		return text, nil
	}
	resp, err := client.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	cache.put(req, resp.Text)
	return resp.Text, nil
}
