package market

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/cache"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/logging"
)

// maxUniverseScan caps how many symbols an unpinned universe scan touches.
// Bots normally pin their universe, so this only guards the fallback path.
const maxUniverseScan = 60

// Candidate is one ranked symbol from a selection pass.
type Candidate struct {
	Symbol       string  `json:"symbol"`
	QuoteVolume  float64 `json:"quote_volume"`
	OpenInterest float64 `json:"open_interest"`
	ChangePct    float64 `json:"change_pct"`
	Score        float64 `json:"score"`
}

// CoinSelector ranks candidate symbols by 24h quote volume and open
// interest notional. The union of the volume top-N and the open-interest
// top-N is scored (volume weighted 0.6, open interest 0.4, both normalized
// against the best in class) and the highest topN survive. Results are
// cached so repeated cycles within the TTL share one scan.
type CoinSelector struct {
	provider *PollProvider
	cache    *cache.Cache
	log      zerolog.Logger
}

// NewCoinSelector wires a selector over the poll provider.
func NewCoinSelector(provider *PollProvider, c *cache.Cache) *CoinSelector {
	return &CoinSelector{
		provider: provider,
		cache:    c,
		log:      logging.Component("coins"),
	}
}

// Select ranks the universe and returns at most topN candidates. An empty
// universe falls back to the venue's active USDT-quoted markets.
func (s *CoinSelector) Select(ctx context.Context, universe []string, topN int) ([]Candidate, error) {
	if topN <= 0 {
		return nil, errkind.New(errkind.Validation, "coin selection requires topN > 0")
	}

	if len(universe) == 0 {
		scanned, err := s.scanUniverse(ctx)
		if err != nil {
			return nil, err
		}
		universe = scanned
	}

	key := selectionKey(universe, topN)
	if v, ok := s.cache.Get(NSCoinSelection, key); ok {
		if cached, ok := v.([]Candidate); ok {
			out := make([]Candidate, len(cached))
			copy(out, cached)
			return out, nil
		}
	}

	candidates := s.gather(ctx, universe)
	if len(candidates) == 0 {
		return nil, errkind.New(errkind.Transient, "coin selection: no candidate data available")
	}

	ranked := rankCandidates(candidates, topN)
	s.cache.Set(NSCoinSelection, key, ranked)

	out := make([]Candidate, len(ranked))
	copy(out, ranked)
	return out, nil
}

// scanUniverse builds a fallback universe from the market catalogue.
func (s *CoinSelector) scanUniverse(ctx context.Context) ([]string, error) {
	catalogue, err := s.provider.Markets(ctx)
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, mkt := range catalogue {
		if mkt.Active && mkt.Quote == "USDT" {
			symbols = append(symbols, mkt.Symbol)
		}
	}
	sort.Strings(symbols)
	if len(symbols) > maxUniverseScan {
		symbols = symbols[:maxUniverseScan]
	}
	return symbols, nil
}

// gather fetches ticker and open interest per symbol, skipping symbols
// whose data is unavailable.
func (s *CoinSelector) gather(ctx context.Context, universe []string) []Candidate {
	candidates := make([]Candidate, 0, len(universe))
	for _, symbol := range universe {
		if ctx.Err() != nil {
			return candidates
		}
		ticker, err := s.provider.Ticker(ctx, symbol)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("ticker unavailable, skipping candidate")
			continue
		}
		oi, err := s.provider.OpenInterest(ctx, symbol)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("open interest unavailable")
			oi = 0
		}
		candidates = append(candidates, Candidate{
			Symbol:       symbol,
			QuoteVolume:  ticker.QuoteVolume,
			OpenInterest: oi * ticker.Last,
			ChangePct:    ticker.ChangePct,
		})
	}
	return candidates
}

// rankCandidates scores the union of the volume top-N and open-interest
// top-N and keeps the best topN overall.
func rankCandidates(candidates []Candidate, topN int) []Candidate {
	byVolume := make([]Candidate, len(candidates))
	copy(byVolume, candidates)
	sort.SliceStable(byVolume, func(i, j int) bool {
		return byVolume[i].QuoteVolume > byVolume[j].QuoteVolume
	})
	byOI := make([]Candidate, len(candidates))
	copy(byOI, candidates)
	sort.SliceStable(byOI, func(i, j int) bool {
		return byOI[i].OpenInterest > byOI[j].OpenInterest
	})

	union := make(map[string]Candidate)
	for i := 0; i < len(byVolume) && i < topN; i++ {
		union[byVolume[i].Symbol] = byVolume[i]
	}
	for i := 0; i < len(byOI) && i < topN; i++ {
		union[byOI[i].Symbol] = byOI[i]
	}

	var maxVolume, maxOI float64
	for _, c := range union {
		if c.QuoteVolume > maxVolume {
			maxVolume = c.QuoteVolume
		}
		if c.OpenInterest > maxOI {
			maxOI = c.OpenInterest
		}
	}

	ranked := make([]Candidate, 0, len(union))
	for _, c := range union {
		var volScore, oiScore float64
		if maxVolume > 0 {
			volScore = c.QuoteVolume / maxVolume
		}
		if maxOI > 0 {
			oiScore = c.OpenInterest / maxOI
		}
		c.Score = 0.6*volScore + 0.4*oiScore
		ranked = append(ranked, c)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Symbol < ranked[j].Symbol
	})
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}
	return ranked
}

// selectionKey builds a stable cache key from the universe and limit.
func selectionKey(universe []string, topN int) string {
	sorted := make([]string, len(universe))
	copy(sorted, universe)
	sort.Strings(sorted)
	return strings.Join(sorted, ",") + "#" + strconv.Itoa(topN)
}

// Symbols extracts just the symbol names from a candidate list.
func Symbols(candidates []Candidate) []string {
	out := make([]string, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.Symbol)
	}
	return out
}
