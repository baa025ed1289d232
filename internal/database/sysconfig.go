package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/logging"
)

// SystemConfigStore reads typed key/value settings with a short TTL cache
// so hot paths do not hit the database every cycle.
type SystemConfigStore struct {
	db  *DB
	ttl time.Duration
	log zerolog.Logger

	mu    sync.RWMutex
	cache map[string]cachedConfig
}

type cachedConfig struct {
	cfg       *SystemConfig
	missing   bool
	fetchedAt time.Time
}

// NewSystemConfigStore creates a store with the given cache TTL.
func NewSystemConfigStore(db *DB, ttl time.Duration) *SystemConfigStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &SystemConfigStore{
		db:    db,
		ttl:   ttl,
		log:   logging.Component("sysconfig"),
		cache: make(map[string]cachedConfig),
	}
}

// Get returns the row for key, or ErrNotFound. Results (including misses)
// are cached for the TTL.
func (s *SystemConfigStore) Get(ctx context.Context, key string) (*SystemConfig, error) {
	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < s.ttl {
		if entry.missing {
			return nil, ErrNotFound
		}
		return entry.cfg, nil
	}

	cfg := &SystemConfig{}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT key, value, value_type, description, updated_at
		FROM system_configs WHERE key = $1`, key,
	).Scan(&cfg.Key, &cfg.Value, &cfg.ValueType, &cfg.Description, &cfg.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.store(key, nil, true)
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.store(key, cfg, false)
	return cfg, nil
}

func (s *SystemConfigStore) store(key string, cfg *SystemConfig, missing bool) {
	s.mu.Lock()
	s.cache[key] = cachedConfig{cfg: cfg, missing: missing, fetchedAt: time.Now()}
	s.mu.Unlock()
}

// GetString returns the value for key or def when absent.
func (s *SystemConfigStore) GetString(ctx context.Context, key, def string) string {
	cfg, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	return cfg.Value
}

// GetInt returns the integer value for key or def when absent or malformed.
func (s *SystemConfigStore) GetInt(ctx context.Context, key string, def int) int {
	cfg, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(cfg.Value))
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", cfg.Value).Msg("not an integer, using default")
		return def
	}
	return n
}

// GetFloat returns the float value for key or def when absent or malformed.
func (s *SystemConfigStore) GetFloat(ctx context.Context, key string, def float64) float64 {
	cfg, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(cfg.Value), 64)
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", cfg.Value).Msg("not a float, using default")
		return def
	}
	return f
}

// GetBool returns the boolean value for key or def when absent or malformed.
func (s *SystemConfigStore) GetBool(ctx context.Context, key string, def bool) bool {
	cfg, err := s.Get(ctx, key)
	if err != nil {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(cfg.Value))
	if err != nil {
		s.log.Warn().Str("key", key).Str("value", cfg.Value).Msg("not a bool, using default")
		return def
	}
	return b
}

// GetJSON unmarshals a json-typed value into dst.
func (s *SystemConfigStore) GetJSON(ctx context.Context, key string, dst any) error {
	cfg, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(cfg.Value), dst)
}

// GetByPrefix returns key -> value for all keys under prefix, bypassing the
// cache (callers use it for bulk views, not hot paths).
func (s *SystemConfigStore) GetByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT key, value FROM system_configs WHERE key LIKE $1 ORDER BY key`,
		prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Set upserts a config row and invalidates its cache entry.
func (s *SystemConfigStore) Set(ctx context.Context, key, value, valueType, description string) error {
	if valueType == "" {
		valueType = TypeString
	}
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO system_configs (key, value, value_type, description, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (key) DO UPDATE SET value = $2, value_type = $3, description = $4, updated_at = NOW()`,
		key, value, valueType, description)
	if err != nil {
		return err
	}
	s.Invalidate(key)
	return nil
}

// Invalidate drops one key from the cache.
func (s *SystemConfigStore) Invalidate(key string) {
	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (s *SystemConfigStore) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]cachedConfig)
	s.mu.Unlock()
}

// System config keys used across the runtime.
const (
	KeyDebateMaxRounds          = "debate.max_rounds"
	KeyDebateTimeoutPerPhase    = "debate.timeout_per_phase"
	KeyDebateTradeHistoryLimit  = "debate.trade_history_limit"
	KeyMaintenanceEvery         = "scheduler.maintenance_every"
	KeyConfigTTL                = "scheduler.config_ttl"
	KeyMaxConcurrentRequests    = "api.max_concurrent_requests"
	KeyRetryMaxAttempts         = "api.retry.max_attempts"
	KeyRetryBaseDelayMS         = "api.retry.base_delay_ms"
	KeyTakerFeePct              = "trading.taker_fee_pct"
	KeyCoinsVolumeTop           = "coins.volume_top"
	KeyCoinsOpenInterestTop     = "coins.open_interest_top"
	KeyCoinsMaxCandidates       = "coins.max_candidates"
	KeyStreamMaxRetries         = "stream.max_retries"
	KeyStreamBackoffCapSeconds  = "stream.backoff_cap_seconds"
	CacheTTLPrefix              = "cache.ttl."
	RateLimitPrefix             = "api.rate_limit."
)

type seedConfig struct {
	key, value, valueType, description string
}

// seedSystemConfigs installs default settings. Existing keys are left
// untouched so operator edits survive restarts.
func (db *DB) seedSystemConfigs(ctx context.Context) error {
	seeds := []seedConfig{
		{"cache.ttl.tickers", "10", TypeInteger, "ticker cache TTL seconds"},
		{"cache.ttl.ohlcv_3m", "300", TypeInteger, "3m candle cache TTL seconds"},
		{"cache.ttl.ohlcv_4h", "3600", TypeInteger, "4h candle cache TTL seconds"},
		{"cache.ttl.ohlcv", "600", TypeInteger, "default candle cache TTL seconds"},
		{"cache.ttl.orderbook", "60", TypeInteger, "order book cache TTL seconds"},
		{"cache.ttl.trades", "60", TypeInteger, "trades cache TTL seconds"},
		{"cache.ttl.markets", "3600", TypeInteger, "market metadata cache TTL seconds"},
		{"cache.ttl.open_interests", "600", TypeInteger, "open interest cache TTL seconds"},
		{"cache.ttl.coin_selection", "600", TypeInteger, "coin selection cache TTL seconds"},
		{"cache.ttl.backtest_ohlcv", "604800", TypeInteger, "backtest candle cache TTL seconds"},

		{"api.rate_limit.binance", "1200", TypeInteger, "binance request budget per minute"},
		{"api.rate_limit.bybit", "120", TypeInteger, "bybit request budget per minute"},
		{"api.rate_limit.hyperliquid", "600", TypeInteger, "hyperliquid request budget per minute"},
		{"api.rate_limit.default", "60", TypeInteger, "fallback request budget per minute"},
		{KeyMaxConcurrentRequests, "10", TypeInteger, "max in-flight requests per exchange"},
		{KeyRetryMaxAttempts, "3", TypeInteger, "transient error retry attempts"},
		{KeyRetryBaseDelayMS, "500", TypeInteger, "retry backoff base delay"},

		{KeyDebateMaxRounds, "2", TypeInteger, "bull/bear debate rounds"},
		{KeyDebateTimeoutPerPhase, "120", TypeInteger, "debate phase timeout seconds"},
		{KeyDebateTradeHistoryLimit, "10", TypeInteger, "recent trades shown to risk manager"},

		{KeyTakerFeePct, "0.05", TypeFloat, "paper trading taker fee percent"},
		{KeyMaintenanceEvery, "50", TypeInteger, "cycles between maintenance passes"},
		{KeyConfigTTL, "60", TypeInteger, "bot config reload TTL seconds"},

		{KeyCoinsVolumeTop, "20", TypeInteger, "volume leaders considered by coin selection"},
		{KeyCoinsOpenInterestTop, "20", TypeInteger, "open interest leaders considered by coin selection"},
		{KeyCoinsMaxCandidates, "20", TypeInteger, "max symbols returned by coin selection"},

		{KeyStreamMaxRetries, "5", TypeInteger, "stream subscription retry attempts"},
		{KeyStreamBackoffCapSeconds, "60", TypeInteger, "stream retry backoff ceiling seconds"},
	}

	for _, s := range seeds {
		if _, err := db.Pool.Exec(ctx, `
			INSERT INTO system_configs (key, value, value_type, description)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO NOTHING`,
			s.key, s.value, s.valueType, s.description,
		); err != nil {
			return fmt.Errorf("seed %s: %w", s.key, err)
		}
	}
	db.log.Info().Int("keys", len(seeds)).Msg("system config defaults seeded")
	return nil
}
