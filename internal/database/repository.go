package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Repository provides data access for configuration rows.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck performs a database health check.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// BOTS
// ============================================================================

const botColumns = `id, name, display_name, exchange_id, workflow_id, llm_id, role_llm_ids,
	trading_mode, cycle_interval_seconds, max_concurrent_symbols, symbols, timeframes,
	ohlcv_limits, indicator_config, quant_weights, quant_threshold, risk_limits,
	initial_balance, is_active, created_at, updated_at`

// CreateBot inserts a new bot and fills defaults for empty JSON sections.
func (r *Repository) CreateBot(ctx context.Context, bot *Bot) error {
	applyBotDefaults(bot)

	roleLLM, symbols, timeframes, limits, indicators, weights, risk, err := marshalBotJSON(bot)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO bots (name, display_name, exchange_id, workflow_id, llm_id, role_llm_ids,
			trading_mode, cycle_interval_seconds, max_concurrent_symbols, symbols, timeframes,
			ohlcv_limits, indicator_config, quant_weights, quant_threshold, risk_limits,
			initial_balance, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		bot.Name, bot.DisplayName, bot.ExchangeID, bot.WorkflowID, bot.LLMID, roleLLM,
		bot.TradingMode, bot.CycleIntervalSeconds, bot.MaxConcurrentSymbols, symbols, timeframes,
		limits, indicators, weights, bot.QuantThreshold, risk,
		bot.InitialBalance, bot.IsActive,
	).Scan(&bot.ID, &bot.CreatedAt, &bot.UpdatedAt)
}

// UpdateBot rewrites all mutable fields of a bot.
func (r *Repository) UpdateBot(ctx context.Context, bot *Bot) error {
	roleLLM, symbols, timeframes, limits, indicators, weights, risk, err := marshalBotJSON(bot)
	if err != nil {
		return err
	}

	query := `
		UPDATE bots
		SET display_name = $2, exchange_id = $3, workflow_id = $4, llm_id = $5, role_llm_ids = $6,
			trading_mode = $7, cycle_interval_seconds = $8, max_concurrent_symbols = $9,
			symbols = $10, timeframes = $11, ohlcv_limits = $12, indicator_config = $13,
			quant_weights = $14, quant_threshold = $15, risk_limits = $16,
			initial_balance = $17, is_active = $18, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		bot.ID, bot.DisplayName, bot.ExchangeID, bot.WorkflowID, bot.LLMID, roleLLM,
		bot.TradingMode, bot.CycleIntervalSeconds, bot.MaxConcurrentSymbols,
		symbols, timeframes, limits, indicators,
		weights, bot.QuantThreshold, risk,
		bot.InitialBalance, bot.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBot retrieves a bot by id.
func (r *Repository) GetBot(ctx context.Context, id int64) (*Bot, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id)
	return scanBot(row)
}

// ListBots retrieves all bots ordered by id.
func (r *Repository) ListBots(ctx context.Context) ([]*Bot, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []*Bot
	for rows.Next() {
		bot, err := scanBot(rows)
		if err != nil {
			return nil, err
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// DeleteBot removes a bot row.
func (r *Repository) DeleteBot(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM bots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetBotActive flips the is_active flag without touching the rest of the
// row. Risk breakers use it to park a bot until an operator intervenes.
func (r *Repository) SetBotActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE bots SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func applyBotDefaults(bot *Bot) {
	if bot.TradingMode == "" {
		bot.TradingMode = ModePaper
	}
	if bot.CycleIntervalSeconds <= 0 {
		bot.CycleIntervalSeconds = 180
	}
	if bot.MaxConcurrentSymbols <= 0 {
		bot.MaxConcurrentSymbols = 5
	}
	if len(bot.Timeframes) == 0 {
		bot.Timeframes = []string{"3m", "4h"}
	}
	if bot.IndicatorConfig.RSIPeriod == 0 {
		bot.IndicatorConfig = DefaultIndicatorConfig()
	}
	if bot.QuantWeights.Sum() == 0 {
		bot.QuantWeights = DefaultQuantWeights()
	}
	if bot.QuantThreshold == 0 {
		bot.QuantThreshold = 50
	}
	if bot.Risk == (RiskLimits{}) {
		bot.Risk = DefaultRiskLimits()
	}
	if bot.InitialBalance <= 0 {
		bot.InitialBalance = 10000
	}
}

func marshalBotJSON(bot *Bot) (roleLLM, symbols, timeframes, limits, indicators, weights, risk []byte, err error) {
	if roleLLM, err = json.Marshal(orEmptyMap(bot.RoleLLMIDs)); err != nil {
		return
	}
	if symbols, err = json.Marshal(orEmptySlice(bot.Symbols)); err != nil {
		return
	}
	if timeframes, err = json.Marshal(orEmptySlice(bot.Timeframes)); err != nil {
		return
	}
	if limits, err = json.Marshal(orEmptyIntMap(bot.OHLCVLimits)); err != nil {
		return
	}
	if indicators, err = json.Marshal(bot.IndicatorConfig); err != nil {
		return
	}
	if weights, err = json.Marshal(bot.QuantWeights); err != nil {
		return
	}
	risk, err = json.Marshal(bot.Risk)
	return
}

func orEmptyMap(m map[string]int64) map[string]int64 {
	if m == nil {
		return map[string]int64{}
	}
	return m
}

func orEmptyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBot(row rowScanner) (*Bot, error) {
	bot := &Bot{}
	var roleLLM, symbols, timeframes, limits, indicators, weights, risk []byte

	err := row.Scan(
		&bot.ID, &bot.Name, &bot.DisplayName, &bot.ExchangeID, &bot.WorkflowID, &bot.LLMID, &roleLLM,
		&bot.TradingMode, &bot.CycleIntervalSeconds, &bot.MaxConcurrentSymbols, &symbols, &timeframes,
		&limits, &indicators, &weights, &bot.QuantThreshold, &risk,
		&bot.InitialBalance, &bot.IsActive, &bot.CreatedAt, &bot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	for _, part := range []struct {
		raw []byte
		dst any
	}{
		{roleLLM, &bot.RoleLLMIDs},
		{symbols, &bot.Symbols},
		{timeframes, &bot.Timeframes},
		{limits, &bot.OHLCVLimits},
		{indicators, &bot.IndicatorConfig},
		{weights, &bot.QuantWeights},
		{risk, &bot.Risk},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.dst); err != nil {
			return nil, fmt.Errorf("decode bot %d json: %w", bot.ID, err)
		}
	}
	return bot, nil
}

// ============================================================================
// EXCHANGES
// ============================================================================

const exchangeColumns = `id, name, venue, api_key, api_secret, testnet, base_url, ws_url,
	rate_limit_per_min, max_concurrent_requests, slippage_pct, taker_fee_pct, options,
	created_at, updated_at`

// CreateExchange inserts a new exchange connection.
func (r *Repository) CreateExchange(ctx context.Context, ex *Exchange) error {
	options, err := json.Marshal(orEmptyAnyMap(ex.Options))
	if err != nil {
		return err
	}
	query := `
		INSERT INTO exchanges (name, venue, api_key, api_secret, testnet, base_url, ws_url,
			rate_limit_per_min, max_concurrent_requests, slippage_pct, taker_fee_pct, options)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		ex.Name, ex.Venue, ex.APIKey, ex.APISecret, ex.Testnet, ex.BaseURL, ex.WSURL,
		ex.RateLimitPerMin, ex.MaxConcurrentRequests, ex.SlippagePct, ex.TakerFeePct, options,
	).Scan(&ex.ID, &ex.CreatedAt, &ex.UpdatedAt)
}

// UpdateExchange rewrites all mutable fields of an exchange row.
func (r *Repository) UpdateExchange(ctx context.Context, ex *Exchange) error {
	options, err := json.Marshal(orEmptyAnyMap(ex.Options))
	if err != nil {
		return err
	}
	query := `
		UPDATE exchanges
		SET name = $2, venue = $3, api_key = $4, api_secret = $5, testnet = $6,
			base_url = $7, ws_url = $8, rate_limit_per_min = $9,
			max_concurrent_requests = $10, slippage_pct = $11, taker_fee_pct = $12,
			options = $13, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		ex.ID, ex.Name, ex.Venue, ex.APIKey, ex.APISecret, ex.Testnet, ex.BaseURL, ex.WSURL,
		ex.RateLimitPerMin, ex.MaxConcurrentRequests, ex.SlippagePct, ex.TakerFeePct, options,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExchange removes an exchange row.
func (r *Repository) DeleteExchange(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM exchanges WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetExchange retrieves an exchange by id.
func (r *Repository) GetExchange(ctx context.Context, id int64) (*Exchange, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+exchangeColumns+` FROM exchanges WHERE id = $1`, id)
	return scanExchange(row)
}

// ListExchanges retrieves all exchange rows.
func (r *Repository) ListExchanges(ctx context.Context) ([]*Exchange, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+exchangeColumns+` FROM exchanges ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Exchange
	for rows.Next() {
		ex, err := scanExchange(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ex)
	}
	return out, rows.Err()
}

func scanExchange(row rowScanner) (*Exchange, error) {
	ex := &Exchange{}
	var options []byte
	err := row.Scan(
		&ex.ID, &ex.Name, &ex.Venue, &ex.APIKey, &ex.APISecret, &ex.Testnet, &ex.BaseURL, &ex.WSURL,
		&ex.RateLimitPerMin, &ex.MaxConcurrentRequests, &ex.SlippagePct, &ex.TakerFeePct, &options,
		&ex.CreatedAt, &ex.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &ex.Options); err != nil {
			return nil, fmt.Errorf("decode exchange %d options: %w", ex.ID, err)
		}
	}
	return ex, nil
}

func orEmptyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// ============================================================================
// LLM CONFIGS
// ============================================================================

const llmColumns = `id, name, provider, base_url, api_key, model_name, max_tokens,
	timeout_seconds, is_default, created_at, updated_at`

// CreateLLMConfig inserts a new LLM provider row.
func (r *Repository) CreateLLMConfig(ctx context.Context, cfg *LLMConfig) error {
	query := `
		INSERT INTO llm_configs (name, provider, base_url, api_key, model_name, max_tokens,
			timeout_seconds, is_default)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		cfg.Name, cfg.Provider, cfg.BaseURL, cfg.APIKey, cfg.ModelName, cfg.MaxTokens,
		cfg.TimeoutSeconds, cfg.IsDefault,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)
}

// UpdateLLMConfig rewrites all mutable fields of an LLM config row. Callers
// holding a factory must Reset it afterwards to drop cached adapters.
func (r *Repository) UpdateLLMConfig(ctx context.Context, cfg *LLMConfig) error {
	query := `
		UPDATE llm_configs
		SET name = $2, provider = $3, base_url = $4, api_key = $5, model_name = $6,
			max_tokens = $7, timeout_seconds = $8, is_default = $9, updated_at = NOW()
		WHERE id = $1
	`
	tag, err := r.db.Pool.Exec(ctx, query,
		cfg.ID, cfg.Name, cfg.Provider, cfg.BaseURL, cfg.APIKey, cfg.ModelName,
		cfg.MaxTokens, cfg.TimeoutSeconds, cfg.IsDefault,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteLLMConfig removes an LLM config row.
func (r *Repository) DeleteLLMConfig(ctx context.Context, id int64) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM llm_configs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetLLMConfig retrieves an LLM config by id.
func (r *Repository) GetLLMConfig(ctx context.Context, id int64) (*LLMConfig, error) {
	row := r.db.Pool.QueryRow(ctx, `SELECT `+llmColumns+` FROM llm_configs WHERE id = $1`, id)
	return scanLLMConfig(row)
}

// DefaultLLMConfig retrieves the row flagged is_default, falling back
// to the lowest id when nothing is flagged.
func (r *Repository) DefaultLLMConfig(ctx context.Context) (*LLMConfig, error) {
	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+llmColumns+` FROM llm_configs ORDER BY is_default DESC, id LIMIT 1
	`)
	return scanLLMConfig(row)
}

// ListLLMConfigs retrieves all LLM config rows.
func (r *Repository) ListLLMConfigs(ctx context.Context) ([]*LLMConfig, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT `+llmColumns+` FROM llm_configs ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*LLMConfig
	for rows.Next() {
		cfg, err := scanLLMConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func scanLLMConfig(row rowScanner) (*LLMConfig, error) {
	cfg := &LLMConfig{}
	err := row.Scan(
		&cfg.ID, &cfg.Name, &cfg.Provider, &cfg.BaseURL, &cfg.APIKey, &cfg.ModelName,
		&cfg.MaxTokens, &cfg.TimeoutSeconds, &cfg.IsDefault, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cfg, nil
}
