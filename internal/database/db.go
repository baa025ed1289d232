package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/logging"
)

// schemaLockKey is the advisory lock guarding one-time schema setup when
// several processes share a database.
const schemaLockKey = 20250107

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB creates a new database connection pool and verifies it.
func NewDB(ctx context.Context, dsn string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger := logging.Component("database")
	logger.Info().Msg("connected to PostgreSQL")

	return &DB{Pool: pool, log: logger}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// Init creates the schema and seeds defaults. Concurrent processes race on
// startup, so setup runs under an advisory lock with a fast-path probe:
// if the core table already exists, nothing is done.
func (db *DB) Init(ctx context.Context) error {
	exists, err := db.coreTableExists(ctx)
	if err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	if exists {
		db.log.Debug().Msg("schema already present, skipping init")
		return nil
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		var locked bool
		if err := db.Pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, schemaLockKey).Scan(&locked); err != nil {
			return fmt.Errorf("acquire schema lock: %w", err)
		}
		if locked {
			defer func() {
				_, _ = db.Pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, schemaLockKey)
			}()
			// Another process may have finished while we waited.
			exists, err = db.coreTableExists(ctx)
			if err != nil {
				return fmt.Errorf("re-probe schema: %w", err)
			}
			if exists {
				return nil
			}
			if err := db.runMigrations(ctx); err != nil {
				return err
			}
			return db.seedSystemConfigs(ctx)
		}

		// Someone else is initializing; wait for them to finish.
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for schema init lock")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		exists, err = db.coreTableExists(ctx)
		if err != nil {
			return fmt.Errorf("probe schema: %w", err)
		}
		if exists {
			return nil
		}
	}
}

func (db *DB) coreTableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'bots'
		)`).Scan(&exists)
	return exists, err
}

// runMigrations executes schema statements in order.
func (db *DB) runMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS exchanges (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			venue VARCHAR(50) NOT NULL,
			api_key TEXT NOT NULL DEFAULT '',
			api_secret TEXT NOT NULL DEFAULT '',
			testnet BOOLEAN NOT NULL DEFAULT FALSE,
			base_url TEXT NOT NULL DEFAULT '',
			ws_url TEXT NOT NULL DEFAULT '',
			rate_limit_per_min INTEGER NOT NULL DEFAULT 0,
			max_concurrent_requests INTEGER NOT NULL DEFAULT 10,
			slippage_pct DECIMAL(10, 6) NOT NULL DEFAULT 0,
			taker_fee_pct DECIMAL(10, 6) NOT NULL DEFAULT 0.05,
			options JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS llm_configs (
			id SERIAL PRIMARY KEY,
			name VARCHAR(100) NOT NULL UNIQUE,
			provider VARCHAR(50) NOT NULL,
			base_url TEXT NOT NULL DEFAULT '',
			api_key TEXT NOT NULL DEFAULT '',
			model_name VARCHAR(200) NOT NULL,
			max_tokens INTEGER NOT NULL DEFAULT 4096,
			timeout_seconds INTEGER NOT NULL DEFAULT 120,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS workflows (
			id SERIAL PRIMARY KEY,
			name VARCHAR(200) NOT NULL UNIQUE,
			description TEXT NOT NULL DEFAULT '',
			user_edited BOOLEAN NOT NULL DEFAULT FALSE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS workflow_nodes (
			id SERIAL PRIMARY KEY,
			workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name VARCHAR(200) NOT NULL,
			plugin_name VARCHAR(200) NOT NULL,
			execution_order INTEGER NOT NULL DEFAULT 0,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			config JSONB NOT NULL DEFAULT '{}',
			UNIQUE (workflow_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_nodes_wf ON workflow_nodes(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS workflow_edges (
			id SERIAL PRIMARY KEY,
			workflow_id INTEGER NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			source VARCHAR(200) NOT NULL,
			target VARCHAR(200) NOT NULL,
			condition TEXT NOT NULL DEFAULT '',
			UNIQUE (workflow_id, source, target)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_edges_wf ON workflow_edges(workflow_id)`,

		`CREATE TABLE IF NOT EXISTS node_configs (
			id SERIAL PRIMARY KEY,
			plugin_name VARCHAR(200) NOT NULL UNIQUE,
			display_name VARCHAR(200) NOT NULL DEFAULT '',
			category VARCHAR(100) NOT NULL DEFAULT '',
			default_config JSONB NOT NULL DEFAULT '{}',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bots (
			id SERIAL PRIMARY KEY,
			name VARCHAR(200) NOT NULL UNIQUE,
			display_name VARCHAR(200) NOT NULL DEFAULT '',
			exchange_id INTEGER NOT NULL REFERENCES exchanges(id),
			workflow_id INTEGER NOT NULL REFERENCES workflows(id),
			llm_id INTEGER REFERENCES llm_configs(id),
			role_llm_ids JSONB NOT NULL DEFAULT '{}',
			trading_mode VARCHAR(20) NOT NULL DEFAULT 'paper',
			cycle_interval_seconds INTEGER NOT NULL DEFAULT 180,
			max_concurrent_symbols INTEGER NOT NULL DEFAULT 5,
			symbols JSONB NOT NULL DEFAULT '[]',
			timeframes JSONB NOT NULL DEFAULT '["3m","4h"]',
			ohlcv_limits JSONB NOT NULL DEFAULT '{}',
			indicator_config JSONB NOT NULL DEFAULT '{}',
			quant_weights JSONB NOT NULL DEFAULT '{}',
			quant_threshold DECIMAL(10, 4) NOT NULL DEFAULT 50,
			risk_limits JSONB NOT NULL DEFAULT '{}',
			initial_balance DECIMAL(20, 8) NOT NULL DEFAULT 10000,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS trade_history (
			id SERIAL PRIMARY KEY,
			bot_id INTEGER NOT NULL REFERENCES bots(id) ON DELETE CASCADE,
			cycle_id BIGINT NOT NULL DEFAULT 0,
			close_cycle_id BIGINT,
			symbol VARCHAR(50) NOT NULL,
			side VARCHAR(10) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'open',
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8),
			amount DECIMAL(20, 8) NOT NULL,
			leverage DECIMAL(10, 2) NOT NULL DEFAULT 1,
			stop_loss DECIMAL(20, 8),
			take_profit DECIMAL(20, 8),
			pnl DECIMAL(20, 8),
			pnl_percent DECIMAL(10, 4),
			fee DECIMAL(20, 8) NOT NULL DEFAULT 0,
			reason TEXT NOT NULL DEFAULT '',
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_history_bot ON trade_history(bot_id, opened_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_history_open ON trade_history(bot_id, symbol) WHERE status = 'open'`,

		`CREATE TABLE IF NOT EXISTS system_configs (
			key VARCHAR(200) PRIMARY KEY,
			value TEXT NOT NULL,
			value_type VARCHAR(20) NOT NULL DEFAULT 'string',
			description TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id VARCHAR(100) NOT NULL,
			cycle_id BIGINT NOT NULL,
			node_name VARCHAR(200) NOT NULL,
			state JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (thread_id, cycle_id, node_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints(thread_id, cycle_id DESC)`,
	}

	for i, m := range migrations {
		if _, err := db.Pool.Exec(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}

	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
