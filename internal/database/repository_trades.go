package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrOpenTradeExists is returned when opening a trade for a symbol that
// already has an open row for the bot.
var ErrOpenTradeExists = errors.New("open trade already exists for symbol")

const tradeColumns = `id, bot_id, cycle_id, close_cycle_id, symbol, side, status, entry_price,
	exit_price, amount, leverage, stop_loss, take_profit, pnl, pnl_percent, fee, reason,
	opened_at, closed_at`

// OpenTrade inserts an open trade row. The partial unique index keeps at
// most one open row per (bot, symbol); violations map to ErrOpenTradeExists.
func (r *Repository) OpenTrade(ctx context.Context, t *Trade) error {
	t.Status = TradeOpen
	query := `
		INSERT INTO trade_history (bot_id, cycle_id, symbol, side, status, entry_price, amount,
			leverage, stop_loss, take_profit, fee, reason, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`
	if t.OpenedAt.IsZero() {
		t.OpenedAt = time.Now().UTC()
	}
	err := r.db.Pool.QueryRow(ctx, query,
		t.BotID, t.CycleID, t.Symbol, t.Side, t.Status, t.EntryPrice, t.Amount,
		t.Leverage, t.StopLoss, t.TakeProfit, t.Fee, t.Reason, t.OpenedAt,
	).Scan(&t.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrOpenTradeExists
		}
		return err
	}
	return nil
}

// CloseTrade marks an open trade closed with its realized result.
func (r *Repository) CloseTrade(ctx context.Context, id, closeCycleID int64, exitPrice, pnl, pnlPercent, fee float64) error {
	query := `
		UPDATE trade_history
		SET status = $2, close_cycle_id = $3, exit_price = $4, pnl = $5, pnl_percent = $6,
			fee = fee + $7, closed_at = NOW()
		WHERE id = $1 AND status = $8
	`
	tag, err := r.db.Pool.Exec(ctx, query, id, TradeClosed, closeCycleID, exitPrice, pnl, pnlPercent, fee, TradeOpen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTradeStops rewrites the stop loss / take profit on an open trade,
// used when a trailing stop moves.
func (r *Repository) UpdateTradeStops(ctx context.Context, id int64, stopLoss, takeProfit *float64) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE trade_history SET stop_loss = COALESCE($2, stop_loss),
			take_profit = COALESCE($3, take_profit)
		WHERE id = $1 AND status = $4`,
		id, stopLoss, takeProfit, TradeOpen)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOpenTrade returns the open trade for a bot and symbol, if any.
func (r *Repository) GetOpenTrade(ctx context.Context, botID int64, symbol string) (*Trade, error) {
	row := r.db.Pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trade_history
		 WHERE bot_id = $1 AND symbol = $2 AND status = $3`,
		botID, symbol, TradeOpen)
	return scanTrade(row)
}

// ListOpenTrades returns all open trades for a bot.
func (r *Repository) ListOpenTrades(ctx context.Context, botID int64) ([]*Trade, error) {
	return r.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trade_history
		 WHERE bot_id = $1 AND status = $2 ORDER BY opened_at DESC`,
		botID, TradeOpen)
}

// RecentClosed returns the bot's most recently closed trades, newest first.
func (r *Repository) RecentClosed(ctx context.Context, botID int64, limit int) ([]*Trade, error) {
	return r.queryTrades(ctx,
		`SELECT `+tradeColumns+` FROM trade_history
		 WHERE bot_id = $1 AND status = $2 ORDER BY closed_at DESC LIMIT $3`,
		botID, TradeClosed, limit)
}

// RealizedPnLSince sums the realized PnL of trades closed at or after the
// given time. Used by the daily-loss breaker.
func (r *Repository) RealizedPnLSince(ctx context.Context, botID int64, since time.Time) (float64, error) {
	var pnl float64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pnl), 0) FROM trade_history
		WHERE bot_id = $1 AND status = $2 AND closed_at >= $3`,
		botID, TradeClosed, since,
	).Scan(&pnl)
	return pnl, err
}

// WasOpenedInCycle reports whether the bot already opened this symbol/side
// during the cycle. The executor calls it before issuing an order so a
// rerun after a crash cannot double-open.
func (r *Repository) WasOpenedInCycle(ctx context.Context, botID, cycleID int64, symbol, side string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade_history
			WHERE bot_id = $1 AND cycle_id = $2 AND symbol = $3 AND side = $4
		)`, botID, cycleID, symbol, side,
	).Scan(&exists)
	return exists, err
}

// WasClosedInCycle reports whether the bot already closed this symbol
// during the cycle.
func (r *Repository) WasClosedInCycle(ctx context.Context, botID, cycleID int64, symbol string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM trade_history
			WHERE bot_id = $1 AND close_cycle_id = $2 AND symbol = $3 AND status = $4
		)`, botID, cycleID, symbol, TradeClosed,
	).Scan(&exists)
	return exists, err
}

func (r *Repository) queryTrades(ctx context.Context, query string, args ...any) ([]*Trade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanTrade(row rowScanner) (*Trade, error) {
	t := &Trade{}
	err := row.Scan(
		&t.ID, &t.BotID, &t.CycleID, &t.CloseCycleID, &t.Symbol, &t.Side, &t.Status, &t.EntryPrice,
		&t.ExitPrice, &t.Amount, &t.Leverage, &t.StopLoss, &t.TakeProfit, &t.PnL, &t.PnLPercent,
		&t.Fee, &t.Reason, &t.OpenedAt, &t.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return t, nil
}
