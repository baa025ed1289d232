// Package status publishes per-bot runtime snapshots for the control
// plane. The worker writes one JSON file per bot at the end of every
// cycle; an optional Redis mirror serves reads when the file is not
// reachable. The file is the source of truth.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/circuit"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
)

// Bot lifecycle states as shown to the control plane.
const (
	StateRunning = "running"
	StateIdle    = "idle"
	StateError   = "error"
	StateStopped = "stopped"
	StateUnknown = "unknown"
)

const (
	redisKeyPrefix = "status:bot:"
	redisTTL       = 24 * time.Hour
	redisTimeout   = 2 * time.Second
)

// ErrNotFound means no snapshot exists for the bot in the file or the
// mirror.
var ErrNotFound = errors.New("bot status not found")

// PositionStatus is the compact per-position view in a snapshot.
type PositionStatus struct {
	Symbol       string  `json:"symbol"`
	Side         string  `json:"side"`
	Amount       float64 `json:"amount"`
	EntryPrice   float64 `json:"entry_price"`
	CurrentPrice float64 `json:"current_price,omitempty"`
	PnLPct       float64 `json:"pnl_pct"`
	Leverage     int     `json:"leverage"`
}

// PositionsFrom converts venue positions into their snapshot form.
func PositionsFrom(positions []exchange.Position) []PositionStatus {
	out := make([]PositionStatus, 0, len(positions))
	for _, pos := range positions {
		out = append(out, PositionStatus{
			Symbol:       pos.Symbol,
			Side:         string(pos.Side),
			Amount:       pos.Contracts,
			EntryPrice:   pos.EntryPrice,
			CurrentPrice: pos.MarkPrice,
			PnLPct:       pos.PnLPercent(),
			Leverage:     pos.Leverage,
		})
	}
	return out
}

// BotStatus is one bot's published snapshot.
type BotStatus struct {
	BotID          int64            `json:"bot_id"`
	IsRunning      bool             `json:"is_running"`
	State          string           `json:"state"`
	CurrentCycle   int64            `json:"current_cycle"`
	LastCycleAt    *time.Time       `json:"last_cycle_at,omitempty"`
	Balance        float64          `json:"balance"`
	InitialBalance float64          `json:"initial_balance"`
	OpenPositions  int              `json:"open_positions"`
	Positions      []PositionStatus `json:"positions"`
	SymbolsTrading []string         `json:"symbols_trading"`
	LastDecision   string           `json:"last_decision,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
	Debate         *debate.Result   `json:"debate,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Publisher writes snapshots atomically and mirrors them to Redis when a
// client is configured. A nil Redis client means file-only operation;
// mirror failures never fail a publish. A health breaker guards the
// mirror so a dead Redis costs one timed-out probe per cooldown, not one
// per publish.
type Publisher struct {
	dir     string
	redis   *redis.Client
	log     zerolog.Logger
	breaker *circuit.Breaker
}

func NewPublisher(dir string, redisClient *redis.Client, log zerolog.Logger) *Publisher {
	p := &Publisher{
		dir:     dir,
		redis:   redisClient,
		log:     log.With().Str("component", "status").Logger(),
		breaker: circuit.New(circuit.DefaultThreshold, circuit.DefaultCooldown),
	}
	if redisClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			p.breaker.Trip()
			p.log.Warn().Err(err).Msg("redis unreachable, status mirror disabled until it recovers")
		}
	}
	return p
}

func redisKey(botID int64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, botID)
}

func (p *Publisher) path(botID int64) string {
	return filepath.Join(p.dir, fmt.Sprintf("bot_%d.json", botID))
}

// Publish stamps and writes the snapshot. The file lands via a temp file
// and rename in the same directory, so a reader never sees a torn write.
func (p *Publisher) Publish(ctx context.Context, st *BotStatus) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errkind.Wrapf(errkind.Fatal, err, "marshal status for bot %d", st.BotID)
	}
	if err := p.writeFile(st.BotID, data); err != nil {
		return err
	}
	p.mirror(ctx, st.BotID, data)
	return nil
}

func (p *Publisher) writeFile(botID int64, data []byte) error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return errkind.Wrapf(errkind.Configuration, err, "create status dir %s", p.dir)
	}
	tmp, err := os.CreateTemp(p.dir, fmt.Sprintf("bot_%d-*.tmp", botID))
	if err != nil {
		return errkind.Wrap(errkind.Transient, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errkind.Wrap(errkind.Transient, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errkind.Wrap(errkind.Transient, err)
	}
	if err := os.Rename(tmp.Name(), p.path(botID)); err != nil {
		os.Remove(tmp.Name())
		return errkind.Wrap(errkind.Transient, err)
	}
	return nil
}

// mirror pushes the snapshot to Redis behind the health breaker.
func (p *Publisher) mirror(ctx context.Context, botID int64, data []byte) {
	if p.redis == nil || !p.breaker.Allow() {
		return
	}
	opCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	if err := p.redis.Set(opCtx, redisKey(botID), data, redisTTL).Err(); err != nil {
		p.noteMirrorErr(err)
		return
	}
	p.noteMirrorOK()
}

func (p *Publisher) noteMirrorOK() {
	if p.breaker.Success() {
		p.log.Info().Msg("status mirror reconnected to redis")
	}
}

func (p *Publisher) noteMirrorErr(err error) {
	if p.breaker.Failure() {
		p.log.Warn().Err(err).Msg("status mirror lost redis, file stays authoritative")
	}
}

// Read returns the latest snapshot, file first, mirror as fallback.
func (p *Publisher) Read(ctx context.Context, botID int64) (*BotStatus, error) {
	data, err := os.ReadFile(p.path(botID))
	if err == nil {
		var st BotStatus
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, errkind.Wrapf(errkind.Fatal, err, "corrupt status file for bot %d", botID)
		}
		return &st, nil
	}
	if !os.IsNotExist(err) {
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	return p.readMirror(ctx, botID)
}

func (p *Publisher) readMirror(ctx context.Context, botID int64) (*BotStatus, error) {
	if p.redis == nil || !p.breaker.Allow() {
		return nil, ErrNotFound
	}
	opCtx, cancel := context.WithTimeout(ctx, redisTimeout)
	defer cancel()
	data, err := p.redis.Get(opCtx, redisKey(botID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			p.noteMirrorOK()
			return nil, ErrNotFound
		}
		p.noteMirrorErr(err)
		return nil, errkind.Wrap(errkind.Transient, err)
	}
	p.noteMirrorOK()
	var st BotStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errkind.Wrapf(errkind.Fatal, err, "corrupt status mirror for bot %d", botID)
	}
	return &st, nil
}

// MarkStopped rewrites the last snapshot with a stopped state. A bot that
// never published has nothing to rewrite; that is not an error.
func (p *Publisher) MarkStopped(ctx context.Context, botID int64) {
	st, err := p.Read(ctx, botID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			p.log.Warn().Err(err).Int64("bot_id", botID).Msg("cannot mark bot stopped")
		}
		return
	}
	st.State = StateStopped
	st.IsRunning = false
	if err := p.Publish(ctx, st); err != nil {
		p.log.Warn().Err(err).Int64("bot_id", botID).Msg("cannot mark bot stopped")
	}
}

// Delete removes the snapshot file and the mirror entry. Used when a bot
// is deleted from the control plane.
func (p *Publisher) Delete(ctx context.Context, botID int64) error {
	if err := os.Remove(p.path(botID)); err != nil && !os.IsNotExist(err) {
		return errkind.Wrap(errkind.Transient, err)
	}
	if p.redis != nil {
		opCtx, cancel := context.WithTimeout(ctx, redisTimeout)
		defer cancel()
		if err := p.redis.Del(opCtx, redisKey(botID)).Err(); err != nil {
			p.log.Warn().Err(err).Int64("bot_id", botID).Msg("stale status mirror left in redis")
		}
	}
	return nil
}
