package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratoforge/quantra/internal/bot"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/logging"
	"github.com/stratoforge/quantra/internal/status"
)

// botView overlays live supervisor state on the stored row.
type botView struct {
	*database.Bot
	IsRunning bool `json:"is_running"`
}

func (s *Server) view(b *database.Bot) botView {
	return botView{Bot: b, IsRunning: s.svc.Bots.Running(b.ID)}
}

func (s *Server) handleListBots(c *gin.Context) {
	bots, err := s.svc.Store.ListBots(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]botView, 0, len(bots))
	for _, b := range bots {
		out = append(out, s.view(b))
	}
	successResponse(c, out)
}

func (s *Server) handleGetBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b, err := s.svc.Store.GetBot(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, s.view(b))
}

func (s *Server) handleCreateBot(c *gin.Context) {
	var b database.Bot
	if err := c.ShouldBindJSON(&b); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid bot payload: "+err.Error())
		return
	}
	if err := normalizeBot(&b); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Store.CreateBot(c.Request.Context(), &b); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, s.view(&b))
}

// handleUpdateBot rewrites the stored row. A running bot re-reads its row
// at every cycle boundary, so edits apply without a restart.
func (s *Server) handleUpdateBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.svc.Store.GetBot(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	var b database.Bot
	if err := c.ShouldBindJSON(&b); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid bot payload: "+err.Error())
		return
	}
	b.ID = id
	if err := normalizeBot(&b); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.svc.Store.UpdateBot(c.Request.Context(), &b); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, s.view(&b))
}

func (s *Server) handleDeleteBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if s.svc.Bots.Running(id) {
		errorResponse(c, http.StatusConflict, fmt.Sprintf("bot %d is running, stop it before deleting", id))
		return
	}
	if err := s.svc.Store.DeleteBot(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.svc.Status.Delete(c.Request.Context(), id); err != nil {
		s.log.Warn().Err(err).Int64("bot_id", id).Msg("stale status snapshot left behind")
	}
	successResponse(c, gin.H{"deleted": id})
}

// normalizeBot fills defaults and rejects rows the scheduler cannot run.
func normalizeBot(b *database.Bot) error {
	if b.Name == "" {
		return errors.New("name is required")
	}
	if b.ExchangeID <= 0 {
		return errors.New("exchange_id is required")
	}
	if b.WorkflowID <= 0 {
		return errors.New("workflow_id is required")
	}
	switch b.TradingMode {
	case "":
		b.TradingMode = database.ModePaper
	case database.ModePaper, database.ModeLive, database.ModeBacktest:
	default:
		return fmt.Errorf("unknown trading_mode %q", b.TradingMode)
	}
	if b.CycleIntervalSeconds < 0 {
		return errors.New("cycle_interval_seconds cannot be negative")
	}
	if b.InitialBalance < 0 {
		return errors.New("initial_balance cannot be negative")
	}
	if b.IndicatorConfig.RSIPeriod == 0 {
		b.IndicatorConfig = database.DefaultIndicatorConfig()
	}
	if b.QuantWeights.Sum() == 0 {
		b.QuantWeights = database.DefaultQuantWeights()
	} else if math.Abs(b.QuantWeights.Sum()-1) > 1e-6 {
		return fmt.Errorf("quant weights sum to %.3f, want 1.0", b.QuantWeights.Sum())
	}
	if b.Risk.MaxLeverage == 0 {
		b.Risk = database.DefaultRiskLimits()
	}
	return nil
}

// handleStartBot boots the bot's worker. Starting a bot that is already
// running is a no-op success, so clients can retry without bookkeeping.
func (s *Server) handleStartBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.svc.Bots.Start(c.Request.Context(), id); err != nil {
		if errors.Is(err, bot.ErrBotAlreadyRunning) {
			successResponse(c, gin.H{"state": status.StateRunning, "message": fmt.Sprintf("bot %d is already running", id)})
			return
		}
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"state": status.StateRunning, "message": fmt.Sprintf("bot %d started", id)})
}

// handleStopBot drains the bot's worker. Stopping a stopped bot is a
// no-op success.
func (s *Server) handleStopBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.svc.Bots.Stop(c.Request.Context(), id); err != nil {
		if errors.Is(err, bot.ErrBotNotRunning) {
			successResponse(c, gin.H{"state": status.StateStopped, "message": fmt.Sprintf("bot %d is not running", id)})
			return
		}
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"state": status.StateStopped, "message": fmt.Sprintf("bot %d stopped", id)})
}

func (s *Server) handleRestartBot(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.svc.Bots.Restart(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"state": status.StateRunning, "message": fmt.Sprintf("bot %d restarted", id)})
}

// handleBotStatus returns the last published snapshot. A bot that exists
// but never ran gets a synthesized stopped snapshot instead of a 404.
func (s *Server) handleBotStatus(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	b, err := s.svc.Store.GetBot(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	st, err := s.svc.Bots.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			successResponse(c, &status.BotStatus{
				BotID:          id,
				State:          status.StateStopped,
				InitialBalance: b.InitialBalance,
				Positions:      []status.PositionStatus{},
				SymbolsTrading: b.Symbols,
			})
			return
		}
		s.fail(c, err)
		return
	}
	successResponse(c, st)
}

// handleBotPositions reads open positions live from the venue. Rows the
// venue reports without a mark price fall back to the last trade price.
func (s *Server) handleBotPositions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	positions, err := s.svc.Bots.Positions(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.fillMarkPrices(c, id, positions)
	if positions == nil {
		positions = []exchange.Position{}
	}
	successResponse(c, positions)
}

// fillMarkPrices patches zero mark prices with the symbol's last trade
// price so PnL display never divides against zero.
func (s *Server) fillMarkPrices(c *gin.Context, botID int64, positions []exchange.Position) {
	for i := range positions {
		if positions[i].MarkPrice != 0 || positions[i].Symbol == "" {
			continue
		}
		tick, err := s.svc.Bots.Ticker(c.Request.Context(), botID, positions[i].Symbol)
		if err != nil || tick == nil || tick.Last == 0 {
			s.log.Warn().Err(err).
				Int64("bot_id", botID).
				Str("symbol", positions[i].Symbol).
				Msg("mark price missing and ticker fallback failed")
			continue
		}
		s.log.Warn().
			Int64("bot_id", botID).
			Str("symbol", positions[i].Symbol).
			Float64("last", tick.Last).
			Msg("mark price missing, serving last trade price")
		positions[i].MarkPrice = tick.Last
		if positions[i].UnrealizedPnL == 0 && positions[i].EntryPrice > 0 {
			diff := tick.Last - positions[i].EntryPrice
			if positions[i].Side == exchange.PositionShort {
				diff = -diff
			}
			positions[i].UnrealizedPnL = diff * positions[i].Contracts
		}
	}
}

func (s *Server) handleBotBalance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	bal, err := s.svc.Bots.Balance(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, bal)
}

// handleBotDebate returns the debate artifacts of the latest finished
// cycle, or null when no cycle has produced any.
func (s *Server) handleBotDebate(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.svc.Store.GetBot(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	st, err := s.svc.Bots.Status(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, status.ErrNotFound) {
			successResponse(c, nil)
			return
		}
		s.fail(c, err)
		return
	}
	successResponse(c, st.Debate)
}

// handleBotLogs tails the bot's log file.
func (s *Server) handleBotLogs(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	n := queryInt(c, "lines", 200)
	if n < 1 {
		n = 1
	}
	if n > 1000 {
		n = 1000
	}

	lines := []string{}
	if s.cfg.LogDir != "" {
		tail, err := logging.TailFile(logging.BotLogPath(s.cfg.LogDir, id), n)
		if err != nil {
			s.fail(c, err)
			return
		}
		if tail != nil {
			lines = tail
		}
	}
	successResponse(c, gin.H{"bot_id": id, "lines": lines})
}

// handleBotTrades returns open trades plus the most recent closed ones.
func (s *Server) handleBotTrades(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit := queryInt(c, "limit", 50)
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	open, err := s.svc.Store.ListOpenTrades(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	closed, err := s.svc.Store.RecentClosed(c.Request.Context(), id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if open == nil {
		open = []*database.Trade{}
	}
	if closed == nil {
		closed = []*database.Trade{}
	}
	successResponse(c, gin.H{"open": open, "closed": closed})
}

// handleBotStreams exposes the bot's websocket subscription counters.
func (s *Server) handleBotStreams(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	stats, running := s.svc.Bots.StreamStats(id)
	if !running {
		errorResponse(c, http.StatusConflict, fmt.Sprintf("bot %d is not running", id))
		return
	}
	successResponse(c, stats)
}
