// Command tradereport prints a per-bot breakdown of realized trading
// performance straight from trade history. It is an offline operator tool;
// nothing here touches exchanges or running bots.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/stratoforge/quantra/config"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/performance"
)

type symbolStats struct {
	symbol  string
	trades  int
	wins    int
	pnlUSD  float64
	feesUSD float64
}

func main() {
	var (
		configPath string
		botID      int64
		window     int
	)
	flag.StringVar(&configPath, "config", "", "path to a config file (optional, env applies on top)")
	flag.Int64Var(&botID, "bot", 0, "bot id to report on (0 means every bot)")
	flag.IntVar(&window, "window", 200, "closed trades per bot to analyze")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := database.NewDB(ctx, cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	var bots []*database.Bot
	if botID > 0 {
		b, err := repo.GetBot(ctx, botID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bot %d: %v\n", botID, err)
			os.Exit(1)
		}
		bots = append(bots, b)
	} else {
		bots, err = repo.ListBots(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list bots: %v\n", err)
			os.Exit(1)
		}
	}

	if len(bots) == 0 {
		fmt.Println("no bots configured")
		return
	}

	for _, b := range bots {
		if err := report(ctx, repo, b, window); err != nil {
			fmt.Fprintf(os.Stderr, "bot %d: %v\n", b.ID, err)
			os.Exit(1)
		}
	}
}

func report(ctx context.Context, repo *database.Repository, b *database.Bot, window int) error {
	closed, err := repo.RecentClosed(ctx, b.ID, window)
	if err != nil {
		return fmt.Errorf("load closed trades: %w", err)
	}
	open, err := repo.ListOpenTrades(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}

	fmt.Printf("bot %d  %s  [%s]\n", b.ID, b.Name, b.TradingMode)

	m := performance.FromTrades(closed)
	if m.TotalTrades == 0 {
		fmt.Printf("  no closed trades\n\n")
		return nil
	}

	fmt.Printf("  closed %d  win rate %.1f%%  total %+.2f USD  avg %+.2f%%  sharpe %.2f  max drawdown %.1f%%\n",
		m.TotalTrades, m.WinRate, m.TotalReturnUSD, m.AvgReturnPct, m.SharpeRatio, m.MaxDrawdown*100)
	if m.ProfitFactor > 0 {
		fmt.Printf("  profit factor %.2f  avg win %+.2f%%  avg loss %+.2f%%\n",
			m.ProfitFactor, m.AvgWinPct, m.AvgLossPct)
	}
	if streak := performance.ConsecutiveLosses(closed); streak > 0 {
		fmt.Printf("  current losing streak: %d\n", streak)
	}

	for _, s := range bySymbol(closed) {
		winRate := 0.0
		if s.trades > 0 {
			winRate = float64(s.wins) / float64(s.trades) * 100
		}
		fmt.Printf("    %-14s %4d trades  %5.1f%% win  %+10.2f USD  fees %.2f\n",
			s.symbol, s.trades, winRate, s.pnlUSD, s.feesUSD)
	}

	if len(open) > 0 {
		fmt.Printf("  open positions:\n")
		for _, t := range open {
			fmt.Printf("    %-14s %-5s entry %.4f  amount %.4f  opened %s\n",
				t.Symbol, t.Side, t.EntryPrice, t.Amount, t.OpenedAt.Format(time.RFC3339))
		}
	}
	fmt.Println()
	return nil
}

// bySymbol tallies realized results per symbol, best earner first.
func bySymbol(trades []*database.Trade) []*symbolStats {
	tally := make(map[string]*symbolStats)
	for _, t := range trades {
		if t.PnL == nil {
			continue
		}
		s := tally[t.Symbol]
		if s == nil {
			s = &symbolStats{symbol: t.Symbol}
			tally[t.Symbol] = s
		}
		s.trades++
		if *t.PnL > 0 {
			s.wins++
		}
		s.pnlUSD += *t.PnL
		s.feesUSD += t.Fee
	}

	out := make([]*symbolStats, 0, len(tally))
	for _, s := range tally {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].pnlUSD > out[j].pnlUSD })
	return out
}
