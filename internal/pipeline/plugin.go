package pipeline

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/cache"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/events"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/performance"
	"github.com/stratoforge/quantra/internal/risk"
)

// Plugin categories.
const (
	CategoryDataSource = "data_source"
	CategoryAnalysis   = "analysis"
	CategoryDecision   = "decision"
	CategoryMonitoring = "monitoring"
	CategoryExecution  = "execution"
)

// Metadata describes a plugin to the registry, the workflow editor and the
// auto-sync pass.
type Metadata struct {
	Name           string         `json:"name"`
	DisplayName    string         `json:"display_name"`
	Category       string         `json:"category"`
	InsertAfter    string         `json:"insert_after,omitempty"`
	SuggestedOrder int            `json:"suggested_order"`
	RequiresLLM    bool           `json:"requires_llm"`
	RequiresTrader bool           `json:"requires_trader"`
	DefaultConfig  map[string]any `json:"default_config,omitempty"`
}

// Plugin is one workflow node implementation. Run mutates the state in
// place; a returned error of kind Fatal aborts the cycle, any other kind is
// recorded and execution continues along the node's default edge.
type Plugin interface {
	Metadata() Metadata
	Run(ctx context.Context, state *CycleState, deps *Deps) error
}

// Constructor builds a fresh plugin instance.
type Constructor func() Plugin

// Registry maps plugin names to constructors. Populated at startup; safe
// for concurrent reads afterward.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a plugin constructor under its metadata name. Registering
// the same name twice is a configuration error.
func (r *Registry) Register(ctor Constructor) error {
	meta := ctor().Metadata()
	if meta.Name == "" {
		return errkind.New(errkind.Configuration, "plugin has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[meta.Name]; ok {
		return errkind.Newf(errkind.Configuration, "plugin %q already registered", meta.Name)
	}
	r.ctors[meta.Name] = ctor
	return nil
}

// New instantiates the named plugin.
func (r *Registry) New(name string) (Plugin, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.Configuration, "unknown plugin %q", name)
	}
	return ctor(), nil
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[name]
	return ok
}

// All returns metadata for every registered plugin, sorted by suggested
// order then name so listings are stable.
func (r *Registry) All() []Metadata {
	r.mu.RLock()
	metas := make([]Metadata, 0, len(r.ctors))
	for _, ctor := range r.ctors {
		metas = append(metas, ctor().Metadata())
	}
	r.mu.RUnlock()
	sort.Slice(metas, func(i, j int) bool {
		if metas[i].SuggestedOrder != metas[j].SuggestedOrder {
			return metas[i].SuggestedOrder < metas[j].SuggestedOrder
		}
		return metas[i].Name < metas[j].Name
	})
	return metas
}

// TradeStore is the slice of the trade repository plugins touch.
// *database.Repository satisfies it.
type TradeStore interface {
	OpenTrade(ctx context.Context, t *database.Trade) error
	CloseTrade(ctx context.Context, id, closeCycleID int64, exitPrice, pnl, pnlPercent, fee float64) error
	UpdateTradeStops(ctx context.Context, id int64, stopLoss, takeProfit *float64) error
	GetOpenTrade(ctx context.Context, botID int64, symbol string) (*database.Trade, error)
	ListOpenTrades(ctx context.Context, botID int64) ([]*database.Trade, error)
	RecentClosed(ctx context.Context, botID int64, limit int) ([]*database.Trade, error)
	WasOpenedInCycle(ctx context.Context, botID, cycleID int64, symbol, side string) (bool, error)
	WasClosedInCycle(ctx context.Context, botID, cycleID int64, symbol string) (bool, error)
}

// SettingSource is the typed system-config reader plugins use.
// *database.SystemConfigStore satisfies it.
type SettingSource interface {
	GetString(ctx context.Context, key, def string) string
	GetInt(ctx context.Context, key string, def int) int
	GetFloat(ctx context.Context, key string, def float64) float64
	GetBool(ctx context.Context, key string, def bool) bool
}

// Deps carries the shared services a plugin may use. The runtime hands each
// node a shallow copy with NodeConfig set to that node's stored config.
type Deps struct {
	Bot         *database.Bot
	Client      exchange.Client
	Markets     *market.PollProvider
	Streams     *market.StreamManager
	Coins       *market.CoinSelector
	Cache       *cache.Cache
	LLM         debate.ClientResolver
	Trades      TradeStore
	Settings    SettingSource
	Performance *performance.Service
	Trailing    *risk.TrailingManager
	Bus         *events.EventBus
	Log         zerolog.Logger

	// NodeConfig is the executing node's stored config, set by the runtime.
	NodeConfig map[string]any
}

// ConfigInt reads an integer node-config value. JSON numbers decode as
// float64, so both forms are accepted.
func (d *Deps) ConfigInt(key string, def int) int {
	switch v := d.NodeConfig[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// ConfigFloat reads a float node-config value.
func (d *Deps) ConfigFloat(key string, def float64) float64 {
	switch v := d.NodeConfig[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// ConfigBool reads a boolean node-config value.
func (d *Deps) ConfigBool(key string, def bool) bool {
	if v, ok := d.NodeConfig[key].(bool); ok {
		return v
	}
	return def
}

// ConfigString reads a string node-config value.
func (d *Deps) ConfigString(key, def string) string {
	if v, ok := d.NodeConfig[key].(string); ok && v != "" {
		return v
	}
	return def
}
