package llm

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/logging"
)

// ConfigSource loads llm_configs rows. *database.Repository satisfies it.
type ConfigSource interface {
	GetLLMConfig(ctx context.Context, id int64) (*database.LLMConfig, error)
	DefaultLLMConfig(ctx context.Context) (*database.LLMConfig, error)
}

// Factory builds provider adapters from llm_configs rows and shares one
// adapter per row across bots, so warm HTTP connections are reused. The
// control plane calls Reset after editing a row.
type Factory struct {
	source ConfigSource
	log    zerolog.Logger

	mu   sync.Mutex
	byID map[int64]Client
}

func NewFactory(source ConfigSource) *Factory {
	return &Factory{
		source: source,
		log:    logging.Component("llm"),
		byID:   make(map[int64]Client),
	}
}

// ByID returns the adapter for one config row, building it on first use.
func (f *Factory) ByID(ctx context.Context, id int64) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if cl, ok := f.byID[id]; ok {
		return cl, nil
	}
	cfg, err := f.source.GetLLMConfig(ctx, id)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Configuration, err, "llm config %d", id)
	}
	cl, err := New(cfg)
	if err != nil {
		return nil, err
	}
	f.byID[id] = cl
	return cl, nil
}

// Default returns the adapter for the row flagged is_default.
func (f *Factory) Default(ctx context.Context) (Client, error) {
	cfg, err := f.source.DefaultLLMConfig(ctx)
	if err != nil {
		return nil, errkind.Wrapf(errkind.Configuration, err, "default llm config")
	}
	return f.ByID(ctx, cfg.ID)
}

// ForBot returns the bot's own adapter when one is assigned, otherwise
// the default.
func (f *Factory) ForBot(ctx context.Context, bot *database.Bot) (Client, error) {
	if bot != nil && bot.LLMID != nil {
		return f.ByID(ctx, *bot.LLMID)
	}
	return f.Default(ctx)
}

// ForRole resolves a debate role to a fallback chain: the role's own
// adapter first when role_llm_ids routes it, then the bot adapter, then
// the default. Duplicate rows collapse so nothing is retried twice.
func (f *Factory) ForRole(ctx context.Context, bot *database.Bot, role string) (Client, error) {
	var ids []int64
	if bot != nil {
		if id, ok := bot.RoleLLMIDs[role]; ok {
			ids = append(ids, id)
		}
		if bot.LLMID != nil {
			ids = append(ids, *bot.LLMID)
		}
	}

	seen := make(map[int64]bool, len(ids)+1)
	var clients []Client
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		cl, err := f.ByID(ctx, id)
		if err != nil {
			// A broken role override should not silence the whole
			// debate; log it and keep walking the chain.
			f.log.Warn().Err(err).Str("role", role).Int64("llm_id", id).Msg("skipping llm config")
			continue
		}
		clients = append(clients, cl)
	}

	if cfg, err := f.source.DefaultLLMConfig(ctx); err == nil && !seen[cfg.ID] {
		if cl, err := f.ByID(ctx, cfg.ID); err == nil {
			clients = append(clients, cl)
		}
	}

	if len(clients) == 0 {
		return nil, errkind.Newf(errkind.Configuration, "no usable llm config for role %q", role)
	}
	if len(clients) == 1 {
		return clients[0], nil
	}
	return NewChain(clients...), nil
}

// Reset drops every cached adapter. Call after llm_configs rows change.
func (f *Factory) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID = make(map[int64]Client)
}
