package llm

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/logging"
)

// Chain tries a sequence of clients in order, moving to the next when one
// fails. It satisfies Client so callers cannot tell a chained adapter from
// a single one. An expired context stops the walk; burning every fallback
// on a dead deadline helps nobody.
type Chain struct {
	clients []Client
	log     zerolog.Logger
}

// NewChain builds a fallback chain. Order is priority order.
func NewChain(clients ...Client) *Chain {
	return &Chain{
		clients: clients,
		log:     logging.Component("llm"),
	}
}

func (c *Chain) Name() string {
	switch len(c.clients) {
	case 0:
		return "empty-chain"
	case 1:
		return c.clients[0].Name()
	default:
		return fmt.Sprintf("%s(+%d fallbacks)", c.clients[0].Name(), len(c.clients)-1)
	}
}

func (c *Chain) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(c.clients) == 0 {
		return nil, errkind.New(errkind.Configuration, "no llm clients configured")
	}

	var lastErr error
	for i, cl := range c.clients {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		resp, err := cl.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if i < len(c.clients)-1 {
			c.log.Warn().Err(err).
				Str("llm", cl.Name()).
				Str("next", c.clients[i+1].Name()).
				Msg("llm failed, trying fallback")
		}
	}
	return nil, fmt.Errorf("all %d llm clients failed: %w", len(c.clients), lastErr)
}
