package nodes

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/pipeline"
)

// SyncWorkflows pushes every registered plugin into the catalogue and adds
// any newly registered plugin to workflows that the user has not edited.
// User-edited graphs are never touched; the UI owns those.
func SyncWorkflows(ctx context.Context, repo *database.Repository, reg *pipeline.Registry, log zerolog.Logger) error {
	added := 0
	for _, meta := range reg.All() {
		if err := repo.UpsertNodeConfig(ctx, meta.Name, meta.DisplayName, meta.Category, meta.DefaultConfig); err != nil {
			return err
		}
		if err := repo.AddNodeIfAbsent(ctx, meta.Name, meta.SuggestedOrder, meta.DefaultConfig); err != nil {
			return err
		}
		added++
	}
	log.Info().Int("plugins", added).Msg("plugin catalogue synced")
	return nil
}
