package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ThreadIDFor returns the checkpoint thread identity for a bot.
func ThreadIDFor(botID int64) string {
	return fmt.Sprintf("bot_%d", botID)
}

// CheckpointStore persists pipeline state snapshots. Rows are immutable:
// a put for an existing (thread, cycle, node) key is a no-op, which also
// makes replays after a crash idempotent.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a checkpoint store.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Put stores a snapshot. Existing rows are never overwritten.
func (s *CheckpointStore) Put(ctx context.Context, threadID string, cycleID int64, nodeName string, state []byte) error {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO checkpoints (thread_id, cycle_id, node_name, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id, cycle_id, node_name) DO NOTHING`,
		threadID, cycleID, nodeName, state)
	if err != nil {
		return fmt.Errorf("put checkpoint %s/%d/%s: %w", threadID, cycleID, nodeName, err)
	}
	return nil
}

// Get returns the snapshot after the named node of a cycle.
func (s *CheckpointStore) Get(ctx context.Context, threadID string, cycleID int64, nodeName string) ([]byte, error) {
	var state []byte
	err := s.db.Pool.QueryRow(ctx, `
		SELECT state FROM checkpoints
		WHERE thread_id = $1 AND cycle_id = $2 AND node_name = $3`,
		threadID, cycleID, nodeName,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return state, nil
}

// Latest returns the most recent snapshot for a thread.
func (s *CheckpointStore) Latest(ctx context.Context, threadID string) (*Checkpoint, error) {
	cp := &Checkpoint{}
	err := s.db.Pool.QueryRow(ctx, `
		SELECT thread_id, cycle_id, node_name, state, created_at
		FROM checkpoints
		WHERE thread_id = $1
		ORDER BY cycle_id DESC, created_at DESC
		LIMIT 1`, threadID,
	).Scan(&cp.ThreadID, &cp.CycleID, &cp.NodeName, &cp.State, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return cp, nil
}

// LatestCycle returns the highest checkpointed cycle id for a thread, or 0
// when the thread has never run. Restarted bots resume numbering from here.
func (s *CheckpointStore) LatestCycle(ctx context.Context, threadID string) (int64, error) {
	var cycleID int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(cycle_id), 0) FROM checkpoints WHERE thread_id = $1`,
		threadID,
	).Scan(&cycleID)
	return cycleID, err
}

// ListCycle returns all snapshots of one cycle in write order.
func (s *CheckpointStore) ListCycle(ctx context.Context, threadID string, cycleID int64) ([]*Checkpoint, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT thread_id, cycle_id, node_name, state, created_at
		FROM checkpoints
		WHERE thread_id = $1 AND cycle_id = $2
		ORDER BY created_at`, threadID, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp := &Checkpoint{}
		if err := rows.Scan(&cp.ThreadID, &cp.CycleID, &cp.NodeName, &cp.State, &cp.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}
