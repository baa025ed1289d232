package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrWorkflowCycle is returned when a submitted graph contains a cycle.
var ErrWorkflowCycle = errors.New("workflow graph contains a cycle")

// ============================================================================
// WORKFLOWS
// ============================================================================

// CreateWorkflow inserts a workflow header.
func (r *Repository) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	query := `
		INSERT INTO workflows (name, description, user_edited, is_active)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		wf.Name, wf.Description, wf.UserEdited, wf.IsActive,
	).Scan(&wf.ID, &wf.CreatedAt, &wf.UpdatedAt)
}

// GetWorkflow retrieves a workflow header by id.
func (r *Repository) GetWorkflow(ctx context.Context, id int64) (*Workflow, error) {
	wf := &Workflow{}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, name, description, user_edited, is_active, created_at, updated_at
		FROM workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.Name, &wf.Description, &wf.UserEdited, &wf.IsActive, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return wf, nil
}

// ListWorkflows retrieves all workflow headers.
func (r *Repository) ListWorkflows(ctx context.Context) ([]*Workflow, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, name, description, user_edited, is_active, created_at, updated_at
		FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Description, &wf.UserEdited, &wf.IsActive,
			&wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

// GetWorkflowGraph loads a workflow with its nodes and edges. Nodes come
// back ordered by execution_order.
func (r *Repository) GetWorkflowGraph(ctx context.Context, id int64) (*Workflow, []*WorkflowNode, []*WorkflowEdge, error) {
	wf, err := r.GetWorkflow(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	nodes, err := r.getWorkflowNodes(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}

	edges, err := r.getWorkflowEdges(ctx, id)
	if err != nil {
		return nil, nil, nil, err
	}
	return wf, nodes, edges, nil
}

func (r *Repository) getWorkflowNodes(ctx context.Context, workflowID int64) ([]*WorkflowNode, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, workflow_id, name, plugin_name, execution_order, enabled, config
		FROM workflow_nodes WHERE workflow_id = $1
		ORDER BY execution_order, id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*WorkflowNode
	for rows.Next() {
		n := &WorkflowNode{}
		var cfg []byte
		if err := rows.Scan(&n.ID, &n.WorkflowID, &n.Name, &n.PluginName, &n.ExecutionOrder,
			&n.Enabled, &cfg); err != nil {
			return nil, err
		}
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &n.Config); err != nil {
				return nil, fmt.Errorf("decode node %s config: %w", n.Name, err)
			}
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

func (r *Repository) getWorkflowEdges(ctx context.Context, workflowID int64) ([]*WorkflowEdge, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, workflow_id, source, target, condition
		FROM workflow_edges WHERE workflow_id = $1
		ORDER BY id`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []*WorkflowEdge
	for rows.Next() {
		e := &WorkflowEdge{}
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Source, &e.Target, &e.Condition); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ReplaceGraph validates and atomically rewrites a workflow's nodes and
// edges. When userEdit is set the workflow is marked user_edited, which
// blocks plugin auto-sync from touching it later. Readers mid-cycle keep
// the snapshot they loaded; the new graph applies from the next cycle.
func (r *Repository) ReplaceGraph(ctx context.Context, workflowID int64, nodes []*WorkflowNode, edges []*WorkflowEdge, userEdit bool) error {
	if err := ValidateGraph(nodes, edges); err != nil {
		return err
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin graph rewrite: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM workflow_edges WHERE workflow_id = $1`, workflowID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM workflow_nodes WHERE workflow_id = $1`, workflowID); err != nil {
		return err
	}

	for _, n := range nodes {
		cfg, err := json.Marshal(orEmptyAnyMap(n.Config))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_nodes (workflow_id, name, plugin_name, execution_order, enabled, config)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			workflowID, n.Name, n.PluginName, n.ExecutionOrder, n.Enabled, cfg,
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.Name, err)
		}
	}

	for _, e := range edges {
		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_edges (workflow_id, source, target, condition)
			VALUES ($1, $2, $3, $4)`,
			workflowID, e.Source, e.Target, e.Condition,
		); err != nil {
			return fmt.Errorf("insert edge %s->%s: %w", e.Source, e.Target, err)
		}
	}

	if userEdit {
		if _, err := tx.Exec(ctx, `
			UPDATE workflows SET user_edited = TRUE, updated_at = NOW() WHERE id = $1`,
			workflowID,
		); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// AddNodeIfAbsent appends a node to every workflow that does not already
// contain the plugin and has not been edited by a user. It backs plugin
// auto-sync at startup.
func (r *Repository) AddNodeIfAbsent(ctx context.Context, pluginName string, executionOrder int, cfg map[string]any) error {
	raw, err := json.Marshal(orEmptyAnyMap(cfg))
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO workflow_nodes (workflow_id, name, plugin_name, execution_order, enabled, config)
		SELECT w.id, $1, $1, $2, TRUE, $3
		FROM workflows w
		WHERE w.user_edited = FALSE
		  AND NOT EXISTS (
			SELECT 1 FROM workflow_nodes n
			WHERE n.workflow_id = w.id AND n.plugin_name = $1
		  )`,
		pluginName, executionOrder, raw,
	)
	return err
}

// UpsertNodeConfig records plugin metadata in the node_configs catalog.
func (r *Repository) UpsertNodeConfig(ctx context.Context, pluginName, displayName, category string, defaultConfig map[string]any) error {
	raw, err := json.Marshal(orEmptyAnyMap(defaultConfig))
	if err != nil {
		return err
	}
	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO node_configs (plugin_name, display_name, category, default_config, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (plugin_name)
		DO UPDATE SET display_name = $2, category = $3, default_config = $4, updated_at = NOW()`,
		pluginName, displayName, category, raw,
	)
	return err
}

// ValidateGraph rejects graphs with edges to unknown nodes, self loops, or
// cycles. Disabled nodes still count as vertices so edits stay consistent.
func ValidateGraph(nodes []*WorkflowNode, edges []*WorkflowEdge) error {
	names := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if n.Name == "" {
			return errors.New("workflow node with empty name")
		}
		if names[n.Name] {
			return fmt.Errorf("duplicate workflow node %q", n.Name)
		}
		names[n.Name] = true
	}

	adj := make(map[string][]string, len(nodes))
	indegree := make(map[string]int, len(nodes))
	for name := range names {
		indegree[name] = 0
	}
	for _, e := range edges {
		if !names[e.Source] {
			return fmt.Errorf("edge source %q is not a node", e.Source)
		}
		if !names[e.Target] {
			return fmt.Errorf("edge target %q is not a node", e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("self edge on node %q", e.Source)
		}
		adj[e.Source] = append(adj[e.Source], e.Target)
		indegree[e.Target]++
	}

	// Kahn's algorithm; anything left unvisited sits on a cycle.
	queue := make([]string, 0, len(names))
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	visited := 0
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range adj[cur] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited != len(names) {
		return ErrWorkflowCycle
	}
	return nil
}
