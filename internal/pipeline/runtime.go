package pipeline

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
)

// CheckpointSink persists state snapshots at node boundaries.
// *database.CheckpointStore satisfies it.
type CheckpointSink interface {
	Put(ctx context.Context, threadID string, cycleID int64, nodeName string, state []byte) error
}

// Graph is one cycle's immutable snapshot of a workflow. The scheduler loads
// it once per cycle; control-plane edits apply on the next cycle boundary.
type Graph struct {
	Workflow *database.Workflow
	Nodes    []*database.WorkflowNode
	Edges    []*database.WorkflowEdge
}

// Runtime executes workflow graphs node by node, checkpointing after each
// node so a cycle can be rewound to any boundary.
type Runtime struct {
	registry    *Registry
	checkpoints CheckpointSink
	log         zerolog.Logger
}

// NewRuntime wires a runtime over a plugin registry and checkpoint sink.
func NewRuntime(registry *Registry, checkpoints CheckpointSink, log zerolog.Logger) *Runtime {
	return &Runtime{
		registry:    registry,
		checkpoints: checkpoints,
		log:         log.With().Str("component", "pipeline").Logger(),
	}
}

// Execute runs the graph against the state. Node failures split two ways:
// Fatal aborts the cycle with no further checkpoints, anything else is
// recorded in the state and execution continues along the node's default
// edge. Cancellation is honored before every node and nothing is
// checkpointed after it fires.
func (rt *Runtime) Execute(ctx context.Context, graph *Graph, state *CycleState, deps *Deps) error {
	if err := database.ValidateGraph(graph.Nodes, graph.Edges); err != nil {
		return errkind.Wrap(errkind.Configuration, err)
	}

	nodesByName := make(map[string]*database.WorkflowNode, len(graph.Nodes))
	incoming := make(map[string]int, len(graph.Nodes))
	for _, n := range graph.Nodes {
		nodesByName[n.Name] = n
	}
	outgoing := make(map[string][]*database.WorkflowEdge)
	for _, e := range graph.Edges {
		outgoing[e.Source] = append(outgoing[e.Source], e)
		incoming[e.Target]++
	}

	var ready []*database.WorkflowNode
	for _, n := range graph.Nodes {
		if incoming[n.Name] == 0 {
			ready = append(ready, n)
		}
	}

	executed := make(map[string]bool, len(graph.Nodes))
	queued := make(map[string]bool, len(ready))
	for _, n := range ready {
		queued[n.Name] = true
	}

	for len(ready) > 0 {
		sort.SliceStable(ready, func(i, j int) bool {
			if ready[i].ExecutionOrder != ready[j].ExecutionOrder {
				return ready[i].ExecutionOrder < ready[j].ExecutionOrder
			}
			return ready[i].Name < ready[j].Name
		})
		node := ready[0]
		ready = ready[1:]
		delete(queued, node.Name)
		if executed[node.Name] {
			continue
		}
		executed[node.Name] = true

		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}

		recoverable := false
		if node.Enabled {
			if err := rt.runNode(ctx, node, state, deps); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return errkind.Wrap(errkind.Transient, err)
				}
				if errkind.KindOf(err) == errkind.Fatal || errkind.KindOf(err) == errkind.Configuration {
					return err
				}
				state.AddError(node.Name, "", err.Error())
				recoverable = true
			}
		}

		// a stop that landed during the node aborts before its checkpoint;
		// everything already written stays valid
		if err := ctx.Err(); err != nil {
			return errkind.Wrap(errkind.Transient, err)
		}

		stateJSON, err := state.Marshal()
		if err != nil {
			return err
		}
		rt.checkpoint(ctx, state, node.Name, stateJSON)

		next, err := rt.matchEdges(outgoing[node.Name], nodesByName, stateJSON, recoverable)
		if err != nil {
			return err
		}
		for _, n := range next {
			if !executed[n.Name] && !queued[n.Name] {
				queued[n.Name] = true
				ready = append(ready, n)
			}
		}
	}
	return nil
}

func (rt *Runtime) runNode(ctx context.Context, node *database.WorkflowNode, state *CycleState, deps *Deps) error {
	plugin, err := rt.registry.New(node.PluginName)
	if err != nil {
		return err
	}
	nodeDeps := *deps
	nodeDeps.NodeConfig = node.Config
	nodeDeps.Log = deps.Log.With().Str("node", node.Name).Logger()

	started := time.Now()
	runErr := plugin.Run(ctx, state, &nodeDeps)
	evt := rt.log.Debug()
	if runErr != nil {
		evt = rt.log.Warn().Err(runErr)
	}
	evt.Int64("cycle", state.CycleID).
		Str("node", node.Name).
		Dur("elapsed", time.Since(started)).
		Msg("node finished")
	return runErr
}

// checkpoint writes the post-node snapshot. A failed write is recorded and
// the cycle keeps going; the trade path surfaces real persistence outages.
func (rt *Runtime) checkpoint(ctx context.Context, state *CycleState, nodeName string, stateJSON []byte) {
	if rt.checkpoints == nil {
		return
	}
	threadID := database.ThreadIDFor(state.BotID)
	if err := rt.checkpoints.Put(ctx, threadID, state.CycleID, nodeName, stateJSON); err != nil {
		rt.log.Error().Err(err).
			Str("thread", threadID).
			Str("node", nodeName).
			Msg("checkpoint write failed")
		state.AddError(nodeName, "", "checkpoint write failed: "+err.Error())
	}
}

// matchEdges returns the targets whose edge fires. After a recoverable
// failure only default (unconditional) edges fire, so broken data never
// steers a conditional branch.
func (rt *Runtime) matchEdges(edges []*database.WorkflowEdge, nodes map[string]*database.WorkflowNode, stateJSON []byte, failed bool) ([]*database.WorkflowNode, error) {
	if len(edges) == 0 {
		return nil, nil
	}
	var resolver Resolver
	var next []*database.WorkflowNode
	for _, e := range edges {
		if failed && e.Condition != "" {
			continue
		}
		if e.Condition != "" && resolver == nil {
			r, err := newDocResolver(stateJSON)
			if err != nil {
				return nil, err
			}
			resolver = r
		}
		pass, err := EvalCondition(e.Condition, resolver)
		if err != nil {
			rt.log.Warn().Err(err).
				Str("source", e.Source).
				Str("target", e.Target).
				Msg("bad edge condition, treating as no match")
			continue
		}
		if pass {
			next = append(next, nodes[e.Target])
		}
	}
	return next, nil
}
