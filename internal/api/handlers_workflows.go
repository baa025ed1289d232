package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/pipeline"
)

func (s *Server) handleListWorkflows(c *gin.Context) {
	workflows, err := s.svc.Store.ListWorkflows(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if workflows == nil {
		workflows = []*database.Workflow{}
	}
	successResponse(c, workflows)
}

type createWorkflowRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) handleCreateWorkflow(c *gin.Context) {
	var req createWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name is required")
		return
	}
	wf := &database.Workflow{
		Name:        req.Name,
		Description: req.Description,
		IsActive:    true,
	}
	if err := s.svc.Store.CreateWorkflow(c.Request.Context(), wf); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, wf)
}

// handleGetWorkflow returns the workflow header together with its graph,
// nodes ordered the way the runtime executes them.
func (s *Server) handleGetWorkflow(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	wf, nodes, edges, err := s.svc.Store.GetWorkflowGraph(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if nodes == nil {
		nodes = []*database.WorkflowNode{}
	}
	if edges == nil {
		edges = []*database.WorkflowEdge{}
	}
	successResponse(c, gin.H{"workflow": wf, "nodes": nodes, "edges": edges})
}

type replaceGraphRequest struct {
	Nodes []*database.WorkflowNode `json:"nodes"`
	Edges []*database.WorkflowEdge `json:"edges"`
}

// handleReplaceGraph rewrites the whole graph in one transaction and marks
// the workflow user-edited, which opts it out of plugin auto-sync. Running
// bots finish their current cycle on the old graph and load the new one at
// the next boundary.
func (s *Server) handleReplaceGraph(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := s.svc.Store.GetWorkflow(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}

	var req replaceGraphRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "invalid graph payload: "+err.Error())
		return
	}
	if len(req.Nodes) == 0 {
		errorResponse(c, http.StatusBadRequest, "graph needs at least one node")
		return
	}

	for _, n := range req.Nodes {
		if n.Name == "" {
			n.Name = n.PluginName
		}
		if s.svc.Plugins != nil && !s.svc.Plugins.Has(n.PluginName) {
			errorResponse(c, http.StatusBadRequest, fmt.Sprintf("unknown plugin %q", n.PluginName))
			return
		}
	}
	if err := database.ValidateGraph(req.Nodes, req.Edges); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.svc.Store.ReplaceGraph(c.Request.Context(), id, req.Nodes, req.Edges, true); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"workflow_id": id, "nodes": len(req.Nodes), "edges": len(req.Edges)})
}

// handleListPlugins catalogs every registered plugin so graph editors can
// offer them.
func (s *Server) handleListPlugins(c *gin.Context) {
	if s.svc.Plugins == nil {
		successResponse(c, []pipeline.Metadata{})
		return
	}
	successResponse(c, s.svc.Plugins.All())
}
