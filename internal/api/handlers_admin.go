package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stratoforge/quantra/internal/database"
)

// Credential fields never leave the API. The models exclude them from
// JSON, and responses carry a masked tail so operators can tell key A
// from key B without seeing either.

type exchangeView struct {
	*database.Exchange
	APIKeyMasked   string `json:"api_key_masked,omitempty"`
	HasCredentials bool   `json:"has_credentials"`
}

func exchangeResponse(ex *database.Exchange) exchangeView {
	return exchangeView{
		Exchange:       ex,
		APIKeyMasked:   maskKey(ex.APIKey),
		HasCredentials: ex.APIKey != "",
	}
}

func maskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

type exchangeRequest struct {
	Name                  string         `json:"name" binding:"required"`
	Venue                 string         `json:"venue" binding:"required"`
	APIKey                string         `json:"api_key"`
	APISecret             string         `json:"api_secret"`
	Testnet               bool           `json:"testnet"`
	BaseURL               string         `json:"base_url"`
	WSURL                 string         `json:"ws_url"`
	RateLimitPerMin       int            `json:"rate_limit_per_min"`
	MaxConcurrentRequests int            `json:"max_concurrent_requests"`
	SlippagePct           float64        `json:"slippage_pct"`
	TakerFeePct           float64        `json:"taker_fee_pct"`
	Options               map[string]any `json:"options"`
}

func (req *exchangeRequest) apply(ex *database.Exchange) {
	ex.Name = req.Name
	ex.Venue = strings.ToLower(req.Venue)
	ex.Testnet = req.Testnet
	ex.BaseURL = req.BaseURL
	ex.WSURL = req.WSURL
	ex.RateLimitPerMin = req.RateLimitPerMin
	ex.MaxConcurrentRequests = req.MaxConcurrentRequests
	ex.SlippagePct = req.SlippagePct
	ex.TakerFeePct = req.TakerFeePct
	ex.Options = req.Options
	// Empty credential fields keep whatever is stored, so an edit round
	// trip of the masked view cannot wipe real keys.
	if req.APIKey != "" {
		ex.APIKey = req.APIKey
	}
	if req.APISecret != "" {
		ex.APISecret = req.APISecret
	}
}

func (s *Server) handleListExchanges(c *gin.Context) {
	exchanges, err := s.svc.Store.ListExchanges(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]exchangeView, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, exchangeResponse(ex))
	}
	successResponse(c, out)
}

func (s *Server) handleGetExchange(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ex, err := s.svc.Store.GetExchange(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, exchangeResponse(ex))
}

func (s *Server) handleCreateExchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name and venue are required")
		return
	}
	ex := &database.Exchange{}
	req.apply(ex)
	if err := s.svc.Store.CreateExchange(c.Request.Context(), ex); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, exchangeResponse(ex))
}

// handleUpdateExchange rewrites the row. Bots pick the change up on their
// next start; running workers keep the connection they dialed.
func (s *Server) handleUpdateExchange(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ex, err := s.svc.Store.GetExchange(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name and venue are required")
		return
	}
	req.apply(ex)
	if err := s.svc.Store.UpdateExchange(c.Request.Context(), ex); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, exchangeResponse(ex))
}

func (s *Server) handleDeleteExchange(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.svc.Store.DeleteExchange(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, gin.H{"deleted": id})
}

type llmConfigView struct {
	*database.LLMConfig
	APIKeyMasked   string `json:"api_key_masked,omitempty"`
	HasCredentials bool   `json:"has_credentials"`
}

func llmConfigResponse(cfg *database.LLMConfig) llmConfigView {
	return llmConfigView{
		LLMConfig:      cfg,
		APIKeyMasked:   maskKey(cfg.APIKey),
		HasCredentials: cfg.APIKey != "",
	}
}

type llmConfigRequest struct {
	Name           string `json:"name" binding:"required"`
	Provider       string `json:"provider" binding:"required"`
	BaseURL        string `json:"base_url"`
	APIKey         string `json:"api_key"`
	ModelName      string `json:"model_name" binding:"required"`
	MaxTokens      int    `json:"max_tokens"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	IsDefault      bool   `json:"is_default"`
}

func (req *llmConfigRequest) apply(cfg *database.LLMConfig) {
	cfg.Name = req.Name
	cfg.Provider = strings.ToLower(req.Provider)
	cfg.BaseURL = req.BaseURL
	cfg.ModelName = req.ModelName
	cfg.MaxTokens = req.MaxTokens
	cfg.TimeoutSeconds = req.TimeoutSeconds
	cfg.IsDefault = req.IsDefault
	if req.APIKey != "" {
		cfg.APIKey = req.APIKey
	}
}

func (s *Server) handleListLLMConfigs(c *gin.Context) {
	configs, err := s.svc.Store.ListLLMConfigs(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]llmConfigView, 0, len(configs))
	for _, cfg := range configs {
		out = append(out, llmConfigResponse(cfg))
	}
	successResponse(c, out)
}

func (s *Server) handleGetLLMConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	cfg, err := s.svc.Store.GetLLMConfig(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	successResponse(c, llmConfigResponse(cfg))
}

func (s *Server) handleCreateLLMConfig(c *gin.Context) {
	var req llmConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name, provider and model_name are required")
		return
	}
	cfg := &database.LLMConfig{}
	req.apply(cfg)
	if err := s.svc.Store.CreateLLMConfig(c.Request.Context(), cfg); err != nil {
		s.fail(c, err)
		return
	}
	s.resetAdapters()
	successResponse(c, llmConfigResponse(cfg))
}

// handleUpdateLLMConfig rewrites the row and drops cached adapters, so the
// next debate builds its clients from the new values.
func (s *Server) handleUpdateLLMConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	cfg, err := s.svc.Store.GetLLMConfig(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}

	var req llmConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, "name, provider and model_name are required")
		return
	}
	req.apply(cfg)
	if err := s.svc.Store.UpdateLLMConfig(c.Request.Context(), cfg); err != nil {
		s.fail(c, err)
		return
	}
	s.resetAdapters()
	successResponse(c, llmConfigResponse(cfg))
}

func (s *Server) handleDeleteLLMConfig(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := s.svc.Store.DeleteLLMConfig(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.resetAdapters()
	successResponse(c, gin.H{"deleted": id})
}

func (s *Server) resetAdapters() {
	if s.svc.LLM != nil {
		s.svc.LLM.Reset()
	}
}
