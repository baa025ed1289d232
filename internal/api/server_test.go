package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stratoforge/quantra/internal/auth"
	"github.com/stratoforge/quantra/internal/bot"
	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/debate"
	"github.com/stratoforge/quantra/internal/errkind"
	"github.com/stratoforge/quantra/internal/exchange"
	"github.com/stratoforge/quantra/internal/market"
	"github.com/stratoforge/quantra/internal/pipeline"
	"github.com/stratoforge/quantra/internal/ratelimit"
	"github.com/stratoforge/quantra/internal/status"
)

// ---------------------------------------------------------------------------
// fakes

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	healthErr error

	bots      map[int64]*database.Bot
	exchanges map[int64]*database.Exchange
	llms      map[int64]*database.LLMConfig
	workflows map[int64]*database.Workflow
	nodes     map[int64][]*database.WorkflowNode
	edges     map[int64][]*database.WorkflowEdge

	open   map[int64][]*database.Trade
	closed map[int64][]*database.Trade

	lastReplaceUserEdit bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		bots:      make(map[int64]*database.Bot),
		exchanges: make(map[int64]*database.Exchange),
		llms:      make(map[int64]*database.LLMConfig),
		workflows: make(map[int64]*database.Workflow),
		nodes:     make(map[int64][]*database.WorkflowNode),
		edges:     make(map[int64][]*database.WorkflowEdge),
		open:      make(map[int64][]*database.Trade),
		closed:    make(map[int64][]*database.Trade),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeStore) CreateBot(ctx context.Context, b *database.Bot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b.ID = f.id()
	b.CreatedAt = time.Now()
	b.UpdatedAt = b.CreatedAt
	cp := *b
	f.bots[b.ID] = &cp
	return nil
}

func (f *fakeStore) GetBot(ctx context.Context, id int64) (*database.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (f *fakeStore) ListBots(ctx context.Context) ([]*database.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*database.Bot, 0, len(f.bots))
	for _, b := range f.bots {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateBot(ctx context.Context, b *database.Bot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bots[b.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *b
	f.bots[b.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteBot(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bots[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.bots, id)
	return nil
}

func (f *fakeStore) ListOpenTrades(ctx context.Context, botID int64) ([]*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[botID], nil
}

func (f *fakeStore) RecentClosed(ctx context.Context, botID int64, limit int) ([]*database.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	trades := f.closed[botID]
	if len(trades) > limit {
		trades = trades[:limit]
	}
	return trades, nil
}

func (f *fakeStore) CreateExchange(ctx context.Context, ex *database.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex.ID = f.id()
	cp := *ex
	f.exchanges[ex.ID] = &cp
	return nil
}

func (f *fakeStore) GetExchange(ctx context.Context, id int64) (*database.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ex, ok := f.exchanges[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *ex
	return &cp, nil
}

func (f *fakeStore) ListExchanges(ctx context.Context) ([]*database.Exchange, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*database.Exchange, 0, len(f.exchanges))
	for _, ex := range f.exchanges {
		cp := *ex
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateExchange(ctx context.Context, ex *database.Exchange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.exchanges[ex.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *ex
	f.exchanges[ex.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteExchange(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.exchanges[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.exchanges, id)
	return nil
}

func (f *fakeStore) CreateLLMConfig(ctx context.Context, cfg *database.LLMConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg.ID = f.id()
	cp := *cfg
	f.llms[cfg.ID] = &cp
	return nil
}

func (f *fakeStore) GetLLMConfig(ctx context.Context, id int64) (*database.LLMConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.llms[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (f *fakeStore) ListLLMConfigs(ctx context.Context) ([]*database.LLMConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*database.LLMConfig, 0, len(f.llms))
	for _, cfg := range f.llms {
		cp := *cfg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) UpdateLLMConfig(ctx context.Context, cfg *database.LLMConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.llms[cfg.ID]; !ok {
		return database.ErrNotFound
	}
	cp := *cfg
	f.llms[cfg.ID] = &cp
	return nil
}

func (f *fakeStore) DeleteLLMConfig(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.llms[id]; !ok {
		return database.ErrNotFound
	}
	delete(f.llms, id)
	return nil
}

func (f *fakeStore) CreateWorkflow(ctx context.Context, wf *database.Workflow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf.ID = f.id()
	cp := *wf
	f.workflows[wf.ID] = &cp
	return nil
}

func (f *fakeStore) GetWorkflow(ctx context.Context, id int64) (*database.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *wf
	return &cp, nil
}

func (f *fakeStore) ListWorkflows(ctx context.Context) ([]*database.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*database.Workflow, 0, len(f.workflows))
	for _, wf := range f.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetWorkflowGraph(ctx context.Context, id int64) (*database.Workflow, []*database.WorkflowNode, []*database.WorkflowEdge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf, ok := f.workflows[id]
	if !ok {
		return nil, nil, nil, database.ErrNotFound
	}
	cp := *wf
	return &cp, f.nodes[id], f.edges[id], nil
}

func (f *fakeStore) ReplaceGraph(ctx context.Context, workflowID int64, nodes []*database.WorkflowNode, edges []*database.WorkflowEdge, userEdit bool) error {
	if err := database.ValidateGraph(nodes, edges); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workflows[workflowID]; !ok {
		return database.ErrNotFound
	}
	f.nodes[workflowID] = nodes
	f.edges[workflowID] = edges
	f.lastReplaceUserEdit = userEdit
	if userEdit {
		f.workflows[workflowID].UserEdited = true
	}
	return nil
}

type fakeController struct {
	mu        sync.Mutex
	running   map[int64]bool
	startErr  map[int64]error
	statuses  map[int64]*status.BotStatus
	positions map[int64][]exchange.Position
	balances  map[int64]*exchange.Balance
	tickers   map[string]float64
	stats     map[int64]market.Stats
}

func newFakeController() *fakeController {
	return &fakeController{
		running:   make(map[int64]bool),
		startErr:  make(map[int64]error),
		statuses:  make(map[int64]*status.BotStatus),
		positions: make(map[int64][]exchange.Position),
		balances:  make(map[int64]*exchange.Balance),
		tickers:   make(map[string]float64),
		stats:     make(map[int64]market.Stats),
	}
}

func (f *fakeController) Start(ctx context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[botID] {
		return errkind.Wrapf(errkind.Validation, bot.ErrBotAlreadyRunning, "bot %d", botID)
	}
	if err := f.startErr[botID]; err != nil {
		return err
	}
	f.running[botID] = true
	return nil
}

func (f *fakeController) Stop(ctx context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[botID] {
		return errkind.Wrapf(errkind.Validation, bot.ErrBotNotRunning, "bot %d", botID)
	}
	delete(f.running, botID)
	return nil
}

func (f *fakeController) Restart(ctx context.Context, botID int64) error {
	if f.Running(botID) {
		if err := f.Stop(ctx, botID); err != nil {
			return err
		}
	}
	return f.Start(ctx, botID)
}

func (f *fakeController) Status(ctx context.Context, botID int64) (*status.BotStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[botID]
	if !ok {
		return nil, status.ErrNotFound
	}
	cp := *st
	cp.IsRunning = f.running[botID]
	return &cp, nil
}

func (f *fakeController) Running(botID int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[botID]
}

func (f *fakeController) RunningIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.running))
	for id := range f.running {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *fakeController) StreamStats(botID int64) (market.Stats, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[botID] {
		return market.Stats{}, false
	}
	return f.stats[botID], true
}

func (f *fakeController) Positions(ctx context.Context, botID int64) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[botID] {
		return nil, errkind.Wrapf(errkind.Validation, bot.ErrBotNotRunning, "bot %d", botID)
	}
	return append([]exchange.Position(nil), f.positions[botID]...), nil
}

func (f *fakeController) Balance(ctx context.Context, botID int64) (*exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[botID] {
		return nil, errkind.Wrapf(errkind.Validation, bot.ErrBotNotRunning, "bot %d", botID)
	}
	return f.balances[botID], nil
}

func (f *fakeController) Ticker(ctx context.Context, botID int64, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[botID] {
		return nil, errkind.Wrapf(errkind.Validation, bot.ErrBotNotRunning, "bot %d", botID)
	}
	return &exchange.Ticker{Symbol: symbol, Last: f.tickers[symbol]}, nil
}

type fakeSnapshots struct {
	mu      sync.Mutex
	deleted []int64
}

func (f *fakeSnapshots) Read(ctx context.Context, botID int64) (*status.BotStatus, error) {
	return nil, status.ErrNotFound
}

func (f *fakeSnapshots) Delete(ctx context.Context, botID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, botID)
	return nil
}

type fakeSettings struct {
	mu     sync.Mutex
	values map[string]string
	types  map[string]string
}

func newFakeSettings() *fakeSettings {
	return &fakeSettings{values: make(map[string]string), types: make(map[string]string)}
}

func (f *fakeSettings) GetByPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string)
	for k, v := range f.values {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}

func (f *fakeSettings) Set(ctx context.Context, key, value, valueType, description string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	f.types[key] = valueType
	return nil
}

type fakeAdapterCache struct {
	mu     sync.Mutex
	resets int
}

func (f *fakeAdapterCache) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeAdapterCache) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type apiProbe struct{}

func (apiProbe) Metadata() pipeline.Metadata {
	return pipeline.Metadata{Name: "probe", DisplayName: "Probe", Category: pipeline.CategoryAnalysis, SuggestedOrder: 10}
}

func (apiProbe) Run(ctx context.Context, state *pipeline.CycleState, deps *pipeline.Deps) error {
	return nil
}

// ---------------------------------------------------------------------------
// fixture

type apiFixture struct {
	srv      *Server
	store    *fakeStore
	ctrl     *fakeController
	snaps    *fakeSnapshots
	settings *fakeSettings
	llm      *fakeAdapterCache
	logDir   string
}

func newFixture(t *testing.T, manager *auth.Manager) *apiFixture {
	t.Helper()

	registry := pipeline.NewRegistry()
	if err := registry.Register(func() pipeline.Plugin { return apiProbe{} }); err != nil {
		t.Fatalf("register probe: %v", err)
	}

	f := &apiFixture{
		store:    newFakeStore(),
		ctrl:     newFakeController(),
		snaps:    &fakeSnapshots{},
		settings: newFakeSettings(),
		llm:      &fakeAdapterCache{},
		logDir:   t.TempDir(),
	}
	f.srv = NewServer(
		Config{Host: "127.0.0.1", Port: 0, LogDir: f.logDir},
		Services{
			Store:    f.store,
			Settings: f.settings,
			Bots:     f.ctrl,
			Status:   f.snaps,
			Plugins:  registry,
			LLM:      f.llm,
			Limits:   ratelimit.NewRegistry(),
			Auth:     manager,
		},
	)
	return f
}

// do runs one request through the real router and decodes the body.
func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	// Unmatched routes answer with gin's plain-text body; leave those nil.
	var payload map[string]any
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	}
	return rec.Code, payload
}

func dataMap(t *testing.T, payload map[string]any) map[string]any {
	t.Helper()
	data, ok := payload["data"].(map[string]any)
	if !ok {
		t.Fatalf("payload has no data object: %v", payload)
	}
	return data
}

func dataList(t *testing.T, payload map[string]any) []any {
	t.Helper()
	data, ok := payload["data"].([]any)
	if !ok {
		t.Fatalf("payload has no data array: %v", payload)
	}
	return data
}

func seedBot(t *testing.T, f *apiFixture) int64 {
	t.Helper()
	b := &database.Bot{
		Name:       "alpha",
		ExchangeID: 1,
		WorkflowID: 1,
		Symbols:    []string{"BTC/USDT"},
		Risk:       database.DefaultRiskLimits(),
	}
	if err := f.store.CreateBot(context.Background(), b); err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	return b.ID
}

// ---------------------------------------------------------------------------
// tests

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusOK {
		t.Fatalf("healthy: code = %d", code)
	}
	if payload["database"] != "healthy" {
		t.Fatalf("database = %v", payload["database"])
	}

	f.store.mu.Lock()
	f.store.healthErr = errors.New("connection refused")
	f.store.mu.Unlock()

	code, payload = f.do(t, http.MethodGet, "/health", "", nil)
	if code != http.StatusServiceUnavailable {
		t.Fatalf("unhealthy: code = %d", code)
	}
	if payload["database"] != "unhealthy" {
		t.Fatalf("database = %v", payload["database"])
	}
}

func TestAuthGate(t *testing.T) {
	hash, err := auth.HashPassword("hunter2-Strong")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	manager := auth.NewManager("test-secret", time.Hour, "operator", hash)
	f := newFixture(t, manager)

	code, payload := f.do(t, http.MethodGet, "/api/auth/status", "", nil)
	if code != http.StatusOK || dataMap(t, payload)["auth_enabled"] != true {
		t.Fatalf("auth status: code = %d payload = %v", code, payload)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/bots", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("no token: code = %d", code)
	}

	code, _ = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "operator", "password": "wrong",
	})
	if code != http.StatusUnauthorized {
		t.Fatalf("bad login: code = %d", code)
	}

	code, payload = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "operator", "password": "hunter2-Strong",
	})
	if code != http.StatusOK {
		t.Fatalf("login: code = %d payload = %v", code, payload)
	}
	token, _ := dataMap(t, payload)["access_token"].(string)
	if token == "" {
		t.Fatal("login returned no access_token")
	}

	if code, _ := f.do(t, http.MethodGet, "/api/bots", token, nil); code != http.StatusOK {
		t.Fatalf("with token: code = %d", code)
	}
}

func TestAuthDisabled(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodGet, "/api/auth/status", "", nil)
	if code != http.StatusOK || dataMap(t, payload)["auth_enabled"] != false {
		t.Fatalf("auth status: code = %d payload = %v", code, payload)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/bots", "", nil); code != http.StatusOK {
		t.Fatalf("open access: code = %d", code)
	}

	code, _ = f.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{
		"username": "operator", "password": "anything",
	})
	if code != http.StatusNotFound {
		t.Fatalf("login route without auth: code = %d", code)
	}
}

func TestBotCRUD(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodPost, "/api/bots", "", map[string]any{
		"name": "alpha", "exchange_id": 1, "workflow_id": 1,
	})
	if code != http.StatusOK {
		t.Fatalf("create: code = %d payload = %v", code, payload)
	}
	data := dataMap(t, payload)
	if data["trading_mode"] != database.ModePaper {
		t.Fatalf("default trading_mode = %v", data["trading_mode"])
	}
	risk, _ := data["risk_limits"].(map[string]any)
	if risk["max_leverage"] != float64(10) {
		t.Fatalf("default risk not applied: %v", risk)
	}
	if data["is_running"] != false {
		t.Fatalf("is_running = %v", data["is_running"])
	}

	code, payload = f.do(t, http.MethodGet, "/api/bots/1", "", nil)
	if code != http.StatusOK || dataMap(t, payload)["name"] != "alpha" {
		t.Fatalf("get: code = %d payload = %v", code, payload)
	}

	code, payload = f.do(t, http.MethodGet, "/api/bots", "", nil)
	if code != http.StatusOK || len(dataList(t, payload)) != 1 {
		t.Fatalf("list: code = %d payload = %v", code, payload)
	}

	code, payload = f.do(t, http.MethodPut, "/api/bots/1", "", map[string]any{
		"name": "alpha-live", "exchange_id": 1, "workflow_id": 1, "trading_mode": "live",
	})
	if code != http.StatusOK || dataMap(t, payload)["name"] != "alpha-live" {
		t.Fatalf("update: code = %d payload = %v", code, payload)
	}

	code, _ = f.do(t, http.MethodDelete, "/api/bots/1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("delete: code = %d", code)
	}
	if len(f.snaps.deleted) != 1 || f.snaps.deleted[0] != 1 {
		t.Fatalf("status snapshot not deleted: %v", f.snaps.deleted)
	}
	if code, _ := f.do(t, http.MethodGet, "/api/bots/1", "", nil); code != http.StatusNotFound {
		t.Fatalf("get after delete: code = %d", code)
	}
}

func TestBotValidation(t *testing.T) {
	f := newFixture(t, nil)

	cases := []map[string]any{
		{"exchange_id": 1, "workflow_id": 1},                              // no name
		{"name": "a", "workflow_id": 1},                                   // no exchange
		{"name": "a", "exchange_id": 1},                                   // no workflow
		{"name": "a", "exchange_id": 1, "workflow_id": 1, "trading_mode": "yolo"},
		{"name": "a", "exchange_id": 1, "workflow_id": 1, "cycle_interval_seconds": -5},
		{"name": "a", "exchange_id": 1, "workflow_id": 1,
			"quant_weights": map[string]float64{"trend": 0.5, "momentum": 0.2, "volume": 0.2, "sentiment": 0.2}},
	}
	for i, body := range cases {
		if code, _ := f.do(t, http.MethodPost, "/api/bots", "", body); code != http.StatusBadRequest {
			t.Fatalf("case %d: code = %d, want 400", i, code)
		}
	}

	if code, _ := f.do(t, http.MethodGet, "/api/bots/abc", "", nil); code != http.StatusBadRequest {
		t.Fatal("non-numeric id accepted")
	}
}

func TestBotLifecycleIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	id := seedBot(t, f)

	code, payload := f.do(t, http.MethodPost, "/api/bots/1/start", "", nil)
	if code != http.StatusOK {
		t.Fatalf("start: code = %d payload = %v", code, payload)
	}
	if !f.ctrl.Running(id) {
		t.Fatal("controller did not start the bot")
	}

	// Starting a running bot stays a success.
	code, payload = f.do(t, http.MethodPost, "/api/bots/1/start", "", nil)
	if code != http.StatusOK {
		t.Fatalf("second start: code = %d payload = %v", code, payload)
	}
	if msg, _ := dataMap(t, payload)["message"].(string); !strings.Contains(msg, "already running") {
		t.Fatalf("second start message = %q", msg)
	}

	code, _ = f.do(t, http.MethodPost, "/api/bots/1/stop", "", nil)
	if code != http.StatusOK {
		t.Fatalf("stop: code = %d", code)
	}
	if f.ctrl.Running(id) {
		t.Fatal("controller did not stop the bot")
	}

	// Stopping a stopped bot stays a success.
	code, payload = f.do(t, http.MethodPost, "/api/bots/1/stop", "", nil)
	if code != http.StatusOK {
		t.Fatalf("second stop: code = %d payload = %v", code, payload)
	}

	code, _ = f.do(t, http.MethodPost, "/api/bots/1/restart", "", nil)
	if code != http.StatusOK || !f.ctrl.Running(id) {
		t.Fatalf("restart: code = %d running = %v", code, f.ctrl.Running(id))
	}

	// A start that fails on a missing row surfaces as 404.
	f.ctrl.mu.Lock()
	f.ctrl.startErr[99] = errkind.Wrapf(errkind.Configuration, database.ErrNotFound, "bot 99")
	f.ctrl.mu.Unlock()
	if code, _ := f.do(t, http.MethodPost, "/api/bots/99/start", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing bot start: code = %d", code)
	}

	// Deleting a running bot is refused.
	if code, _ := f.do(t, http.MethodDelete, "/api/bots/1", "", nil); code != http.StatusConflict {
		t.Fatal("running bot was deletable")
	}
}

func TestBotStatusEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	b := &database.Bot{
		Name: "alpha", ExchangeID: 1, WorkflowID: 1,
		InitialBalance: 2500, Symbols: []string{"BTC/USDT"},
	}
	if err := f.store.CreateBot(context.Background(), b); err != nil {
		t.Fatal(err)
	}

	// Never ran: a synthesized stopped snapshot, not a 404.
	code, payload := f.do(t, http.MethodGet, "/api/bots/1/status", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d payload = %v", code, payload)
	}
	data := dataMap(t, payload)
	if data["state"] != status.StateStopped || data["initial_balance"] != float64(2500) {
		t.Fatalf("synthesized snapshot = %v", data)
	}

	f.ctrl.mu.Lock()
	f.ctrl.statuses[1] = &status.BotStatus{BotID: 1, State: status.StateRunning, CurrentCycle: 7}
	f.ctrl.running[1] = true
	f.ctrl.mu.Unlock()

	code, payload = f.do(t, http.MethodGet, "/api/bots/1/status", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	data = dataMap(t, payload)
	if data["current_cycle"] != float64(7) || data["is_running"] != true {
		t.Fatalf("live snapshot = %v", data)
	}

	if code, _ := f.do(t, http.MethodGet, "/api/bots/99/status", "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown bot: code = %d", code)
	}
}

func TestPositionsMarkPriceFallback(t *testing.T) {
	f := newFixture(t, nil)
	seedBot(t, f)

	// Not running: live reads conflict instead of serving stale data.
	if code, _ := f.do(t, http.MethodGet, "/api/bots/1/positions", "", nil); code != http.StatusConflict {
		t.Fatal("positions served for a stopped bot")
	}

	f.ctrl.mu.Lock()
	f.ctrl.running[1] = true
	f.ctrl.positions[1] = []exchange.Position{
		{Symbol: "BTC/USDT", Side: exchange.PositionLong, Contracts: 0.5, EntryPrice: 50000, MarkPrice: 0},
		{Symbol: "ETH/USDT", Side: exchange.PositionShort, Contracts: 2, EntryPrice: 3000, MarkPrice: 2900, UnrealizedPnL: 200},
	}
	f.ctrl.tickers["BTC/USDT"] = 60000
	f.ctrl.mu.Unlock()

	code, payload := f.do(t, http.MethodGet, "/api/bots/1/positions", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d payload = %v", code, payload)
	}
	list := dataList(t, payload)
	if len(list) != 2 {
		t.Fatalf("positions = %v", list)
	}
	first := list[0].(map[string]any)
	if first["mark_price"] != float64(60000) {
		t.Fatalf("mark price fallback = %v", first["mark_price"])
	}
	if first["unrealized_pnl"] != float64(5000) {
		t.Fatalf("recomputed pnl = %v", first["unrealized_pnl"])
	}
	second := list[1].(map[string]any)
	if second["mark_price"] != float64(2900) || second["unrealized_pnl"] != float64(200) {
		t.Fatalf("venue-priced row was touched: %v", second)
	}
}

func TestBalanceEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	seedBot(t, f)

	if code, _ := f.do(t, http.MethodGet, "/api/bots/1/balance", "", nil); code != http.StatusConflict {
		t.Fatal("balance served for a stopped bot")
	}

	f.ctrl.mu.Lock()
	f.ctrl.running[1] = true
	f.ctrl.balances[1] = &exchange.Balance{Asset: "USDT", Total: 1234.5, Free: 1000, Used: 234.5}
	f.ctrl.mu.Unlock()

	code, payload := f.do(t, http.MethodGet, "/api/bots/1/balance", "", nil)
	if code != http.StatusOK || dataMap(t, payload)["total"] != float64(1234.5) {
		t.Fatalf("code = %d payload = %v", code, payload)
	}
}

func TestDebateEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	seedBot(t, f)

	// No cycle has run: null payload, still a success.
	code, payload := f.do(t, http.MethodGet, "/api/bots/1/debate", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if payload["data"] != nil {
		t.Fatalf("data = %v, want null", payload["data"])
	}

	f.ctrl.mu.Lock()
	f.ctrl.statuses[1] = &status.BotStatus{
		BotID:  1,
		State:  status.StateRunning,
		Debate: &debate.Result{Summary: "flat book, no entries"},
	}
	f.ctrl.mu.Unlock()

	code, payload = f.do(t, http.MethodGet, "/api/bots/1/debate", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if dataMap(t, payload)["debate_summary"] != "flat book, no entries" {
		t.Fatalf("debate = %v", payload["data"])
	}

	if code, _ := f.do(t, http.MethodGet, "/api/bots/99/debate", "", nil); code != http.StatusNotFound {
		t.Fatal("debate for unknown bot did not 404")
	}
}

func TestLogsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	path := filepath.Join(f.logDir, "bot_7.log")
	if err := os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	code, payload := f.do(t, http.MethodGet, "/api/bots/7/logs?lines=2", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	lines, _ := dataMap(t, payload)["lines"].([]any)
	if len(lines) != 2 || lines[0] != "two" || lines[1] != "three" {
		t.Fatalf("lines = %v", lines)
	}

	// No log file yet: empty list, not an error.
	code, payload = f.do(t, http.MethodGet, "/api/bots/8/logs", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if lines, _ := dataMap(t, payload)["lines"].([]any); len(lines) != 0 {
		t.Fatalf("lines = %v", lines)
	}
}

func TestTradesEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	seedBot(t, f)

	pnl := 42.5
	f.store.mu.Lock()
	f.store.open[1] = []*database.Trade{{ID: 1, BotID: 1, Symbol: "BTC/USDT", Side: database.SideLong, Status: database.TradeOpen}}
	f.store.closed[1] = []*database.Trade{{ID: 2, BotID: 1, Symbol: "ETH/USDT", Side: database.SideShort, Status: database.TradeClosed, PnL: &pnl}}
	f.store.mu.Unlock()

	code, payload := f.do(t, http.MethodGet, "/api/bots/1/trades", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	data := dataMap(t, payload)
	open, _ := data["open"].([]any)
	closed, _ := data["closed"].([]any)
	if len(open) != 1 || len(closed) != 1 {
		t.Fatalf("open = %v closed = %v", open, closed)
	}
}

func TestStreamsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	seedBot(t, f)

	if code, _ := f.do(t, http.MethodGet, "/api/bots/1/streams", "", nil); code != http.StatusConflict {
		t.Fatal("streams served for a stopped bot")
	}

	f.ctrl.mu.Lock()
	f.ctrl.running[1] = true
	f.ctrl.stats[1] = market.Stats{Active: 3, Failed: 1}
	f.ctrl.mu.Unlock()

	code, payload := f.do(t, http.MethodGet, "/api/bots/1/streams", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	data := dataMap(t, payload)
	if data["active"] != float64(3) || data["failed"] != float64(1) {
		t.Fatalf("stats = %v", data)
	}
}

func TestWorkflowGraphEdit(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodPost, "/api/workflows", "", map[string]string{"name": "default"})
	if code != http.StatusOK {
		t.Fatalf("create workflow: code = %d", code)
	}

	graph := map[string]any{
		"nodes": []map[string]any{
			{"name": "probe", "plugin_name": "probe", "execution_order": 1, "enabled": true},
		},
		"edges": []map[string]any{},
	}
	code, _ = f.do(t, http.MethodPut, "/api/workflows/1/graph", "", graph)
	if code != http.StatusOK {
		t.Fatalf("replace graph: code = %d", code)
	}
	if !f.store.lastReplaceUserEdit {
		t.Fatal("graph edit did not mark the workflow user-edited")
	}

	code, payload = f.do(t, http.MethodGet, "/api/workflows/1", "", nil)
	if code != http.StatusOK {
		t.Fatalf("get workflow: code = %d", code)
	}
	data := dataMap(t, payload)
	wf, _ := data["workflow"].(map[string]any)
	if wf["user_edited"] != true {
		t.Fatalf("workflow = %v", wf)
	}
	nodes, _ := data["nodes"].([]any)
	if len(nodes) != 1 {
		t.Fatalf("nodes = %v", nodes)
	}

	// Unknown plugin names are rejected before touching the store.
	badPlugin := map[string]any{
		"nodes": []map[string]any{{"name": "x", "plugin_name": "nope", "execution_order": 1}},
	}
	if code, _ := f.do(t, http.MethodPut, "/api/workflows/1/graph", "", badPlugin); code != http.StatusBadRequest {
		t.Fatal("unknown plugin accepted")
	}

	// Cycles are rejected.
	cyclic := map[string]any{
		"nodes": []map[string]any{
			{"name": "a", "plugin_name": "probe", "execution_order": 1},
			{"name": "b", "plugin_name": "probe", "execution_order": 2},
		},
		"edges": []map[string]any{
			{"source": "a", "target": "b"},
			{"source": "b", "target": "a"},
		},
	}
	code, payload = f.do(t, http.MethodPut, "/api/workflows/1/graph", "", cyclic)
	if code != http.StatusBadRequest {
		t.Fatalf("cyclic graph: code = %d", code)
	}
	if msg, _ := payload["message"].(string); !strings.Contains(msg, "cycle") {
		t.Fatalf("message = %q", msg)
	}

	if code, _ := f.do(t, http.MethodPut, "/api/workflows/99/graph", "", graph); code != http.StatusNotFound {
		t.Fatal("graph edit on unknown workflow did not 404")
	}
}

func TestPluginCatalog(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodGet, "/api/plugins", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	list := dataList(t, payload)
	if len(list) != 1 {
		t.Fatalf("plugins = %v", list)
	}
	meta := list[0].(map[string]any)
	if meta["name"] != "probe" || meta["category"] != pipeline.CategoryAnalysis {
		t.Fatalf("metadata = %v", meta)
	}
}

func TestExchangeSecretsNeverLeave(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodPost, "/api/exchanges", "", map[string]any{
		"name": "main", "venue": "Binance",
		"api_key": "abcdef123456", "api_secret": "s3cret-value",
	})
	if code != http.StatusOK {
		t.Fatalf("create: code = %d payload = %v", code, payload)
	}
	data := dataMap(t, payload)
	if data["venue"] != "binance" {
		t.Fatalf("venue not normalized: %v", data["venue"])
	}
	if data["api_key_masked"] != "****3456" || data["has_credentials"] != true {
		t.Fatalf("mask = %v", data)
	}

	raw, _ := json.Marshal(payload)
	if strings.Contains(string(raw), "abcdef123456") || strings.Contains(string(raw), "s3cret-value") {
		t.Fatalf("credentials leaked into response: %s", raw)
	}

	// A round trip of the masked view must not wipe stored keys.
	code, _ = f.do(t, http.MethodPut, "/api/exchanges/1", "", map[string]any{
		"name": "main", "venue": "binance", "testnet": true,
	})
	if code != http.StatusOK {
		t.Fatalf("update: code = %d", code)
	}
	stored, err := f.store.GetExchange(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if stored.APIKey != "abcdef123456" || stored.APISecret != "s3cret-value" {
		t.Fatalf("credentials lost on update: %+v", stored)
	}
	if !stored.Testnet {
		t.Fatal("update did not apply")
	}

	// Supplying a new key replaces it.
	code, _ = f.do(t, http.MethodPut, "/api/exchanges/1", "", map[string]any{
		"name": "main", "venue": "binance", "api_key": "fresh-key-9999",
	})
	if code != http.StatusOK {
		t.Fatalf("rekey: code = %d", code)
	}
	stored, _ = f.store.GetExchange(context.Background(), 1)
	if stored.APIKey != "fresh-key-9999" {
		t.Fatalf("rekey did not apply: %+v", stored)
	}

	if code, _ := f.do(t, http.MethodDelete, "/api/exchanges/1", "", nil); code != http.StatusOK {
		t.Fatal("delete failed")
	}
	if code, _ := f.do(t, http.MethodGet, "/api/exchanges/1", "", nil); code != http.StatusNotFound {
		t.Fatal("exchange survived delete")
	}
}

func TestLLMConfigEditsResetAdapters(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodPost, "/api/llm-configs", "", map[string]any{
		"name": "default", "provider": "OpenAI", "model_name": "gpt-4o", "api_key": "sk-secret-abcd",
	})
	if code != http.StatusOK {
		t.Fatalf("create: code = %d payload = %v", code, payload)
	}
	if f.llm.count() != 1 {
		t.Fatalf("resets after create = %d", f.llm.count())
	}
	data := dataMap(t, payload)
	if data["provider"] != "openai" || data["api_key_masked"] != "****abcd" {
		t.Fatalf("view = %v", data)
	}
	raw, _ := json.Marshal(payload)
	if strings.Contains(string(raw), "sk-secret-abcd") {
		t.Fatalf("api key leaked: %s", raw)
	}

	code, _ = f.do(t, http.MethodPut, "/api/llm-configs/1", "", map[string]any{
		"name": "default", "provider": "openai", "model_name": "gpt-4o-mini",
	})
	if code != http.StatusOK || f.llm.count() != 2 {
		t.Fatalf("update: code = %d resets = %d", code, f.llm.count())
	}
	stored, _ := f.store.GetLLMConfig(context.Background(), 1)
	if stored.APIKey != "sk-secret-abcd" || stored.ModelName != "gpt-4o-mini" {
		t.Fatalf("update mangled row: %+v", stored)
	}

	code, _ = f.do(t, http.MethodDelete, "/api/llm-configs/1", "", nil)
	if code != http.StatusOK || f.llm.count() != 3 {
		t.Fatalf("delete: code = %d resets = %d", code, f.llm.count())
	}
}

func TestSystemConfigs(t *testing.T) {
	f := newFixture(t, nil)
	f.settings.values["scheduler.default_interval"] = "180"
	f.settings.values["market.ttl.ticker"] = "5"

	code, payload := f.do(t, http.MethodGet, "/api/system-configs?prefix=scheduler.", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	data := dataMap(t, payload)
	if len(data) != 1 || data["scheduler.default_interval"] != "180" {
		t.Fatalf("configs = %v", data)
	}

	code, _ = f.do(t, http.MethodPut, "/api/system-configs/scheduler.default_interval", "", map[string]string{
		"value": "240", "value_type": database.TypeInteger,
	})
	if code != http.StatusOK {
		t.Fatalf("set: code = %d", code)
	}
	if f.settings.values["scheduler.default_interval"] != "240" {
		t.Fatalf("value not stored: %v", f.settings.values)
	}
	if f.settings.types["scheduler.default_interval"] != database.TypeInteger {
		t.Fatalf("type not stored: %v", f.settings.types)
	}

	code, _ = f.do(t, http.MethodPut, "/api/system-configs/x", "", map[string]string{
		"value": "1", "value_type": "decimal",
	})
	if code != http.StatusBadRequest {
		t.Fatalf("bad value_type: code = %d", code)
	}
}

func TestLimitsEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	code, payload := f.do(t, http.MethodGet, "/api/limits", "", nil)
	if code != http.StatusOK || len(dataList(t, payload)) != 0 {
		t.Fatalf("empty registry: code = %d payload = %v", code, payload)
	}

	f.srv.svc.Limits.For("binance", 60, 4)

	code, payload = f.do(t, http.MethodGet, "/api/limits", "", nil)
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	list := dataList(t, payload)
	if len(list) != 1 {
		t.Fatalf("snapshots = %v", list)
	}
	snap := list[0].(map[string]any)
	if snap["venue"] != "binance" {
		t.Fatalf("snapshot = %v", snap)
	}
}
