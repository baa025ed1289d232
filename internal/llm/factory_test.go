package llm

import (
	"context"
	"testing"

	"github.com/stratoforge/quantra/internal/database"
	"github.com/stratoforge/quantra/internal/errkind"
)

type fakeSource struct {
	rows      map[int64]*database.LLMConfig
	defaultID int64
	gets      int
}

func (f *fakeSource) GetLLMConfig(ctx context.Context, id int64) (*database.LLMConfig, error) {
	f.gets++
	cfg, ok := f.rows[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cfg, nil
}

func (f *fakeSource) DefaultLLMConfig(ctx context.Context) (*database.LLMConfig, error) {
	cfg, ok := f.rows[f.defaultID]
	if !ok {
		return nil, database.ErrNotFound
	}
	return cfg, nil
}

func llmRow(id int64, name string) *database.LLMConfig {
	return &database.LLMConfig{
		ID:        id,
		Name:      name,
		Provider:  ProviderOpenAI,
		APIKey:    "sk-test",
		ModelName: "test-model",
	}
}

func newFactoryFixture() (*Factory, *fakeSource) {
	src := &fakeSource{
		rows: map[int64]*database.LLMConfig{
			1: llmRow(1, "bot-llm"),
			2: llmRow(2, "analyst-llm"),
			3: llmRow(3, "default-llm"),
		},
		defaultID: 3,
	}
	return NewFactory(src), src
}

func TestFactoryCachesAdapters(t *testing.T) {
	f, src := newFactoryFixture()

	first, err := f.ByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	second, err := f.ByID(context.Background(), 1)
	if err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if first != second {
		t.Error("expected the same adapter instance")
	}
	if src.gets != 1 {
		t.Errorf("source hit %d times, want 1", src.gets)
	}
}

func TestFactoryByIDMissing(t *testing.T) {
	f, _ := newFactoryFixture()
	_, err := f.ByID(context.Background(), 99)
	if !errkind.IsConfiguration(err) {
		t.Fatalf("err = %v, want configuration", err)
	}
}

func TestFactoryDefault(t *testing.T) {
	f, _ := newFactoryFixture()
	cl, err := f.Default(context.Background())
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	if cl.Name() != "default-llm" {
		t.Errorf("Name = %q, want default-llm", cl.Name())
	}
}

func TestForBotPrefersAssignedConfig(t *testing.T) {
	f, _ := newFactoryFixture()
	id := int64(1)

	cl, err := f.ForBot(context.Background(), &database.Bot{LLMID: &id})
	if err != nil {
		t.Fatalf("ForBot: %v", err)
	}
	if cl.Name() != "bot-llm" {
		t.Errorf("Name = %q, want bot-llm", cl.Name())
	}

	cl, err = f.ForBot(context.Background(), &database.Bot{})
	if err != nil {
		t.Fatalf("ForBot: %v", err)
	}
	if cl.Name() != "default-llm" {
		t.Errorf("Name = %q, want default-llm", cl.Name())
	}
}

func TestForRoleBuildsFallbackChain(t *testing.T) {
	f, _ := newFactoryFixture()
	botID := int64(1)
	bot := &database.Bot{
		LLMID:      &botID,
		RoleLLMIDs: map[string]int64{"analyst": 2},
	}

	cl, err := f.ForRole(context.Background(), bot, "analyst")
	if err != nil {
		t.Fatalf("ForRole: %v", err)
	}
	if _, ok := cl.(*Chain); !ok {
		t.Fatalf("expected a chain, got %T", cl)
	}
	if cl.Name() != "analyst-llm(+2 fallbacks)" {
		t.Errorf("Name = %q", cl.Name())
	}

	// Unrouted roles fall through to the bot adapter then the default.
	cl, err = f.ForRole(context.Background(), bot, "bull")
	if err != nil {
		t.Fatalf("ForRole: %v", err)
	}
	if cl.Name() != "bot-llm(+1 fallbacks)" {
		t.Errorf("Name = %q", cl.Name())
	}
}

func TestForRoleCollapsesDuplicates(t *testing.T) {
	f, _ := newFactoryFixture()
	botID := int64(3)
	bot := &database.Bot{
		LLMID:      &botID,
		RoleLLMIDs: map[string]int64{"analyst": 3},
	}

	cl, err := f.ForRole(context.Background(), bot, "analyst")
	if err != nil {
		t.Fatalf("ForRole: %v", err)
	}
	if _, ok := cl.(*Chain); ok {
		t.Fatal("expected a single adapter, got a chain")
	}
	if cl.Name() != "default-llm" {
		t.Errorf("Name = %q", cl.Name())
	}
}

func TestForRoleSkipsBrokenConfig(t *testing.T) {
	f, src := newFactoryFixture()
	src.rows[2].ModelName = ""
	botID := int64(1)
	bot := &database.Bot{
		LLMID:      &botID,
		RoleLLMIDs: map[string]int64{"analyst": 2},
	}

	cl, err := f.ForRole(context.Background(), bot, "analyst")
	if err != nil {
		t.Fatalf("ForRole: %v", err)
	}
	if cl.Name() != "bot-llm(+1 fallbacks)" {
		t.Errorf("Name = %q, want chain without the broken config", cl.Name())
	}
}

func TestForRoleWithoutBot(t *testing.T) {
	f, _ := newFactoryFixture()
	cl, err := f.ForRole(context.Background(), nil, "analyst")
	if err != nil {
		t.Fatalf("ForRole: %v", err)
	}
	if cl.Name() != "default-llm" {
		t.Errorf("Name = %q", cl.Name())
	}
}

func TestFactoryReset(t *testing.T) {
	f, src := newFactoryFixture()

	if _, err := f.ByID(context.Background(), 1); err != nil {
		t.Fatalf("ByID: %v", err)
	}
	f.Reset()
	if _, err := f.ByID(context.Background(), 1); err != nil {
		t.Fatalf("ByID: %v", err)
	}
	if src.gets != 2 {
		t.Errorf("source hit %d times after reset, want 2", src.gets)
	}
}
