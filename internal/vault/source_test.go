package vault

import (
	"context"
	"testing"

	"github.com/stratoforge/quantra/config"
)

func TestDisabledSourceReturnsNothing(t *testing.T) {
	s, err := New(config.VaultConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.Enabled() {
		t.Error("Enabled = true for disabled config")
	}

	key, secret, err := s.ExchangeCredentials(context.Background(), "binance-main")
	if err != nil {
		t.Fatalf("ExchangeCredentials: %v", err)
	}
	if key != "" || secret != "" {
		t.Errorf("got key=%q secret=%q, want empty", key, secret)
	}

	if err := s.Health(context.Background()); err != nil {
		t.Errorf("Health on disabled source: %v", err)
	}
}

func TestSecretPath(t *testing.T) {
	s := &Source{cfg: config.VaultConfig{
		MountPath:  "secret",
		SecretPath: "quantra/exchanges",
	}}
	got := s.secretPath("binance-main")
	want := "secret/data/quantra/exchanges/binance-main"
	if got != want {
		t.Errorf("secretPath = %q, want %q", got, want)
	}
}

func TestGetString(t *testing.T) {
	data := map[string]interface{}{
		"api_key": "k1",
		"number":  42,
	}
	if got := getString(data, "api_key"); got != "k1" {
		t.Errorf("api_key = %q", got)
	}
	if got := getString(data, "number"); got != "" {
		t.Errorf("non-string value = %q, want empty", got)
	}
	if got := getString(data, "missing"); got != "" {
		t.Errorf("missing key = %q, want empty", got)
	}
}
