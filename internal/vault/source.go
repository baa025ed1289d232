// Package vault resolves exchange API credentials from HashiCorp Vault.
// When Vault is not configured the source degrades to a no-op and callers
// fall back to the credentials stored on the exchanges table.
package vault

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/vault/api"

	"github.com/stratoforge/quantra/config"
)

// credential is one exchange's key pair as stored under the KV v2 mount.
type credential struct {
	APIKey    string
	APISecret string
}

// Source reads exchange credentials from a KV v2 secret engine. Secrets live
// at {mount}/data/{secret_path}/{exchange_name} with fields api_key and
// api_secret.
type Source struct {
	client *api.Client
	cfg    config.VaultConfig

	mu    sync.RWMutex
	cache map[string]credential
}

// New builds a credential source. A disabled config yields a working Source
// whose lookups report nothing found.
func New(cfg config.VaultConfig) (*Source, error) {
	s := &Source{cfg: cfg, cache: make(map[string]credential)}
	if !cfg.Enabled {
		return s, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	s.client = client
	return s, nil
}

// Enabled reports whether lookups actually reach Vault.
func (s *Source) Enabled() bool { return s.cfg.Enabled }

// ExchangeCredentials returns the key pair stored for the named exchange.
// Empty strings with a nil error mean nothing is stored and the caller
// should use the table credentials.
func (s *Source) ExchangeCredentials(ctx context.Context, name string) (string, string, error) {
	if !s.cfg.Enabled {
		return "", "", nil
	}

	s.mu.RLock()
	if c, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return c.APIKey, c.APISecret, nil
	}
	s.mu.RUnlock()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(name))
	if err != nil {
		return "", "", fmt.Errorf("read vault secret for %s: %w", name, err)
	}
	if secret == nil || secret.Data == nil {
		return "", "", nil
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", "", fmt.Errorf("vault secret for %s is not KV v2 shaped", name)
	}

	c := credential{
		APIKey:    getString(data, "api_key"),
		APISecret: getString(data, "api_secret"),
	}
	if c.APIKey != "" {
		s.mu.Lock()
		s.cache[name] = c
		s.mu.Unlock()
	}
	return c.APIKey, c.APISecret, nil
}

// Invalidate drops the cached credential for an exchange, forcing the next
// lookup back to Vault. Used after key rotation.
func (s *Source) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// Health checks the Vault connection. Disabled sources are always healthy.
func (s *Source) Health(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	health, err := s.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func (s *Source) secretPath(name string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.cfg.MountPath, s.cfg.SecretPath, name)
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}
