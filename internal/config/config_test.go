package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://api.example.test")
	t.Setenv("WALLET_PRIVATE_KEY", "0x01")

	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.DefaultID != 8192 {
		t.Errorf("default chain: got %d want 8192", cfg.Chain.DefaultID)
	}
	if cfg.Retry.MaxRetries != 3 || cfg.Retry.Initial != time.Second || cfg.Retry.Max != 4*time.Second {
		t.Errorf("retry defaults: got %+v", cfg.Retry)
	}
	if cfg.Airdrop.PollInterval != 10*time.Second || cfg.Airdrop.Timeout != 20*time.Minute {
		t.Errorf("airdrop defaults: got %+v", cfg.Airdrop)
	}
	if cfg.Inference.URL != "https://api.example.test/v1" {
		t.Errorf("inference url: got %q", cfg.Inference.URL)
	}
	if cfg.Session.Store != StoreFile {
		t.Errorf("session store: got %q", cfg.Session.Store)
	}
}

func TestLoad_MissingBackend(t *testing.T) {
	t.Setenv("BACKEND_URL", "")
	t.Setenv("WALLET_PRIVATE_KEY", "0x01")

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("expected error when BACKEND_URL is missing")
	}
}

func TestLoad_WalletKindRequirements(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://api.example.test")
	t.Setenv("WALLET_KIND", WalletInjected)
	t.Setenv("WALLET_PROVIDER_URL", "")

	_, err := Load(t.TempDir())
	if err == nil || err.Error() != "required config missing: WALLET_PROVIDER_URL" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
backend:
  url: https://file.example.test
wallet:
  kind: keystore
  keystore_dir: /tmp/ks
session:
  store: redis
  redis_addr: localhost:6379
retry:
  max_retries: 5
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BACKEND_URL", "")

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.URL != "https://file.example.test" {
		t.Errorf("backend url: got %q", cfg.Backend.URL)
	}
	if cfg.Wallet.Kind != WalletKeystore || cfg.Session.RedisAddr != "localhost:6379" {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("max_retries: got %d want 5", cfg.Retry.MaxRetries)
	}
}
