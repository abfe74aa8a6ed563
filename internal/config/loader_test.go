package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9090"
  backend_url: "https://calls.example.com"
  log_level: debug
telephony:
  api_key: "KEY123"
  connection_id: "conn-1"
providers:
  stt:
    name: deepgram
    model: nova-3
  llm:
    name: openai
    model: gpt-4o
  tts:
    name: elevenlabs
  embeddings:
    name: openai
store:
  redis_url: "redis://localhost:6379/0"
  postgres_dsn: "postgres://u:p@localhost:5432/voxloop"
vault:
  master_key: "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
session:
  max_call_duration: 20m
  store_ttl: 2h
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("expected listen_addr ':9090', got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.BackendURL != "https://calls.example.com" {
		t.Errorf("unexpected backend_url %q", cfg.Server.BackendURL)
	}
	if cfg.Providers.STT.Model != "nova-3" {
		t.Errorf("unexpected stt model %q", cfg.Providers.STT.Model)
	}
	if cfg.Session.MaxCallDuration != 20*time.Minute {
		t.Errorf("expected 20m max call duration, got %s", cfg.Session.MaxCallDuration)
	}
	if cfg.Session.StoreTTL != 2*time.Hour {
		t.Errorf("expected 2h store ttl, got %s", cfg.Session.StoreTTL)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	yaml := `
server:
  backend_url: "https://calls.example.com"
telephony:
  api_key: "KEY"
store:
  postgres_dsn: "postgres://u:p@localhost/voxloop"
`
	cfg, err := LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr, got %q", cfg.Server.ListenAddr)
	}
	if cfg.Session.MaxCallDuration != DefaultMaxCallDuration {
		t.Errorf("expected default max call duration, got %s", cfg.Session.MaxCallDuration)
	}
	if cfg.Session.StoreTTL != DefaultStoreTTL {
		t.Errorf("expected default store ttl, got %s", cfg.Session.StoreTTL)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	yaml := `
server:
  backend_url: "https://x"
  bogus_field: true
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_InvalidLogLevel(t *testing.T) {
	yaml := `
server:
  backend_url: "https://x"
  log_level: verbose
telephony:
  api_key: "KEY"
store:
  postgres_dsn: "dsn"
`
	_, err := LoadFromReader(strings.NewReader(yaml))
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level error, got: %v", err)
	}
}

func TestValidate_MissingRequired(t *testing.T) {
	cfg := &Config{}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation errors for empty config")
	}
	for _, want := range []string{"backend_url", "telephony.api_key", "postgres_dsn"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected error mentioning %q, got: %v", want, err)
		}
	}
}

func TestValidate_NegativeDurations(t *testing.T) {
	cfg := &Config{
		Server:    ServerConfig{BackendURL: "https://x"},
		Telephony: TelephonyConfig{APIKey: "k"},
		Store:     StoreConfig{PostgresDSN: "dsn"},
		Session:   SessionConfig{MaxCallDuration: -time.Minute},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "max_call_duration") {
		t.Fatalf("expected max_call_duration error, got: %v", err)
	}
}

func TestValidate_TLSRequiresBothFiles(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			BackendURL: "https://x",
			TLS:        &TLSConfig{CertFile: "cert.pem"},
		},
		Telephony: TelephonyConfig{APIKey: "k"},
		Store:     StoreConfig{PostgresDSN: "dsn"},
	}
	err := Validate(cfg)
	if err == nil || !strings.Contains(err.Error(), "tls") {
		t.Fatalf("expected tls error, got: %v", err)
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "https://env.example.com")
	t.Setenv("REDIS_URL", "redis://env:6379")
	t.Setenv("POSTGRES_DSN", "postgres://env")
	t.Setenv("VAULT_MASTER_KEY", "deadbeef")
	t.Setenv("TELNYX_API_KEY", "env-key")

	cfg := &Config{}
	applyEnv(cfg)

	if cfg.Server.BackendURL != "https://env.example.com" {
		t.Errorf("BACKEND_URL not applied, got %q", cfg.Server.BackendURL)
	}
	if cfg.Store.RedisURL != "redis://env:6379" {
		t.Errorf("REDIS_URL not applied, got %q", cfg.Store.RedisURL)
	}
	if cfg.Store.PostgresDSN != "postgres://env" {
		t.Errorf("POSTGRES_DSN not applied, got %q", cfg.Store.PostgresDSN)
	}
	if cfg.Vault.MasterKey != "deadbeef" {
		t.Errorf("VAULT_MASTER_KEY not applied, got %q", cfg.Vault.MasterKey)
	}
	if cfg.Telephony.APIKey != "env-key" {
		t.Errorf("TELNYX_API_KEY not applied, got %q", cfg.Telephony.APIKey)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	for _, l := range []LogLevel{LogDebug, LogInfo, LogWarn, LogError} {
		if !l.IsValid() {
			t.Errorf("expected %q to be valid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("expected 'trace' to be invalid")
	}
}
