package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":        {"deepgram", "assemblyai"},
	"llm":        {"openai", "anthropic", "grok", "gemini"},
	"tts":        {"elevenlabs"},
	"embeddings": {"openai"},
}

// Defaults applied by [Validate] when fields are left zero.
const (
	DefaultMaxCallDuration = 25 * time.Minute
	DefaultStoreTTL        = time.Hour
)

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific fields from the environment so the
// same config file can ship across environments with secrets injected at
// runtime.
func applyEnv(cfg *Config) {
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Server.BackendURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("VAULT_MASTER_KEY"); v != "" {
		cfg.Vault.MasterKey = v
	}
	if v := os.Getenv("TELNYX_API_KEY"); v != "" {
		cfg.Telephony.APIKey = v
	}
}

// Validate checks that cfg contains a coherent set of values and fills in
// defaults. It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.BackendURL == "" {
		errs = append(errs, errors.New("server.backend_url is required; the carrier must be able to fetch playback audio"))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Telephony.APIKey == "" {
		errs = append(errs, errors.New("telephony.api_key is required"))
	}
	if cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required; agents and API keys live in Postgres"))
	}
	if cfg.Store.RedisURL == "" {
		slog.Warn("store.redis_url is empty; falling back to in-process session store, multi-worker safety is lost")
	}
	if cfg.Vault.MasterKey == "" {
		slog.Warn("vault.master_key is empty; per-user provider keys cannot be decrypted, only plaintext prefix keys will work")
	}

	if cfg.Session.MaxCallDuration < 0 {
		errs = append(errs, fmt.Errorf("session.max_call_duration %s must not be negative", cfg.Session.MaxCallDuration))
	} else if cfg.Session.MaxCallDuration == 0 {
		cfg.Session.MaxCallDuration = DefaultMaxCallDuration
	}
	if cfg.Session.StoreTTL < 0 {
		errs = append(errs, fmt.Errorf("session.store_ttl %s must not be negative", cfg.Session.StoreTTL))
	} else if cfg.Session.StoreTTL == 0 {
		cfg.Session.StoreTTL = DefaultStoreTTL
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
