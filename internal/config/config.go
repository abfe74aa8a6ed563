// Package config provides the configuration schema and loader for the
// Voxloop call server.
package config

import "time"

// LogLevel controls log verbosity for the Voxloop server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxloop.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Telephony TelephonyConfig `yaml:"telephony"`
	Providers ProvidersConfig `yaml:"providers"`
	Store     StoreConfig     `yaml:"store"`
	Vault     VaultConfig     `yaml:"vault"`
	Session   SessionConfig   `yaml:"session"`
}

// ServerConfig holds network and logging settings for the Voxloop server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// BackendURL is the public base URL of this server, used to build audio
	// playback URLs the carrier fetches (e.g., "https://calls.example.com").
	BackendURL string `yaml:"backend_url"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// TelephonyConfig holds carrier API settings.
type TelephonyConfig struct {
	// APIKey authenticates against the carrier's call-control API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the carrier API endpoint. Leave empty for the
	// default.
	BaseURL string `yaml:"base_url"`

	// ConnectionID is the carrier connection used for outbound dials.
	ConnectionID string `yaml:"connection_id"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	STT        ProviderEntry `yaml:"stt"`
	LLM        ProviderEntry `yaml:"llm"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. API keys configured here act as server-wide defaults; per-user keys
// from the vault take precedence.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram",
	// "elevenlabs", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "nova-3").
	Model string `yaml:"model"`
}

// StoreConfig holds settings for the cross-worker session store and the
// knowledge-base database.
type StoreConfig struct {
	// RedisURL is the Redis connection URL for session state shared between
	// workers. Example: "redis://localhost:6379/0". When empty the server
	// falls back to a process-local store and multi-worker safety is lost.
	RedisURL string `yaml:"redis_url"`

	// PostgresDSN is the PostgreSQL connection string for agents, API keys,
	// and the pgvector knowledge base.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// VaultConfig holds key-vault decryption settings.
type VaultConfig struct {
	// MasterKey is the hex-encoded AES-256 key used to decrypt stored
	// provider API keys.
	MasterKey string `yaml:"master_key"`
}

// SessionConfig holds per-call lifecycle settings.
type SessionConfig struct {
	// MaxCallDuration hard-caps call length. Zero means the 25 minute
	// default.
	MaxCallDuration time.Duration `yaml:"max_call_duration"`

	// StoreTTL is how long session records persist in the store after the
	// last write. Zero means the 1 hour default.
	StoreTTL time.Duration `yaml:"store_ttl"`
}
