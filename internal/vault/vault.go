// Package vault resolves per-user provider API keys.
//
// Keys live in the api_keys Postgres table, AES-256-GCM encrypted under a
// deployment master key. Lookup normalises provider aliases (a user who
// stored a key under "claude" can run an agent configured for "anthropic")
// and, when decryption is unavailable, falls back to recognising plaintext
// keys by their well-known prefixes.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the api_keys table.
const Schema = `
CREATE TABLE IF NOT EXISTS api_keys (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL,
    service    TEXT NOT NULL,
    ciphertext TEXT NOT NULL,
    is_active  BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_id, service)
);
CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
`

// DB is the database interface used by [Vault]. Both *pgxpool.Pool and
// *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MissingKeyError is returned when no key exists for a user and service.
// The session manager surfaces it as a configuration failure before the
// call is answered.
type MissingKeyError struct {
	UserID  string
	Service string
}

// Error implements the error interface.
func (e *MissingKeyError) Error() string {
	return fmt.Sprintf("vault: no %s key for user %s", e.Service, e.UserID)
}

// Vault reads and decrypts provider API keys.
type Vault struct {
	db        DB
	masterKey []byte
}

// New creates a Vault. masterKeyHex is the hex-encoded AES-256 key; it may
// be empty, in which case only plaintext prefix-recognisable keys resolve.
func New(db DB, masterKeyHex string) (*Vault, error) {
	v := &Vault{db: db}
	if masterKeyHex != "" {
		key, err := hex.DecodeString(masterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("vault: decode master key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("vault: master key must be 32 bytes, got %d", len(key))
		}
		v.masterKey = key
	}
	return v, nil
}

// Migrate executes the [Schema] DDL against the database.
func (v *Vault) Migrate(ctx context.Context) error {
	if _, err := v.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("vault: migrate: %w", err)
	}
	return nil
}

// GetKey returns the decrypted API key for userID and service. The service
// name is normalised through [CanonicalService] before lookup, so model
// names ("gpt-4o", "claude-3-5-sonnet") and vendor aliases ("x.ai") resolve
// to their canonical provider.
func (v *Vault) GetKey(ctx context.Context, userID, service string) (string, error) {
	canonical := CanonicalService(service)

	var ciphertext string
	err := v.db.QueryRow(ctx,
		`SELECT ciphertext FROM api_keys WHERE user_id = $1 AND service = $2 AND is_active`,
		userID, canonical,
	).Scan(&ciphertext)
	if errors.Is(err, pgx.ErrNoRows) {
		if key, ok := v.keyByPrefix(ctx, userID, canonical); ok {
			return key, nil
		}
		return "", &MissingKeyError{UserID: userID, Service: canonical}
	}
	if err != nil {
		return "", fmt.Errorf("vault: query key for %s/%s: %w", userID, canonical, err)
	}

	key, err := v.decrypt(ciphertext)
	if err != nil {
		// Rows written before encryption was enabled hold plaintext keys.
		// Accept them only when the prefix matches the expected service.
		if ServiceForKey(ciphertext) == canonical {
			return ciphertext, nil
		}
		return "", fmt.Errorf("vault: decrypt key for %s/%s: %w", userID, canonical, err)
	}
	return key, nil
}

// StoreKey encrypts and upserts an API key for userID and service.
func (v *Vault) StoreKey(ctx context.Context, id, userID, service, apiKey string) error {
	if v.masterKey == nil {
		return errors.New("vault: cannot store keys without a master key")
	}
	canonical := CanonicalService(service)
	ciphertext, err := v.encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("vault: encrypt key for %s/%s: %w", userID, canonical, err)
	}
	_, err = v.db.Exec(ctx,
		`INSERT INTO api_keys (id, user_id, service, ciphertext, is_active) VALUES ($1, $2, $3, $4, TRUE)
		 ON CONFLICT (user_id, service) DO UPDATE SET ciphertext = EXCLUDED.ciphertext, is_active = TRUE`,
		id, userID, canonical, ciphertext,
	)
	if err != nil {
		return fmt.Errorf("vault: store key for %s/%s: %w", userID, canonical, err)
	}
	return nil
}

// keyByPrefix scans the user's remaining active keys for one whose value
// carries the wanted provider's well-known prefix. Users sometimes store a
// key under a generic service name; the key itself still says which
// provider minted it.
func (v *Vault) keyByPrefix(ctx context.Context, userID, canonical string) (string, bool) {
	rows, err := v.db.Query(ctx,
		`SELECT ciphertext FROM api_keys WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		return "", false
	}
	defer rows.Close()
	for rows.Next() {
		var envelope string
		if err := rows.Scan(&envelope); err != nil {
			return "", false
		}
		key, err := v.decrypt(envelope)
		if err != nil {
			key = envelope
		}
		if ServiceForKey(key) == canonical {
			return key, true
		}
	}
	return "", false
}

// decrypt opens a base64(nonce||ciphertext) AES-256-GCM envelope.
func (v *Vault) decrypt(envelope string) (string, error) {
	if v.masterKey == nil {
		return "", errors.New("no master key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("envelope shorter than nonce")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// encrypt seals plaintext into a base64(nonce||ciphertext) envelope.
func (v *Vault) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// CanonicalService maps provider aliases and model names to the canonical
// service identifier stored in the vault.
func CanonicalService(service string) string {
	s := strings.ToLower(strings.TrimSpace(service))
	switch {
	case s == "xai" || s == "x.ai" || s == "grok" || strings.HasPrefix(s, "grok-"):
		return "grok"
	case s == "openai" || strings.HasPrefix(s, "gpt") || strings.HasPrefix(s, "o1") || strings.HasPrefix(s, "o3"):
		return "openai"
	case s == "anthropic" || strings.HasPrefix(s, "claude"):
		return "anthropic"
	case s == "google" || s == "gemini" || strings.HasPrefix(s, "gemini-"):
		return "gemini"
	case s == "elevenlabs" || s == "eleven_labs":
		return "elevenlabs"
	default:
		return s
	}
}

// ServiceForKey guesses the provider a plaintext API key belongs to from its
// well-known prefix. Returns "" when unrecognised.
func ServiceForKey(key string) string {
	switch {
	case strings.HasPrefix(key, "sk-ant-"):
		return "anthropic"
	case strings.HasPrefix(key, "sk-proj-"), strings.HasPrefix(key, "sk-"):
		return "openai"
	case strings.HasPrefix(key, "xai-"):
		return "grok"
	case strings.HasPrefix(key, "AIza"):
		return "gemini"
	case strings.HasPrefix(key, "sk_"):
		return "elevenlabs"
	default:
		return ""
	}
}
