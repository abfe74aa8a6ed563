package vault

import (
	"context"
	"sync"
)

// Cache memoises decrypted credentials for a single call. Each session
// holds its own cache so a provider's key is fetched and decrypted at most
// once per call, and decrypted secrets are never shared across sessions.
type Cache struct {
	vault  *Vault
	userID string

	mu   sync.Mutex
	keys map[string]string
}

// NewCache creates an empty per-call credential cache for userID.
func NewCache(v *Vault, userID string) *Cache {
	return &Cache{vault: v, userID: userID, keys: make(map[string]string)}
}

// GetKey resolves the user's key for service, returning the cached value on
// repeat lookups. Misses are not cached: a key stored mid-call becomes
// visible on the next lookup.
func (c *Cache) GetKey(ctx context.Context, service string) (string, error) {
	canonical := CanonicalService(service)

	c.mu.Lock()
	if key, ok := c.keys[canonical]; ok {
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	key, err := c.vault.GetKey(ctx, c.userID, canonical)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.keys[canonical] = key
	c.mu.Unlock()
	return key, nil
}
