// Package store provides the cross-worker session store.
//
// Live call state is written here so that any worker process can pick up a
// call mid-flight: carrier webhooks are load-balanced and the worker that
// receives a speech event is not necessarily the one that created the
// session. The production backend is Redis; an in-memory backend exists for
// tests and single-worker deployments.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("store: not found")

// Store is the session-state persistence abstraction.
//
// Session records are flat field maps so that concurrent workers can merge
// field updates without clobbering each other. Sets back the playback
// tracking needed for barge-in (stop every active playback by ID). Flags
// are plain string keys with a TTL, used for coordination markers.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// SetSession replaces the full record for callID and refreshes its TTL.
	SetSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error

	// GetSession returns the full record for callID, or ErrNotFound.
	GetSession(ctx context.Context, callID string) (map[string]any, error)

	// UpdateSession merges fields into the existing record (creating it if
	// absent) and refreshes its TTL. Fields not named are left untouched,
	// which is what makes cross-worker handoff safe.
	UpdateSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error

	// DeleteSession removes the record for callID. Deleting a missing record
	// is not an error.
	DeleteSession(ctx context.Context, callID string) error

	// SetAdd adds members to the set at key.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetRemove removes members from the set at key.
	SetRemove(ctx context.Context, key string, members ...string) error

	// SetMembers returns all members of the set at key. A missing set yields
	// an empty slice, not an error.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetCount returns the cardinality of the set at key.
	SetCount(ctx context.Context, key string) (int, error)

	// SetClear deletes the set at key.
	SetClear(ctx context.Context, key string) error

	// SetFlag writes a string value with a TTL.
	SetFlag(ctx context.Context, key, value string, ttl time.Duration) error

	// GetFlag reads a string value, or ErrNotFound.
	GetFlag(ctx context.Context, key string) (string, error)

	// DeleteFlag removes a flag. Deleting a missing flag is not an error.
	DeleteFlag(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// Key helpers. Each kind of call state gets its own namespace prefix so
// one kind can be scanned or expired without touching the others.

// CallKey is the session record key for a call.
func CallKey(callID string) string {
	return "call:" + callID
}

// PlaybacksKey is the set of in-flight playback IDs for a call.
func PlaybacksKey(callID string) string {
	return "playbacks:" + callID
}

// ReadyKey is the flag set once the session finished initialising, so
// webhook handlers on other workers know the record is complete.
func ReadyKey(callID string) string {
	return "session_ready:" + callID
}

// SummaryKey holds the post-call summary after the session record is gone.
func SummaryKey(callID string) string {
	return "summary:" + callID
}

// FlagKey is a generic per-call marker key.
func FlagKey(callID, name string) string {
	return "flag:" + callID + ":" + name
}
