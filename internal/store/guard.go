package store

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Guard wraps a [Store] and makes all operations non-fatal. If the backend
// fails, writes are dropped with a warning and reads return zero values or
// ErrNotFound instead of propagating errors.
//
// This keeps live calls running when the store backend is temporarily
// unavailable (Redis restart, network partition): the worker loses
// cross-worker handoff and barge-in coordination until the backend
// recovers, but callers are not hung up on. IsDegraded reports whether the
// backend is currently failing.
//
// All methods are safe for concurrent use.
type Guard struct {
	store    Store
	logger   *slog.Logger
	degraded atomic.Bool
}

var _ Store = (*Guard)(nil)

// NewGuard creates a Guard wrapping the given store.
func NewGuard(store Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, logger: logger}
}

// IsDegraded reports whether the most recent backend operation failed.
func (g *Guard) IsDegraded() bool {
	return g.degraded.Load()
}

// observe updates the degraded flag and logs transitions.
func (g *Guard) observe(op string, err error) {
	if err == nil || errors.Is(err, ErrNotFound) {
		if g.degraded.Swap(false) {
			g.logger.Info("session store recovered")
		}
		return
	}
	if !g.degraded.Swap(true) {
		g.logger.Warn("session store degraded", "op", op, "error", err)
	}
}

func (g *Guard) SetSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	err := g.store.SetSession(ctx, callID, fields, ttl)
	g.observe("SetSession", err)
	return nil
}

func (g *Guard) GetSession(ctx context.Context, callID string) (map[string]any, error) {
	fields, err := g.store.GetSession(ctx, callID)
	g.observe("GetSession", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, ErrNotFound
	}
	return fields, err
}

func (g *Guard) UpdateSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	err := g.store.UpdateSession(ctx, callID, fields, ttl)
	g.observe("UpdateSession", err)
	return nil
}

func (g *Guard) DeleteSession(ctx context.Context, callID string) error {
	err := g.store.DeleteSession(ctx, callID)
	g.observe("DeleteSession", err)
	return nil
}

func (g *Guard) SetAdd(ctx context.Context, key string, members ...string) error {
	err := g.store.SetAdd(ctx, key, members...)
	g.observe("SetAdd", err)
	return nil
}

func (g *Guard) SetRemove(ctx context.Context, key string, members ...string) error {
	err := g.store.SetRemove(ctx, key, members...)
	g.observe("SetRemove", err)
	return nil
}

func (g *Guard) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := g.store.SetMembers(ctx, key)
	g.observe("SetMembers", err)
	if err != nil {
		return nil, nil
	}
	return members, nil
}

func (g *Guard) SetCount(ctx context.Context, key string) (int, error) {
	n, err := g.store.SetCount(ctx, key)
	g.observe("SetCount", err)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (g *Guard) SetClear(ctx context.Context, key string) error {
	err := g.store.SetClear(ctx, key)
	g.observe("SetClear", err)
	return nil
}

func (g *Guard) SetFlag(ctx context.Context, key, value string, ttl time.Duration) error {
	err := g.store.SetFlag(ctx, key, value, ttl)
	g.observe("SetFlag", err)
	return nil
}

// GetFlag maps backend failures to ErrNotFound. Turn guards poll flags in a
// loop; a degraded backend must read as "no flag" or every turn would wait
// out the full guard timeout.
func (g *Guard) GetFlag(ctx context.Context, key string) (string, error) {
	value, err := g.store.GetFlag(ctx, key)
	g.observe("GetFlag", err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", ErrNotFound
	}
	return value, err
}

func (g *Guard) DeleteFlag(ctx context.Context, key string) error {
	err := g.store.DeleteFlag(ctx, key)
	g.observe("DeleteFlag", err)
	return nil
}

func (g *Guard) Close() error {
	return g.store.Close()
}
