package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// failingStore wraps Memory and fails every operation while broken is set.
type failingStore struct {
	*Memory
	broken bool
}

var errBackend = errors.New("backend down")

func (f *failingStore) UpdateSession(ctx context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	if f.broken {
		return errBackend
	}
	return f.Memory.UpdateSession(ctx, callID, fields, ttl)
}

func (f *failingStore) GetFlag(ctx context.Context, key string) (string, error) {
	if f.broken {
		return "", errBackend
	}
	return f.Memory.GetFlag(ctx, key)
}

func TestGuard_SwallowsWriteFailures(t *testing.T) {
	backend := &failingStore{Memory: NewMemory(), broken: true}
	g := NewGuard(backend, nil)
	ctx := context.Background()

	if err := g.UpdateSession(ctx, "cc-1", map[string]any{"a": "b"}, time.Minute); err != nil {
		t.Errorf("write failure must not propagate, got %v", err)
	}
	if !g.IsDegraded() {
		t.Error("guard must report degraded after a failure")
	}

	backend.broken = false
	if err := g.UpdateSession(ctx, "cc-1", map[string]any{"a": "b"}, time.Minute); err != nil {
		t.Fatalf("UpdateSession: %v", err)
	}
	if g.IsDegraded() {
		t.Error("guard must recover once the backend responds")
	}
}

func TestGuard_BrokenFlagReadsAsNotFound(t *testing.T) {
	backend := &failingStore{Memory: NewMemory(), broken: true}
	g := NewGuard(backend, nil)

	if _, err := g.GetFlag(context.Background(), "call:cc-1:executing_webhook"); !errors.Is(err, ErrNotFound) {
		t.Errorf("degraded flag read must look absent, got %v", err)
	}
}

func TestGuard_PassesThroughWhenHealthy(t *testing.T) {
	g := NewGuard(NewMemory(), nil)
	ctx := context.Background()

	if err := g.SetFlag(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("SetFlag: %v", err)
	}
	v, err := g.GetFlag(ctx, "k")
	if err != nil || v != "v" {
		t.Errorf("GetFlag = %q, %v", v, err)
	}
	if g.IsDegraded() {
		t.Error("healthy backend must not read as degraded")
	}
}
