package store

import (
	"context"
	"maps"
	"sync"
	"time"
)

// Memory implements [Store] in process memory. Used by tests and by
// single-worker deployments where no Redis is configured. State is lost on
// restart and invisible to other workers.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*memEntry
	sets     map[string]map[string]struct{}
	flags    map[string]*memFlag
}

type memEntry struct {
	fields    map[string]any
	expiresAt time.Time
}

type memFlag struct {
	value     string
	expiresAt time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*memEntry),
		sets:     make(map[string]map[string]struct{}),
		flags:    make(map[string]*memFlag),
	}
}

// expired reports whether a deadline has passed. A zero deadline never
// expires.
func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

// SetSession implements [Store].
func (m *Memory) SetSession(_ context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]any, len(fields))
	maps.Copy(cp, fields)
	m.sessions[callID] = &memEntry{fields: cp, expiresAt: deadline(ttl)}
	return nil
}

// GetSession implements [Store].
func (m *Memory) GetSession(_ context.Context, callID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[callID]
	if !ok || expired(entry.expiresAt) {
		delete(m.sessions, callID)
		return nil, ErrNotFound
	}
	cp := make(map[string]any, len(entry.fields))
	maps.Copy(cp, entry.fields)
	return cp, nil
}

// UpdateSession implements [Store].
func (m *Memory) UpdateSession(_ context.Context, callID string, fields map[string]any, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.sessions[callID]
	if !ok || expired(entry.expiresAt) {
		entry = &memEntry{fields: make(map[string]any)}
		m.sessions[callID] = entry
	}
	maps.Copy(entry.fields, fields)
	entry.expiresAt = deadline(ttl)
	return nil
}

// DeleteSession implements [Store].
func (m *Memory) DeleteSession(_ context.Context, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, callID)
	return nil
}

// SetAdd implements [Store].
func (m *Memory) SetAdd(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

// SetRemove implements [Store].
func (m *Memory) SetRemove(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[key]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(set, member)
	}
	return nil
}

// SetMembers implements [Store].
func (m *Memory) SetMembers(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.sets[key]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}

// SetCount implements [Store].
func (m *Memory) SetCount(_ context.Context, key string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[key]), nil
}

// SetClear implements [Store].
func (m *Memory) SetClear(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, key)
	return nil
}

// SetFlag implements [Store].
func (m *Memory) SetFlag(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[key] = &memFlag{value: value, expiresAt: deadline(ttl)}
	return nil
}

// GetFlag implements [Store].
func (m *Memory) GetFlag(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flag, ok := m.flags[key]
	if !ok || expired(flag.expiresAt) {
		delete(m.flags, key)
		return "", ErrNotFound
	}
	return flag.value, nil
}

// DeleteFlag implements [Store].
func (m *Memory) DeleteFlag(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, key)
	return nil
}

// Close implements [Store].
func (m *Memory) Close() error {
	return nil
}
