package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxloop/voxloop/internal/flow"
)

// mockRow implements pgx.Row for testing.
type mockRow struct {
	scanFunc func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scanFunc(dest...) }

// mockDB implements DB with canned responses.
type mockDB struct {
	row      *mockRow
	execSQL  []string
	execArgs [][]any
	execErr  error
}

func (db *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return db.row
}

func (db *mockDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}

func (db *mockDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execSQL = append(db.execSQL, sql)
	db.execArgs = append(db.execArgs, args)
	return pgconn.CommandTag{}, db.execErr
}

func agentRow(t *testing.T, a *flow.Agent) *mockRow {
	t.Helper()
	flowJSON, err := json.Marshal(a.Flow)
	if err != nil {
		t.Fatalf("marshal flow: %v", err)
	}
	settingsJSON, err := json.Marshal(a.Settings)
	if err != nil {
		t.Fatalf("marshal settings: %v", err)
	}
	return &mockRow{scanFunc: func(dest ...any) error {
		*dest[0].(*string) = a.ID
		*dest[1].(*string) = a.UserID
		*dest[2].(*string) = a.Name
		*dest[3].(*string) = a.Type
		*dest[4].(*string) = a.SystemPrompt
		*dest[5].(*string) = a.Greeting
		*dest[6].(*[]byte) = flowJSON
		*dest[7].(*[]byte) = settingsJSON
		*dest[8].(*bool) = a.HasKnowledgeBase
		return nil
	}}
}

func TestLoadAgent_RoundTripsFlowAndSettings(t *testing.T) {
	want := &flow.Agent{
		ID:   "agent-1",
		Type: flow.AgentCallFlow,
		Flow: []flow.Node{
			{ID: "start", Type: flow.NodeStart, Start: &flow.StartData{WhoSpeaksFirst: "ai"}},
			{ID: "greet", Type: flow.NodeConversation, Conversation: &flow.ConversationData{Script: "Hello."}},
		},
		Settings: flow.Settings{LLMModel: "gpt-4o-mini", Timezone: "America/Chicago"},
	}
	store := NewPostgresStore(&mockDB{row: agentRow(t, want)})

	got, err := store.LoadAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if got.Settings.Timezone != "America/Chicago" {
		t.Errorf("settings not decoded: %+v", got.Settings)
	}
	if n := got.Node("greet"); n == nil || n.Conversation == nil || n.Conversation.Script != "Hello." {
		t.Errorf("flow not decoded and indexed: %+v", got.Flow)
	}
}

func TestLoadAgent_NotFound(t *testing.T) {
	db := &mockDB{row: &mockRow{scanFunc: func(...any) error { return pgx.ErrNoRows }}}
	store := NewPostgresStore(db)

	_, err := store.LoadAgent(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsert_RejectsInvalidAgents(t *testing.T) {
	store := NewPostgresStore(&mockDB{})

	if err := store.Upsert(context.Background(), &flow.Agent{Type: flow.AgentSinglePrompt}); err == nil {
		t.Error("agent without id must be rejected")
	}
	if err := store.Upsert(context.Background(), &flow.Agent{ID: "a", Type: "mystery"}); err == nil {
		t.Error("unknown agent type must be rejected")
	}
}

func TestUpsert_EncodesEmptyFlowAsArray(t *testing.T) {
	db := &mockDB{}
	store := NewPostgresStore(db)

	if err := store.Upsert(context.Background(), &flow.Agent{ID: "a", Type: flow.AgentSinglePrompt}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(db.execArgs) != 1 {
		t.Fatalf("expected one exec, got %d", len(db.execArgs))
	}
	flowJSON := db.execArgs[0][6].([]byte)
	if string(flowJSON) != "[]" {
		t.Errorf("nil flow must encode as [], got %s", flowJSON)
	}
	if !strings.Contains(db.execSQL[0], "ON CONFLICT (id)") {
		t.Errorf("upsert must be idempotent on id")
	}
}
