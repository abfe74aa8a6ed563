package flow

import (
	"context"
	"strings"
	"testing"
	"time"

	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

func TestPending_SkipsPresentUnlessUpdatable(t *testing.T) {
	state := NewState("c", "a")
	state.SetVar("budget", "10k")

	specs := []ExtractVarSpec{
		{Name: "budget"},
		{Name: "budget_updatable", AllowUpdate: true},
		{Name: "timeline"},
	}
	state.SetVar("budget_updatable", "old")

	got := Pending(specs, state)
	if len(got) != 2 {
		t.Fatalf("expected 2 pending specs, got %d: %+v", len(got), got)
	}
	if got[0].Name != "budget_updatable" || got[1].Name != "timeline" {
		t.Errorf("wrong pending set: %+v", got)
	}
}

func TestMissingMandatory(t *testing.T) {
	state := NewState("c", "a")
	state.SetVar("name", "Ada")

	specs := []ExtractVarSpec{
		{Name: "name", Mandatory: true},
		{Name: "budget", Mandatory: true},
		{Name: "company", Required: true},
		{Name: "notes"},
	}
	got := MissingMandatory(specs, state)
	if len(got) != 2 || got[0].Name != "budget" || got[1].Name != "company" {
		t.Errorf("expected budget and company missing, got %+v", got)
	}
}

func TestExtract_DropsNotFound(t *testing.T) {
	m := &llmmock.Provider{}
	m.Enqueue(`{"budget": 24000, "timeline": "NOT_FOUND"}`)

	state := NewState("c", "a")
	state.AppendUser("the budget is 20, uh, 4000")

	e := NewExtractor(m)
	found, err := e.Extract(context.Background(), state, []ExtractVarSpec{
		{Name: "budget", Description: "project budget in dollars"},
		{Name: "timeline"},
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if v, ok := found["budget"]; !ok || v != float64(24000) {
		t.Errorf("expected budget 24000, got %v", found)
	}
	if _, ok := found["timeline"]; ok {
		t.Error("NOT_FOUND values must be dropped")
	}

	prompt := m.CompleteCalls[0].SystemPrompt
	if !strings.Contains(prompt, "budget") || !strings.Contains(prompt, "project budget in dollars") {
		t.Errorf("prompt missing spec description: %q", prompt)
	}
	if !strings.Contains(prompt, "Never invent") {
		t.Errorf("prompt missing extraction rules: %q", prompt)
	}
}

func TestExtract_FencedJSONAccepted(t *testing.T) {
	m := &llmmock.Provider{}
	m.Enqueue("```json\n{\"email\": \"ada@example.com\"}\n```")

	e := NewExtractor(m)
	found, err := e.Extract(context.Background(), NewState("c", "a"), []ExtractVarSpec{{Name: "email"}})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if found["email"] != "ada@example.com" {
		t.Errorf("expected fenced JSON to parse, got %v", found)
	}
}

func TestExtract_TimeoutRetriesOnce(t *testing.T) {
	m := &llmmock.Provider{Response: `{}`, Delay: extractTimeout + 200*time.Millisecond}

	e := NewExtractor(m)
	_, err := e.Extract(context.Background(), NewState("c", "a"), []ExtractVarSpec{{Name: "x"}})
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if len(m.CompleteCalls) != 2 {
		t.Errorf("expected exactly one retry, got %d calls", len(m.CompleteCalls))
	}
}

func TestExtract_NoSpecsNoCall(t *testing.T) {
	m := &llmmock.Provider{}
	e := NewExtractor(m)
	found, err := e.Extract(context.Background(), NewState("c", "a"), nil)
	if err != nil || found != nil {
		t.Errorf("empty spec list must be a no-op, got (%v, %v)", found, err)
	}
	if len(m.CompleteCalls) != 0 {
		t.Errorf("expected no LLM call, got %d", len(m.CompleteCalls))
	}
}
