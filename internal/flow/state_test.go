package flow

import (
	"testing"
)

func TestState_SetVarNameSync(t *testing.T) {
	s := NewState("call-1", "agent-1")

	s.SetVar("customer_name", "Ada")
	if v, _ := s.Var("callerName"); v != "Ada" {
		t.Errorf("customer_name must sync to callerName, got %v", v)
	}

	s.SetVar("callerName", "Grace")
	if v, _ := s.Var("customer_name"); v != "Grace" {
		t.Errorf("callerName must sync back to customer_name, got %v", v)
	}
}

func TestState_VarTreatsNilAsAbsent(t *testing.T) {
	s := NewState("c", "a")
	s.Vars["empty"] = nil
	if s.HasVar("empty") {
		t.Error("nil value must read as absent")
	}
}

func TestState_NodeForTurn(t *testing.T) {
	s := NewState("c", "a")
	if got := s.NodeForTurn(); got != "" {
		t.Errorf("fresh state has no node, got %q", got)
	}

	s.AppendAssistant("hello", "n2")
	if got := s.NodeForTurn(); got != "n2" {
		t.Errorf("expected last assistant node n2, got %q", got)
	}

	s.CurrentNodeID = "n5"
	if got := s.NodeForTurn(); got != "n5" {
		t.Errorf("explicit current node must win, got %q", got)
	}
}

func TestState_FirstTurnIgnoresCheckins(t *testing.T) {
	s := NewState("c", "a")
	if !s.FirstTurn() {
		t.Error("empty history is a first turn")
	}

	s.AppendCheckin("Hello? Are you there?")
	if !s.FirstTurn() {
		t.Error("check-in turns must not count as flow turns")
	}

	s.AppendAssistant("Hi, this is Voxloop.", "n1")
	if s.FirstTurn() {
		t.Error("a flow assistant turn ends the first-turn window")
	}
}

func TestState_PopLastAssistant(t *testing.T) {
	s := NewState("c", "a")
	s.AppendUser("hi")
	s.AppendCheckin("still there?")

	popped := s.PopLastAssistant()
	if popped == nil || !popped.Checkin {
		t.Fatalf("expected to pop the check-in, got %+v", popped)
	}
	if len(s.History) != 1 {
		t.Errorf("history should shrink to 1, got %d", len(s.History))
	}

	// User turn at the tail must not be popped.
	if got := s.PopLastAssistant(); got != nil {
		t.Errorf("expected nil when tail is a user turn, got %+v", got)
	}
}

func TestState_RecentAndMessages(t *testing.T) {
	s := NewState("c", "a")
	for i := 0; i < 15; i++ {
		s.AppendUser("msg")
	}
	if got := len(s.Recent(10)); got != 10 {
		t.Errorf("expected 10 recent turns, got %d", got)
	}
	if got := len(s.Messages(10)); got != 10 {
		t.Errorf("expected 10 messages, got %d", got)
	}
}
