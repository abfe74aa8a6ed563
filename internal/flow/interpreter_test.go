package flow

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
)

// testAgent builds an indexed call-flow agent from nodes.
func testAgent(t *testing.T, nodes ...Node) *Agent {
	t.Helper()
	a := &Agent{
		ID:           "agent-1",
		Type:         AgentCallFlow,
		SystemPrompt: "You are Alex, a phone agent for Acme.",
		Flow:         nodes,
	}
	if err := a.Index(); err != nil {
		t.Fatalf("index agent: %v", err)
	}
	return a
}

func startNode(who string) Node {
	return Node{ID: "start", Type: NodeStart, Start: &StartData{WhoSpeaksFirst: who}}
}

func scriptNode(id, script string, transitions ...Transition) Node {
	return Node{ID: id, Type: NodeConversation, Conversation: &ConversationData{
		Script:      script,
		Transitions: transitions,
	}}
}

func endingNode(id, content string) Node {
	return Node{ID: id, Type: NodeEnding, Ending: &EndingData{Content: content}}
}

func newTestInterpreter(m *llmmock.Provider) *Interpreter {
	return NewInterpreter(m, NewWebhookExecutor(nil, nil), nil)
}

func drain(t *testing.T, stream <-chan llm.Chunk) string {
	t.Helper()
	var b strings.Builder
	for c := range stream {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestOpening_AgentSpeaksFirst(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "Hello, this is Alex from Acme."),
	)
	state := NewState("c", agent.ID)

	out, err := newTestInterpreter(&llmmock.Provider{}).Opening(context.Background(), agent, state, TurnOptions{})
	if err != nil {
		t.Fatalf("Opening: %v", err)
	}
	if out.Text != "Hello, this is Alex from Acme." {
		t.Errorf("unexpected opening %q", out.Text)
	}
	if state.CurrentNodeID != "greet" {
		t.Errorf("current node should be greet, got %q", state.CurrentNodeID)
	}
}

func TestOpening_UserSpeaksFirstIsSilent(t *testing.T) {
	agent := testAgent(t, startNode("user"), scriptNode("greet", "Hi."))
	out, err := newTestInterpreter(&llmmock.Provider{}).Opening(context.Background(), agent, NewState("c", agent.ID), TurnOptions{})
	if err != nil || out != nil {
		t.Errorf("user-first flow must produce no opening, got (%+v, %v)", out, err)
	}
}

func TestProcess_FirstTurnUserFirstPicksInteractiveNode(t *testing.T) {
	agent := testAgent(t,
		startNode("user"),
		Node{ID: "collect", Type: NodeCollectInput, CollectInput: &CollectInputData{
			InputType:     "email",
			VariableName:  "email",
			PromptMessage: "What's your email address?",
		}},
	)
	state := NewState("c", agent.ID)
	state.AppendUser("hi there")

	out, err := newTestInterpreter(&llmmock.Provider{}).Process(context.Background(), agent, state, "hi there", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "collect" || out.Text != "What's your email address?" {
		t.Errorf("expected collect prompt, got %+v", out)
	}
}

func TestProcess_TransitionByLLMIndex(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "Interested in a quote?", Transition{Condition: "caller agrees", NextNode: "end"}),
		endingNode("end", "Great, goodbye {{customer_name}}."),
	)
	state := NewState("c", agent.ID)
	state.SetVar("customer_name", "Ada")
	state.AppendAssistant("Interested in a quote?", "greet")
	state.AppendUser("yes please")

	m := &llmmock.Provider{}
	m.Enqueue("0")

	out, err := newTestInterpreter(m).Process(context.Background(), agent, state, "yes please", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.EndCall || out.NodeID != "end" {
		t.Errorf("expected transition to ending, got %+v", out)
	}
	if out.Text != "Great, goodbye Ada." {
		t.Errorf("ending content not substituted: %q", out.Text)
	}
	if !state.ShouldEndCall {
		t.Error("ending node must set should-end-call")
	}
}

func TestProcess_EvaluatorTimeoutStaysOnNode(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "Interested in a quote?", Transition{Condition: "caller agrees", NextNode: "end"}),
		endingNode("end", "Bye."),
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("Interested in a quote?", "greet")
	state.AppendUser("hmm")

	m := &llmmock.Provider{Response: "0", Delay: transitionTimeout + 200*time.Millisecond}

	out, err := newTestInterpreter(m).Process(context.Background(), agent, state, "hmm", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "greet" {
		t.Errorf("timeout must never advance the node, got %q", out.NodeID)
	}
	if out.EndCall {
		t.Error("timeout must not end the call")
	}
}

func TestProcess_MinusOneTakesDeclaredFallback(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "Interested?",
			Transition{Condition: "caller agrees", NextNode: "end"},
			Transition{Condition: "default", NextNode: "clarify"},
		),
		scriptNode("clarify", "No problem, let me explain."),
		endingNode("end", "Bye."),
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("Interested?", "greet")
	state.AppendUser("what is this about?")

	m := &llmmock.Provider{}
	m.Enqueue("-1")

	out, err := newTestInterpreter(m).Process(context.Background(), agent, state, "what is this about?", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "clarify" || out.Text != "No problem, let me explain." {
		t.Errorf("expected fallback edge, got %+v", out)
	}
}

func TestProcess_CheckVariablesGateTransitions(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "What's your budget?",
			Transition{Condition: "default", NextNode: "end", CheckVariables: []string{"budget"}},
		),
		endingNode("end", "Bye."),
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("What's your budget?", "greet")
	state.AppendUser("not sure yet")

	m := &llmmock.Provider{}
	in := newTestInterpreter(m)

	out, err := in.Process(context.Background(), agent, state, "not sure yet", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "greet" {
		t.Errorf("gated transition must not fire, got %q", out.NodeID)
	}

	state.SetVar("budget", "10k")
	state.AppendUser("around ten thousand")
	out, err = in.Process(context.Background(), agent, state, "around ten thousand", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "end" {
		t.Errorf("eligible unconditional edge must fire, got %q", out.NodeID)
	}
	if len(m.CompleteCalls) != 0 {
		t.Errorf("single unconditional edge needs no LLM call, got %d", len(m.CompleteCalls))
	}
}

func TestProcess_MandatoryGatingRepromptsThenAdvances(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		Node{ID: "qualify", Type: NodeConversation, Conversation: &ConversationData{
			Script: "And your budget?",
			ExtractVariables: []ExtractVarSpec{
				{Name: "budget", Mandatory: true, RepromptText: "Could you share a rough budget?", RepromptType: "static"},
			},
			Transitions: []Transition{{Condition: "default", NextNode: "end"}},
		}},
		endingNode("end", "Perfect, thanks."),
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("And your budget?", "qualify")
	state.AppendUser("well, it depends")

	m := &llmmock.Provider{}
	m.Enqueue(`{"budget": "NOT_FOUND"}`)
	in := newTestInterpreter(m)

	out, err := in.Process(context.Background(), agent, state, "well, it depends", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Reprompt || out.Text != "Could you share a rough budget?" {
		t.Errorf("expected static reprompt, got %+v", out)
	}
	if out.NodeID != "qualify" {
		t.Errorf("reprompt must stay on node, got %q", out.NodeID)
	}

	m.Enqueue(`{"budget": "24k"}`)
	state.AppendUser("around 20, uh, 4000")
	out, err = in.Process(context.Background(), agent, state, "around 20, uh, 4000", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if v, _ := state.Var("budget"); v != "24k" {
		t.Errorf("extracted budget not stored, got %v", v)
	}
	if !out.EndCall {
		t.Errorf("with budget present the flow must advance, got %+v", out)
	}
}

func TestProcess_LogicSplitChainsToBranch(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "Got it.", Transition{Condition: "default", NextNode: "split"}),
		Node{ID: "split", Type: NodeLogicSplit, LogicSplit: &LogicSplitData{
			Conditions: []LogicCondition{
				{Variable: "amount", Operator: OpGreaterThan, Value: "100k", NextNode: "big"},
			},
			DefaultNextNode: "small",
		}},
		endingNode("big", "A specialist will call you."),
		endingNode("small", "You can sign up online."),
	)
	state := NewState("c", agent.ID)
	state.SetVar("amount", "200k")
	state.AppendAssistant("Got it.", "greet")
	state.AppendUser("ok")

	out, err := newTestInterpreter(&llmmock.Provider{}).Process(context.Background(), agent, state, "ok", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "big" || out.Text != "A specialist will call you." {
		t.Errorf("expected big branch, got %+v", out)
	}
}

func TestProcess_CollectInputValidationLoop(t *testing.T) {
	agent := testAgent(t,
		startNode("user"),
		Node{ID: "collect", Type: NodeCollectInput, CollectInput: &CollectInputData{
			InputType:      "email",
			VariableName:   "email",
			PromptMessage:  "What's your email?",
			ErrorMessage:   "That doesn't look like an email address.",
			SuccessMessage: "Thanks!",
			Transitions:    []Transition{{Condition: "default", NextNode: "end"}},
		}},
		endingNode("end", "Goodbye."),
	)
	state := NewState("c", agent.ID)
	in := newTestInterpreter(&llmmock.Provider{})

	state.AppendUser("hello")
	out, err := in.Process(context.Background(), agent, state, "hello", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Text != "What's your email?" {
		t.Errorf("expected prompt on arrival, got %+v", out)
	}

	state.AppendAssistant(out.Text, out.NodeID)
	state.AppendUser("my dog ate it")
	out, err = in.Process(context.Background(), agent, state, "my dog ate it", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !out.Reprompt || out.Text != "That doesn't look like an email address." {
		t.Errorf("expected validation error, got %+v", out)
	}

	state.AppendAssistant(out.Text, out.NodeID)
	state.AppendUser("ada@example.com")
	out, err = in.Process(context.Background(), agent, state, "ada@example.com", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if v, _ := state.Var("email"); v != "ada@example.com" {
		t.Errorf("validated input not stored, got %v", v)
	}
	if out.NodeID != "end" || !strings.HasPrefix(out.Text, "Thanks!") {
		t.Errorf("expected success message then ending, got %+v", out)
	}
}

func TestHandleDigit_MappingAndReprompt(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		Node{ID: "menu", Type: NodePressDigit, PressDigit: &PressDigitData{
			PromptMessage: "Press 1 for sales.",
			DigitMappings: map[string]string{"1": "sales"},
		}},
		scriptNode("sales", "Connecting you to sales."),
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("Press 1 for sales.", "menu")
	in := newTestInterpreter(&llmmock.Provider{})

	out, err := in.HandleDigit(context.Background(), agent, state, "9", TurnOptions{})
	if err != nil {
		t.Fatalf("HandleDigit: %v", err)
	}
	if !out.Reprompt || !out.AwaitDigit {
		t.Errorf("unmapped digit must re-prompt, got %+v", out)
	}

	out, err = in.HandleDigit(context.Background(), agent, state, "1", TurnOptions{})
	if err != nil {
		t.Fatalf("HandleDigit: %v", err)
	}
	if out.NodeID != "sales" || out.Text != "Connecting you to sales." {
		t.Errorf("expected mapped branch, got %+v", out)
	}
}

func TestProcess_FunctionNodeWebhookAndTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"quote_amount": 1200}`))
	}))
	defer srv.Close()

	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "One moment.", Transition{Condition: "default", NextNode: "quote"}),
		Node{ID: "quote", Type: NodeFunction, Function: &FunctionData{
			WebhookURL:  srv.URL,
			Transitions: []Transition{{Condition: "default", NextNode: "present"}},
		}},
		endingNode("present", "Your quote is {{quote_amount}} dollars."),
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("One moment.", "greet")
	state.AppendUser("ok")

	out, err := newTestInterpreter(&llmmock.Provider{}).Process(context.Background(), agent, state, "ok", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.NodeID != "present" || out.Text != "Your quote is 1200 dollars." {
		t.Errorf("expected webhook result spoken, got %+v", out)
	}
	if state.ExecutingWebhook {
		t.Error("webhook flag must be cleared after execution")
	}
}

func TestProcess_TransferNodeMarksState(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		scriptNode("greet", "Hold on.", Transition{Condition: "default", NextNode: "xfer"}),
		Node{ID: "xfer", Type: NodeCallTransfer, Transfer: &TransferData{
			TransferNumber: "+15550001111",
			HandoffMessage: "Transferring you now.",
		}},
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("Hold on.", "greet")
	state.AppendUser("I need a human")

	out, err := newTestInterpreter(&llmmock.Provider{}).Process(context.Background(), agent, state, "I need a human", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Transfer == nil || out.Text != "Transferring you now." {
		t.Errorf("expected transfer outcome, got %+v", out)
	}
	if !state.TransferRequested || state.TransferTarget != "+15550001111" {
		t.Errorf("transfer state not set: %+v", state)
	}
}

func TestProcess_NeverReturnsEmptyReply(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		Node{ID: "blank", Type: NodeConversation, Conversation: &ConversationData{Mode: "script", Script: ""}},
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("...", "blank")
	state.AppendUser("hello?")

	out, err := newTestInterpreter(&llmmock.Provider{}).Process(context.Background(), agent, state, "hello?", TurnOptions{})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		t.Error("a turn must never produce an empty reply")
	}
}

func TestProcess_PromptModeStreamsWithNodeContext(t *testing.T) {
	agent := testAgent(t,
		startNode("ai"),
		Node{ID: "talk", Type: NodeConversation, Conversation: &ConversationData{
			Content: "Ask the caller about their current provider.",
			Goal:    "Learn who they buy from today.",
		}},
	)
	state := NewState("c", agent.ID)
	state.AppendAssistant("Hi.", "talk")
	state.AppendUser("hello")

	m := &llmmock.Provider{StreamChunks: []string{"Who do ", "you use today?"}}

	out, err := newTestInterpreter(m).Process(context.Background(), agent, state, "hello", TurnOptions{ExtraContext: "Current time: 3pm Eastern."})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if out.Stream == nil {
		t.Fatal("prompt mode must stream")
	}
	if got := drain(t, out.Stream); got != "Who do you use today?" {
		t.Errorf("unexpected streamed text %q", got)
	}

	req := m.StreamCalls[0]
	if req.SystemPrompt != agent.SystemPrompt {
		t.Errorf("cached system prompt must be reused verbatim, got %q", req.SystemPrompt)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != "system" || !strings.Contains(last.Content, "Current step") || !strings.Contains(last.Content, "3pm Eastern") {
		t.Errorf("per-turn context missing from trailing message: %+v", last)
	}
}
