package flow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func functionNode(data *FunctionData) *Node {
	return &Node{ID: "fn", Type: NodeFunction, Function: data}
}

func newExecutor() *WebhookExecutor {
	return NewWebhookExecutor(nil, nil)
}

func TestWebhook_SchemaBodyCopiesVariables(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	state := NewState("call-9", "a")
	state.SetVar("budget", "24000")

	node := functionNode(&FunctionData{
		WebhookURL:  srv.URL,
		WebhookBody: json.RawMessage(`{"properties": {"budget": {"type": "string"}, "timeline": {"type": "string"}, "call_id": {"type": "string"}}}`),
	})

	if _, err := newExecutor().Execute(context.Background(), node, state, "hello"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotBody["budget"] != "24000" {
		t.Errorf("expected budget copied, got %v", gotBody)
	}
	if v, present := gotBody["timeline"]; !present || v != nil {
		t.Errorf("missing schema property must be sent as null, got %v", gotBody)
	}
	if gotBody["call_id"] != "call-9" {
		t.Errorf("call_id must be available to schema bodies, got %v", gotBody)
	}
}

func TestWebhook_TemplateBodySubstitution(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	state := NewState("call-1", "a")
	state.SetVar("customer_name", "Ada")

	node := functionNode(&FunctionData{
		WebhookURL:  srv.URL,
		WebhookBody: json.RawMessage(`"{\"msg\": \"{{user_message}}\", \"id\": \"{{call_id}}\", \"name\": \"{{customer_name}}\"}"`),
	})

	if _, err := newExecutor().Execute(context.Background(), node, state, "book it"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if gotBody["msg"] != "book it" || gotBody["id"] != "call-1" || gotBody["name"] != "Ada" {
		t.Errorf("template placeholders not substituted: %v", gotBody)
	}
}

func TestWebhook_MissingRequiredVarsSkipsCall(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
	}))
	defer srv.Close()

	node := functionNode(&FunctionData{
		WebhookURL: srv.URL,
		ExtractVariables: []ExtractVarSpec{
			{Name: "budget", Required: true, RepromptText: "What is your budget?"},
		},
	})

	result, err := newExecutor().Execute(context.Background(), node, NewState("c", "a"), "go")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.RequiresReprompt || len(result.MissingVars) != 1 || result.MissingVars[0].Name != "budget" {
		t.Errorf("expected reprompt for budget, got %+v", result)
	}
	if called.Load() != 0 {
		t.Error("webhook must not be called with required variables missing")
	}
}

func TestWebhook_StoresAndPromotesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"success": true, "status": "ok", "quote_amount": 1200, "quote_ref": "Q-77"}`))
	}))
	defer srv.Close()

	state := NewState("c", "a")
	node := functionNode(&FunctionData{WebhookURL: srv.URL})

	if _, err := newExecutor().Execute(context.Background(), node, state, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !state.HasVar(DefaultResponseVariable) {
		t.Error("response must be stored under webhook_response by default")
	}
	if v, _ := state.Var("quote_amount"); v != float64(1200) {
		t.Errorf("data fields must be promoted, got %v", v)
	}
	if state.HasVar("success") || state.HasVar("status") {
		t.Error("reserved metadata fields must not be promoted")
	}
}

func TestWebhook_UnwrapsDataEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"slot": "3pm"}}`))
	}))
	defer srv.Close()

	state := NewState("c", "a")
	node := functionNode(&FunctionData{WebhookURL: srv.URL, ResponseVariable: "booking"})

	result, err := newExecutor().Execute(context.Background(), node, state, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Response["slot"] != "3pm" {
		t.Errorf("expected data envelope unwrapped, got %v", result.Response)
	}
	if v, _ := state.Var("slot"); v != "3pm" {
		t.Errorf("unwrapped fields must be promoted, got %v", v)
	}
}

func TestWebhook_ToolCallsResultsFencedJSON(t *testing.T) {
	body := `{"tool_calls_results": [{"result": "` + "```json\\n{\\\"appointment\\\": \\\"confirmed\\\"}\\n```" + `"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	state := NewState("c", "a")
	result, err := newExecutor().Execute(context.Background(), functionNode(&FunctionData{WebhookURL: srv.URL}), state, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Response["appointment"] != "confirmed" {
		t.Errorf("expected fenced tool result parsed, got %v", result.Response)
	}
}

func TestWebhook_NonJSONKeptAsRawResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK, processed"))
	}))
	defer srv.Close()

	state := NewState("c", "a")
	result, err := newExecutor().Execute(context.Background(), functionNode(&FunctionData{WebhookURL: srv.URL}), state, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Response["raw_response"] != "OK, processed" {
		t.Errorf("unparseable body must land in raw_response, got %v", result.Response)
	}
	if state.HasVar("raw_response") {
		t.Error("raw_response is reserved and must not be promoted")
	}
}

func TestWebhook_Non200NotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newExecutor().Execute(context.Background(), functionNode(&FunctionData{WebhookURL: srv.URL}), NewState("c", "a"), "")
	if err == nil {
		t.Fatal("expected error for 502")
	}
	if calls.Load() != 1 {
		t.Errorf("bad statuses must not be retried, got %d calls", calls.Load())
	}
}

func TestWebhookTimeout_TenSecondDefault(t *testing.T) {
	if got := webhookTimeout(&FunctionData{}); got != 10*time.Second {
		t.Errorf("default timeout = %v, want 10s", got)
	}
	if got := webhookTimeout(&FunctionData{WebhookTimeoutSecs: 3}); got != 3*time.Second {
		t.Errorf("node timeout = %v, want 3s", got)
	}
}

func TestWebhook_TimeoutRetriedWithLongerDeadline(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(1500 * time.Millisecond)
		}
		_, _ = w.Write([]byte(`{"ok_field": 1}`))
	}))
	defer srv.Close()

	state := NewState("c", "a")
	node := functionNode(&FunctionData{WebhookURL: srv.URL, WebhookTimeoutSecs: 1})

	result, err := newExecutor().Execute(context.Background(), node, state, "")
	if err != nil {
		t.Fatalf("Execute after retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected timeout then retry, got %d calls", calls.Load())
	}
	if result.Response["ok_field"] != float64(1) {
		t.Errorf("retry response not applied: %v", result.Response)
	}
}
