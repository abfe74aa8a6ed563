package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
)

// defaultWebhookTimeout applies when a function node does not set its own.
const defaultWebhookTimeout = 10 * time.Second

// DefaultResponseVariable is where the parsed webhook response lands when
// the node does not name one.
const DefaultResponseVariable = "webhook_response"

// reservedResponseFields are webhook-response metadata keys that are never
// promoted to top-level call variables.
var reservedResponseFields = map[string]bool{
	"success":            true,
	"message":            true,
	"error":              true,
	"status":             true,
	"response_type":      true,
	"tool_calls_results": true,
	"raw_response":       true,
}

// WebhookResult is the outcome of a function-node execution.
type WebhookResult struct {
	// RequiresReprompt is set when required variables were missing and the
	// webhook was not called. MissingVars lists them in node order.
	RequiresReprompt bool
	MissingVars      []ExtractVarSpec

	// Response is the parsed (and unwrapped) webhook response object.
	Response map[string]any

	// StatusCode is the HTTP status of the final attempt, zero when the
	// request never completed.
	StatusCode int
}

// Gate observes webhook execution windows. The session layer uses it to
// suspend silence supervision and publish the executing-webhook flag other
// workers honor before processing a turn.
type Gate interface {
	WebhookStarted(ctx context.Context, callID string)
	WebhookFinished(ctx context.Context, callID string)
}

// WebhookExecutor runs function-node webhooks.
type WebhookExecutor struct {
	client *http.Client
	logger *slog.Logger
	gate   Gate
}

// SetGate installs a webhook-window observer. Must be called before use.
func (x *WebhookExecutor) SetGate(g Gate) { x.gate = g }

// NewWebhookExecutor creates an executor. client may be nil to use a
// default without a client-level timeout (per-request deadlines apply).
func NewWebhookExecutor(client *http.Client, logger *slog.Logger) *WebhookExecutor {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookExecutor{client: client, logger: logger}
}

// Execute runs the webhook of a function node against the current state.
// When required variables are missing it returns a reprompt result without
// calling out. On success the parsed response is stored in the state under
// the node's response variable and its data fields are promoted to
// top-level variables.
func (x *WebhookExecutor) Execute(ctx context.Context, node *Node, state *State, userMessage string) (*WebhookResult, error) {
	data := node.Function
	if data == nil {
		return nil, fmt.Errorf("flow: node %q is not a function node", node.ID)
	}

	if missing := MissingMandatory(data.ExtractVariables, state); len(missing) > 0 {
		return &WebhookResult{RequiresReprompt: true, MissingVars: missing}, nil
	}

	body, err := x.buildBody(data, state, userMessage)
	if err != nil {
		return nil, err
	}

	if x.gate != nil {
		x.gate.WebhookStarted(ctx, state.CallID)
		defer x.gate.WebhookFinished(ctx, state.CallID)
	}

	timeout := webhookTimeout(data)

	start := time.Now()
	raw, status, err := x.send(ctx, data, body, timeout)
	if err != nil && isTimeout(err) {
		// One retry with a longer deadline. Non-timeout failures and bad
		// statuses are not retried, the endpoint already saw the request.
		x.logger.Warn("webhook timed out, retrying", "node", node.ID, "url", data.WebhookURL)
		raw, status, err = x.send(ctx, data, body, timeout*2)
	}
	observe.DefaultMetrics().WebhookDuration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		return &WebhookResult{StatusCode: status}, fmt.Errorf("flow: webhook %s: %w", data.WebhookURL, err)
	}
	if status < 200 || status > 299 {
		return &WebhookResult{StatusCode: status}, fmt.Errorf("flow: webhook %s: status %d", data.WebhookURL, status)
	}

	response := parseWebhookResponse(raw)
	x.apply(node, state, response)
	return &WebhookResult{Response: response, StatusCode: status}, nil
}

// webhookTimeout resolves a function node's request deadline.
func webhookTimeout(data *FunctionData) time.Duration {
	if data.WebhookTimeoutSecs > 0 {
		return time.Duration(data.WebhookTimeoutSecs) * time.Second
	}
	return defaultWebhookTimeout
}

// send performs one HTTP attempt bounded by timeout.
func (x *WebhookExecutor) send(ctx context.Context, data *FunctionData, body []byte, timeout time.Duration) (string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := data.WebhookMethod
	if method == "" {
		method = http.MethodPost
	}

	req, err := http.NewRequestWithContext(ctx, method, data.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range data.WebhookHeaders {
		req.Header.Set(k, v)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(raw), resp.StatusCode, nil
}

// buildBody renders the request body. Three shapes are supported: a
// JSON-Schema object (properties copied from call variables, missing ones
// null), a template string with {{placeholders}}, and a default envelope
// when the node defines no body.
func (x *WebhookExecutor) buildBody(data *FunctionData, state *State, userMessage string) ([]byte, error) {
	tmplVars := templateVars(state, userMessage)

	if len(data.WebhookBody) == 0 {
		return json.Marshal(map[string]any{
			"call_id":      state.CallID,
			"user_message": userMessage,
			"variables":    state.Vars,
		})
	}

	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data.WebhookBody, &schema); err == nil && schema.Properties != nil {
		body := make(map[string]any, len(schema.Properties))
		for name := range schema.Properties {
			if v, ok := tmplVars[name]; ok {
				body[name] = v
			} else {
				body[name] = nil
			}
		}
		return json.Marshal(body)
	}

	var tmpl string
	if err := json.Unmarshal(data.WebhookBody, &tmpl); err == nil {
		rendered := Substitute(tmpl, tmplVars)
		if !json.Valid([]byte(rendered)) {
			return nil, fmt.Errorf("flow: webhook body template rendered invalid JSON")
		}
		return []byte(rendered), nil
	}

	// A literal JSON object body is sent after placeholder substitution of
	// its string values.
	rendered := Substitute(string(data.WebhookBody), tmplVars)
	if !json.Valid([]byte(rendered)) {
		return nil, fmt.Errorf("flow: webhook body is not valid JSON")
	}
	return []byte(rendered), nil
}

// templateVars is the substitution namespace for webhook bodies: every call
// variable plus user_message and call_id.
func templateVars(state *State, userMessage string) map[string]any {
	vars := make(map[string]any, len(state.Vars)+2)
	for k, v := range state.Vars {
		vars[k] = v
	}
	vars["user_message"] = userMessage
	vars["call_id"] = state.CallID
	return vars
}

// parseWebhookResponse parses a webhook body leniently. Unparseable bodies
// are preserved verbatim under raw_response rather than discarded.
func parseWebhookResponse(raw string) map[string]any {
	obj := parseObject(raw)
	if obj == nil {
		return map[string]any{"raw_response": raw}
	}
	return unwrapResponse(obj)
}

// unwrapResponse peels common envelope shapes: a data or result object, or
// an automation-platform tool_calls_results array whose first entry carries
// fenced JSON.
func unwrapResponse(obj map[string]any) map[string]any {
	if results, ok := obj["tool_calls_results"].([]any); ok && len(results) > 0 {
		if first, ok := results[0].(map[string]any); ok {
			for _, key := range []string{"result", "content", "output"} {
				if s, ok := first[key].(string); ok {
					if inner := parseObject(s); inner != nil {
						return inner
					}
				}
			}
		}
	}
	if data, ok := obj["data"].(map[string]any); ok {
		return data
	}
	if result, ok := obj["result"].(map[string]any); ok {
		return result
	}
	return obj
}

// apply stores the response under the node's response variable and promotes
// its data fields to top-level call variables.
func (x *WebhookExecutor) apply(node *Node, state *State, response map[string]any) {
	name := node.Function.ResponseVariable
	if name == "" {
		name = DefaultResponseVariable
	}
	state.SetVar(name, response)

	for k, v := range response {
		if reservedResponseFields[strings.ToLower(k)] || v == nil {
			continue
		}
		state.SetVar(k, v)
	}
}

// isTimeout reports whether err is a request deadline expiry.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
