package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// extractTimeout bounds a single extraction round-trip. On timeout one
// retry is attempted before giving up for this turn; extraction is
// best-effort and retried naturally on later turns.
const extractTimeout = time.Second

// notFound is the sentinel the extraction model returns for a variable it
// cannot ground in the conversation.
const notFound = "NOT_FOUND"

const extractRules = `Rules:
- Extract only values the caller actually stated. Never invent or guess.
- Perform arithmetic the caller implies ("two fifties" is 100).
- Normalize monetary shorthand: "10k" is 10000, "$1.2m" is 1200000.
- Agreement phrases ("yes", "sure", "that works") confirm the value just proposed by the assistant.
- Join digit run-ons across fillers: "20, uh, 4000" spoken as one number is 24000.
- Map times to 24h where AM/PM is stated or implied by context.
- For any variable not present in the conversation, return "NOT_FOUND".
Respond with a single JSON object mapping variable names to values.`

// Extractor pulls structured variables out of conversation history with a
// short LLM completion.
type Extractor struct {
	llm llm.Provider
}

// NewExtractor creates an Extractor backed by the given LLM.
func NewExtractor(provider llm.Provider) *Extractor {
	return &Extractor{llm: provider}
}

// Pending filters specs down to those worth extracting now: variables not
// yet present, plus present ones whose spec allows updates.
func Pending(specs []ExtractVarSpec, state *State) []ExtractVarSpec {
	var out []ExtractVarSpec
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		if state.HasVar(spec.Name) && !spec.AllowUpdate {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// MissingMandatory returns the specs marked mandatory (or required) whose
// variables are still absent from the state.
func MissingMandatory(specs []ExtractVarSpec, state *State) []ExtractVarSpec {
	var out []ExtractVarSpec
	for _, spec := range specs {
		if (spec.Mandatory || spec.Required) && !state.HasVar(spec.Name) {
			out = append(out, spec)
		}
	}
	return out
}

// Extract asks the LLM for the given variables and returns the ones it
// found. NOT_FOUND values are dropped. A timeout is retried once; other
// errors are returned as-is.
func (e *Extractor) Extract(ctx context.Context, state *State, specs []ExtractVarSpec) (map[string]any, error) {
	if len(specs) == 0 {
		return nil, nil
	}

	req := llm.CompletionRequest{
		SystemPrompt: e.buildPrompt(state, specs),
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "Extract the variables now."},
		},
		MaxTokens: 300,
	}

	resp, err := e.complete(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		resp, err = e.complete(ctx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("flow: extract variables: %w", err)
	}

	obj := parseObject(resp.Content)
	if obj == nil {
		return nil, fmt.Errorf("flow: extraction returned no JSON object: %q", resp.Content)
	}

	found := make(map[string]any)
	for _, spec := range specs {
		v, ok := obj[spec.Name]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.EqualFold(strings.TrimSpace(s), notFound) {
			continue
		}
		found[spec.Name] = v
	}
	return found, nil
}

// complete issues one bounded extraction request.
func (e *Extractor) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()
	return e.llm.Complete(ctx, req)
}

// buildPrompt renders the extraction system prompt: variable specs, known
// variables, recent history, and the extraction rules.
func (e *Extractor) buildPrompt(state *State, specs []ExtractVarSpec) string {
	var b strings.Builder
	b.WriteString("You extract structured variables from a phone conversation.\n\nVariables to extract:\n")
	for _, spec := range specs {
		b.WriteString("- ")
		b.WriteString(spec.Name)
		if spec.Description != "" {
			b.WriteString(": ")
			b.WriteString(spec.Description)
		}
		if spec.ExtractionHint != "" {
			b.WriteString(" (hint: ")
			b.WriteString(spec.ExtractionHint)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}

	if len(state.Vars) > 0 {
		b.WriteString("\nAlready known variables:\n")
		if known, err := json.Marshal(state.Vars); err == nil {
			b.Write(known)
			b.WriteString("\n")
		}
	}

	b.WriteString("\nConversation:\n")
	for _, t := range state.Recent(historyWindow) {
		b.WriteString(t.Role)
		b.WriteString(": ")
		b.WriteString(t.Text)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(extractRules)
	return b.String()
}
