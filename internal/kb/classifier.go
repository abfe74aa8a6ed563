package kb

import (
	"context"
	"strings"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// classifyTimeout bounds the classification round-trip; on timeout the turn
// proceeds without retrieval rather than stalling the caller.
const classifyTimeout = time.Second

const classifyPrompt = `You decide whether a caller utterance is a factual question that should be answered from a knowledge base (product details, pricing, hours, policies) rather than ordinary conversation.
Answer with exactly one word: YES or NO.`

// Classifier decides whether a caller utterance warrants a knowledge-base
// lookup, using a short LLM completion.
type Classifier struct {
	llm llm.Provider
}

// NewClassifier creates a Classifier backed by the given LLM.
func NewClassifier(provider llm.Provider) *Classifier {
	return &Classifier{llm: provider}
}

// IsFactualQuestion reports whether utterance looks like a factual question.
// Errors and timeouts resolve to false so retrieval stays best-effort.
func (c *Classifier) IsFactualQuestion(ctx context.Context, utterance string) bool {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, classifyTimeout)
	defer cancel()

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classifyPrompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: utterance},
		},
		MaxTokens: 3,
	})
	if err != nil {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(strings.TrimSpace(resp.Content)), "YES")
}
