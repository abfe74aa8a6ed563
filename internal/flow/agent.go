package flow

import (
	"encoding/json"
	"fmt"
	"time"
)

// Agent types.
const (
	AgentSinglePrompt = "single_prompt"
	AgentCallFlow     = "call_flow"
)

// VoiceConfig selects the synthesis voice for an agent.
type VoiceConfig struct {
	Provider        string  `json:"provider,omitempty"`
	VoiceID         string  `json:"voice_id,omitempty"`
	Model           string  `json:"model,omitempty"`
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
	Speed           float64 `json:"speed,omitempty"`
}

// DeadAirConfig tunes silence supervision for an agent.
type DeadAirConfig struct {
	SilenceTimeoutNormal time.Duration `json:"silence_timeout_normal,omitempty"`
	SilenceTimeoutHoldOn time.Duration `json:"silence_timeout_hold_on,omitempty"`
	MaxCheckins          int           `json:"max_checkins,omitempty"`
	CheckinMessage       string        `json:"checkin_message,omitempty"`
}

// Settings carries an agent's provider and runtime tuning.
type Settings struct {
	STTProvider string        `json:"stt_provider,omitempty"`
	LLMProvider string        `json:"llm_provider,omitempty"`
	LLMModel    string        `json:"llm_model,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Voice       VoiceConfig   `json:"voice,omitempty"`
	DeadAir     DeadAirConfig `json:"dead_air,omitempty"`
	Timezone    string        `json:"timezone,omitempty"`
}

// Agent is an immutable snapshot of an agent's configuration, loaded once
// per call. Mutating an agent mid-call is not supported.
type Agent struct {
	ID               string   `json:"id"`
	UserID           string   `json:"user_id"`
	Name             string   `json:"name,omitempty"`
	Type             string   `json:"type"` // single_prompt or call_flow
	SystemPrompt     string   `json:"system_prompt,omitempty"`
	Greeting         string   `json:"greeting,omitempty"`
	Flow             []Node   `json:"flow,omitempty"`
	Settings         Settings `json:"settings,omitempty"`
	HasKnowledgeBase bool     `json:"has_knowledge_base,omitempty"`

	byID map[string]*Node
}

// ParseAgent decodes an agent snapshot from JSON and indexes its flow.
func ParseAgent(data []byte) (*Agent, error) {
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("flow: decode agent: %w", err)
	}
	if err := a.index(); err != nil {
		return nil, err
	}
	return &a, nil
}

// index builds the node lookup table. Must be called before Node queries
// when the Agent was constructed literally rather than via ParseAgent.
func (a *Agent) index() error {
	a.byID = make(map[string]*Node, len(a.Flow))
	for i := range a.Flow {
		n := &a.Flow[i]
		if n.ID == "" {
			return fmt.Errorf("flow: agent %q has a node without an id", a.ID)
		}
		if _, dup := a.byID[n.ID]; dup {
			return fmt.Errorf("flow: agent %q has duplicate node id %q", a.ID, n.ID)
		}
		a.byID[n.ID] = n
	}
	return nil
}

// Index validates and indexes the flow graph for lookup. Safe to call more
// than once.
func (a *Agent) Index() error { return a.index() }

// Node returns the flow node with the given id, or nil.
func (a *Agent) Node(id string) *Node {
	if a.byID == nil {
		if err := a.index(); err != nil {
			return nil
		}
	}
	return a.byID[id]
}

// StartNode returns the flow's start node, or nil when absent.
func (a *Agent) StartNode() *Node {
	for i := range a.Flow {
		if a.Flow[i].Type == NodeStart {
			return &a.Flow[i]
		}
	}
	return nil
}

// UserSpeaksFirst reports whether the start node declares the caller as the
// opening speaker. Defaults to false (agent speaks first).
func (a *Agent) UserSpeaksFirst() bool {
	start := a.StartNode()
	return start != nil && start.Start != nil && start.Start.WhoSpeaksFirst == "user"
}

// FirstInteractiveNode returns the earliest node in flow order that expects
// caller input, or nil.
func (a *Agent) FirstInteractiveNode() *Node {
	for i := range a.Flow {
		if a.Flow[i].Type.Interactive() {
			return &a.Flow[i]
		}
	}
	return nil
}

// FirstConversationNode returns the earliest conversation node, or nil.
func (a *Agent) FirstConversationNode() *Node {
	for i := range a.Flow {
		if a.Flow[i].Type == NodeConversation {
			return &a.Flow[i]
		}
	}
	return nil
}
