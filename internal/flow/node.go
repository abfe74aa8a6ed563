// Package flow implements the call-flow graph: node and transition model,
// variable substitution, logic-split evaluation, LLM-driven variable
// extraction, webhook execution, and the interpreter that walks the graph
// one user turn at a time.
package flow

import (
	"encoding/json"
	"fmt"
)

// NodeType discriminates the tagged node variants of a call flow.
type NodeType string

const (
	NodeStart           NodeType = "start"
	NodeConversation    NodeType = "conversation"
	NodeLogicSplit      NodeType = "logic_split"
	NodeFunction        NodeType = "function"
	NodeCollectInput    NodeType = "collect_input"
	NodePressDigit      NodeType = "press_digit"
	NodeExtractVariable NodeType = "extract_variable"
	NodeCallTransfer    NodeType = "call_transfer"
	NodeAgentTransfer   NodeType = "agent_transfer"
	NodeEnding          NodeType = "ending"
	NodeSendSMS         NodeType = "send_sms"
)

// Interactive reports whether the node type expects caller input.
func (t NodeType) Interactive() bool {
	switch t {
	case NodeConversation, NodeCollectInput, NodePressDigit, NodeExtractVariable:
		return true
	}
	return false
}

// Transition is a condition-guarded edge to a next node. A transition is
// eligible only when every variable in CheckVariables is present and
// non-null in the session variables.
type Transition struct {
	Condition      string   `json:"condition"`
	NextNode       string   `json:"nextNode"`
	CheckVariables []string `json:"check_variables,omitempty"`
}

// ExtractVarSpec describes one variable a node wants extracted from the
// conversation.
type ExtractVarSpec struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ExtractionHint string `json:"extraction_hint,omitempty"`
	Mandatory      bool   `json:"mandatory,omitempty"`
	Required       bool   `json:"required,omitempty"`
	AllowUpdate    bool   `json:"allow_update,omitempty"`
	RepromptText   string `json:"reprompt_text,omitempty"`
	RepromptType   string `json:"reprompt_type,omitempty"` // "static" or "prompt"
	PromptMessage  string `json:"prompt_message,omitempty"`
}

// LogicCondition is one ordered branch of a logic_split node.
type LogicCondition struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	NextNode string `json:"nextNode"`
}

// StartData is the payload of a start node.
type StartData struct {
	WhoSpeaksFirst string `json:"whoSpeaksFirst,omitempty"` // "ai" or "user"
}

// ConversationData is the payload of a conversation node. Mode is
// auto-detected when absent: a node with a Script is script mode, otherwise
// prompt mode.
type ConversationData struct {
	Mode                        string           `json:"mode,omitempty"` // "script" or "prompt"
	Script                      string           `json:"script,omitempty"`
	Content                     string           `json:"content,omitempty"`
	Goal                        string           `json:"goal,omitempty"`
	DynamicRephrase             bool             `json:"dynamic_rephrase,omitempty"`
	RephrasePrompt              string           `json:"rephrase_prompt,omitempty"`
	ExtractVariables            []ExtractVarSpec `json:"extract_variables,omitempty"`
	AutoTransitionTo            string           `json:"auto_transition_to,omitempty"`
	AutoTransitionAfterResponse string           `json:"auto_transition_after_response,omitempty"`
	SkipMandatoryPrecheck       bool             `json:"skip_mandatory_precheck,omitempty"`
	UseParallelLLM              bool             `json:"use_parallel_llm,omitempty"`
	Transitions                 []Transition     `json:"transitions,omitempty"`
}

// Text returns the node's scripted or instructional text, whichever is set.
func (d *ConversationData) Text() string {
	if d.Script != "" {
		return d.Script
	}
	return d.Content
}

// IsScript reports whether the node renders a fixed script rather than
// prompting the LLM.
func (d *ConversationData) IsScript() bool {
	if d.Mode != "" {
		return d.Mode == "script"
	}
	return d.Script != ""
}

// FunctionData is the payload of a function (webhook) node. WebhookBody
// holds either a template string or a JSON-Schema object.
type FunctionData struct {
	WebhookURL           string            `json:"webhook_url"`
	WebhookMethod        string            `json:"webhook_method,omitempty"`
	WebhookHeaders       map[string]string `json:"webhook_headers,omitempty"`
	WebhookBody          json.RawMessage   `json:"webhook_body,omitempty"`
	WebhookTimeoutSecs   int               `json:"webhook_timeout,omitempty"`
	ResponseVariable     string            `json:"response_variable,omitempty"`
	SpeakDuringExecution bool              `json:"speak_during_execution,omitempty"`
	DialogueText         string            `json:"dialogue_text,omitempty"`
	DialogueType         string            `json:"dialogue_type,omitempty"` // "static" or "prompt"
	WaitForResult        *bool             `json:"wait_for_result,omitempty"`
	ExtractVariables     []ExtractVarSpec  `json:"extract_variables,omitempty"`
	Transitions          []Transition      `json:"transitions,omitempty"`
}

// Waits reports whether the node blocks on the webhook result. Defaults to
// true when unset.
func (d *FunctionData) Waits() bool {
	return d.WaitForResult == nil || *d.WaitForResult
}

// LogicSplitData is the payload of a logic_split node.
type LogicSplitData struct {
	Conditions      []LogicCondition `json:"conditions,omitempty"`
	DefaultNextNode string           `json:"default_next_node,omitempty"`
}

// CollectInputData is the payload of a collect_input node.
type CollectInputData struct {
	InputType      string       `json:"input_type,omitempty"` // text, email, phone, number
	VariableName   string       `json:"variable_name"`
	PromptMessage  string       `json:"prompt_message,omitempty"`
	SuccessMessage string       `json:"success_message,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	Transitions    []Transition `json:"transitions,omitempty"`
}

// PressDigitData is the payload of a press_digit node.
type PressDigitData struct {
	PromptMessage string            `json:"prompt_message,omitempty"`
	DigitMappings map[string]string `json:"digit_mappings,omitempty"`
}

// ExtractVariableData is the payload of an extract_variable node.
type ExtractVariableData struct {
	VariableName     string       `json:"variable_name"`
	ExtractionPrompt string       `json:"extraction_prompt,omitempty"`
	Transitions      []Transition `json:"transitions,omitempty"`
}

// TransferData is the payload of call_transfer and agent_transfer nodes.
type TransferData struct {
	TransferNumber string `json:"transfer_number,omitempty"`
	TargetAgentID  string `json:"target_agent_id,omitempty"`
	HandoffMessage string `json:"handoff_message,omitempty"`
}

// EndingData is the payload of an ending node.
type EndingData struct {
	Content string `json:"content,omitempty"`
}

// SendSMSData is the payload of a send_sms node.
type SendSMSData struct {
	To          string       `json:"to,omitempty"`
	Message     string       `json:"message,omitempty"`
	Transitions []Transition `json:"transitions,omitempty"`
}

// Node is one vertex of the call-flow graph. Exactly one of the typed data
// pointers is non-nil, matching Type.
type Node struct {
	ID    string
	Type  NodeType
	Label string

	Start           *StartData
	Conversation    *ConversationData
	Function        *FunctionData
	LogicSplit      *LogicSplitData
	CollectInput    *CollectInputData
	PressDigit      *PressDigitData
	ExtractVariable *ExtractVariableData
	Transfer        *TransferData
	Ending          *EndingData
	SendSMS         *SendSMSData
}

// nodeEnvelope is the wire shape of a node.
type nodeEnvelope struct {
	ID    string          `json:"id"`
	Type  NodeType        `json:"type"`
	Label string          `json:"label,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON decodes the tagged variant into the matching data struct.
func (n *Node) UnmarshalJSON(data []byte) error {
	var env nodeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("flow: decode node: %w", err)
	}
	n.ID = env.ID
	n.Type = env.Type
	n.Label = env.Label

	payload := env.Data
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var err error
	switch env.Type {
	case NodeStart:
		n.Start = &StartData{}
		err = json.Unmarshal(payload, n.Start)
	case NodeConversation:
		n.Conversation = &ConversationData{}
		err = json.Unmarshal(payload, n.Conversation)
	case NodeFunction:
		n.Function = &FunctionData{}
		err = json.Unmarshal(payload, n.Function)
	case NodeLogicSplit:
		n.LogicSplit = &LogicSplitData{}
		err = json.Unmarshal(payload, n.LogicSplit)
	case NodeCollectInput:
		n.CollectInput = &CollectInputData{}
		err = json.Unmarshal(payload, n.CollectInput)
	case NodePressDigit:
		n.PressDigit = &PressDigitData{}
		err = json.Unmarshal(payload, n.PressDigit)
	case NodeExtractVariable:
		n.ExtractVariable = &ExtractVariableData{}
		err = json.Unmarshal(payload, n.ExtractVariable)
	case NodeCallTransfer, NodeAgentTransfer:
		n.Transfer = &TransferData{}
		err = json.Unmarshal(payload, n.Transfer)
	case NodeEnding:
		n.Ending = &EndingData{}
		err = json.Unmarshal(payload, n.Ending)
	case NodeSendSMS:
		n.SendSMS = &SendSMSData{}
		err = json.Unmarshal(payload, n.SendSMS)
	default:
		return fmt.Errorf("flow: node %q has unknown type %q", env.ID, env.Type)
	}
	if err != nil {
		return fmt.Errorf("flow: decode %s node %q: %w", env.Type, env.ID, err)
	}
	return nil
}

// MarshalJSON re-encodes the node in its tagged wire shape.
func (n Node) MarshalJSON() ([]byte, error) {
	var payload any
	switch n.Type {
	case NodeStart:
		payload = n.Start
	case NodeConversation:
		payload = n.Conversation
	case NodeFunction:
		payload = n.Function
	case NodeLogicSplit:
		payload = n.LogicSplit
	case NodeCollectInput:
		payload = n.CollectInput
	case NodePressDigit:
		payload = n.PressDigit
	case NodeExtractVariable:
		payload = n.ExtractVariable
	case NodeCallTransfer, NodeAgentTransfer:
		payload = n.Transfer
	case NodeEnding:
		payload = n.Ending
	case NodeSendSMS:
		payload = n.SendSMS
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeEnvelope{ID: n.ID, Type: n.Type, Label: n.Label, Data: raw})
}

// Transitions returns the node's outgoing transitions, or nil for node
// types without any.
func (n *Node) Transitions() []Transition {
	switch n.Type {
	case NodeConversation:
		return n.Conversation.Transitions
	case NodeFunction:
		return n.Function.Transitions
	case NodeCollectInput:
		return n.CollectInput.Transitions
	case NodeExtractVariable:
		return n.ExtractVariable.Transitions
	case NodeSendSMS:
		return n.SendSMS.Transitions
	}
	return nil
}

// ExtractSpecs returns the node's extraction variable specs, if any.
func (n *Node) ExtractSpecs() []ExtractVarSpec {
	switch n.Type {
	case NodeConversation:
		return n.Conversation.ExtractVariables
	case NodeFunction:
		return n.Function.ExtractVariables
	}
	return nil
}
