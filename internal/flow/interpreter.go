package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/types"
)

// transitionTimeout bounds the LLM transition-evaluation call. On expiry
// the call stays on its current node rather than guessing an edge.
const transitionTimeout = 1500 * time.Millisecond

// maxHops caps node chaining inside a single turn so a mis-built flow
// cannot loop forever.
const maxHops = 8

// fallbackClarification is spoken when a node yields no text. A turn never
// produces an empty reply.
const fallbackClarification = "Sorry, I didn't quite catch that. Could you say that again?"

// ErrNoFlow is returned when a call-flow agent has no usable nodes.
var ErrNoFlow = errors.New("flow: agent has no flow nodes")

// Outcome is what one interpreted turn produced. Exactly one of Text and
// Stream carries the reply; Stream is used for prompt-mode conversation
// nodes so the first sentence can reach the synthesiser before the model
// finishes.
type Outcome struct {
	// NodeID is the node the call rests on after this turn.
	NodeID string

	// Text is the complete reply for scripted and templated nodes.
	Text string

	// Stream emits the reply incrementally for prompt-mode nodes. The
	// caller must drain it.
	Stream <-chan llm.Chunk

	// EndCall is set by ending nodes after the farewell is spoken.
	EndCall bool

	// Transfer is set by call_transfer and agent_transfer nodes.
	Transfer *TransferData

	// SMS is set by send_sms nodes for the session layer to deliver.
	SMS *SendSMSData

	// AwaitDigit is set by press_digit nodes: the reply prompts the caller
	// and the next input arrives as DTMF, not speech.
	AwaitDigit bool

	// Reprompt marks a turn that re-asked for missing required data
	// instead of advancing.
	Reprompt bool

	// BackgroundExtract lists non-blocking variable specs the caller
	// should extract after the reply is dispatched.
	BackgroundExtract []ExtractVarSpec
}

// TurnOptions carries per-turn context the interpreter cannot derive
// itself.
type TurnOptions struct {
	// ExtraContext is injected into prompt-mode requests: current time,
	// knowledge-base passages, caller metadata.
	ExtraContext string
}

// Interpreter advances a call-flow agent one user turn at a time. It owns
// node selection, mandatory-variable gating, transition resolution, and
// per-node-type processing.
type Interpreter struct {
	llm       llm.Provider
	extractor *Extractor
	webhooks  *WebhookExecutor
	logger    *slog.Logger
	metrics   *observe.Metrics
}

// NewInterpreter wires an interpreter from its collaborators. webhooks may
// be nil when the agent's flow has no function nodes.
func NewInterpreter(provider llm.Provider, webhooks *WebhookExecutor, logger *slog.Logger) *Interpreter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interpreter{
		llm:       provider,
		extractor: NewExtractor(provider),
		webhooks:  webhooks,
		logger:    logger,
		metrics:   observe.DefaultMetrics(),
	}
}

// Process interprets one user turn. The user message must already be
// appended to the state's history by the caller.
func (in *Interpreter) Process(ctx context.Context, agent *Agent, state *State, userMessage string, opts TurnOptions) (*Outcome, error) {
	node, arrived, err := in.selectNode(agent, state)
	if err != nil {
		return nil, err
	}

	outcome, err := in.processTurn(ctx, agent, state, node, userMessage, arrived, opts)
	if err != nil {
		return nil, err
	}
	if outcome.Text == "" && outcome.Stream == nil {
		outcome.Text = fallbackClarification
	}
	return outcome, nil
}

// Opening returns the agent's first utterance for flows where the agent
// speaks first. Returns nil when the caller is expected to open.
func (in *Interpreter) Opening(ctx context.Context, agent *Agent, state *State, opts TurnOptions) (*Outcome, error) {
	if agent.UserSpeaksFirst() {
		return nil, nil
	}
	node := agent.FirstConversationNode()
	if node == nil {
		return nil, ErrNoFlow
	}
	state.CurrentNodeID = node.ID
	return in.processNode(ctx, agent, state, node, "", opts, 0)
}

// ReplayNode renders a node's reply directly, skipping transition
// resolution. The turn layer uses it to speak the opening a silence
// greeting stood in for once the caller finally responds.
func (in *Interpreter) ReplayNode(ctx context.Context, agent *Agent, state *State, nodeID string, opts TurnOptions) (*Outcome, error) {
	node := agent.Node(nodeID)
	if node == nil {
		return nil, fmt.Errorf("flow: replay node %q not in agent %q", nodeID, agent.ID)
	}
	state.CurrentNodeID = node.ID
	return in.processNode(ctx, agent, state, node, "", opts, 0)
}

// HandleDigit interprets a DTMF press while the call waits on a
// press_digit node. Unmapped and malformed digits re-prompt.
func (in *Interpreter) HandleDigit(ctx context.Context, agent *Agent, state *State, digit string, opts TurnOptions) (*Outcome, error) {
	node := agent.Node(state.NodeForTurn())
	if node == nil || node.Type != NodePressDigit {
		return nil, fmt.Errorf("flow: digit received outside a press_digit node")
	}

	digit = strings.TrimSpace(digit)
	if len(digit) == 1 && validDigit(digit[0]) {
		if next, ok := node.PressDigit.DigitMappings[digit]; ok {
			target := agent.Node(next)
			if target == nil {
				return nil, fmt.Errorf("flow: press_digit node %q maps %q to unknown node %q", node.ID, digit, next)
			}
			state.CurrentNodeID = target.ID
			in.metrics.RecordNodeTransition(ctx, agent.ID, string(target.Type))
			return in.processNode(ctx, agent, state, target, "", opts, 0)
		}
	}

	prompt := Substitute(node.PressDigit.PromptMessage, state.Vars)
	if prompt == "" {
		prompt = fallbackClarification
	}
	return &Outcome{NodeID: node.ID, Text: prompt, AwaitDigit: true, Reprompt: true}, nil
}

// selectNode resolves the node this turn evaluates from. arrived reports
// whether the call just landed on it (first turn) rather than having
// already spoken from it.
func (in *Interpreter) selectNode(agent *Agent, state *State) (*Node, bool, error) {
	if id := state.NodeForTurn(); id != "" {
		node := agent.Node(id)
		if node == nil {
			return nil, false, fmt.Errorf("flow: current node %q not in agent %q", id, agent.ID)
		}
		return node, false, nil
	}

	// First evaluated turn: pick the entry node from the start node's
	// speaker declaration.
	var node *Node
	if agent.UserSpeaksFirst() {
		node = agent.FirstInteractiveNode()
	} else {
		node = agent.FirstConversationNode()
	}
	if node == nil {
		return nil, false, ErrNoFlow
	}
	state.CurrentNodeID = node.ID
	return node, true, nil
}

// processTurn runs gating and transition resolution from the current node,
// then processes the destination.
func (in *Interpreter) processTurn(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string, arrived bool, opts TurnOptions) (*Outcome, error) {
	// Input-consuming node types handle the user message themselves.
	switch node.Type {
	case NodeCollectInput:
		if !arrived {
			return in.handleCollectedInput(ctx, agent, state, node, userMessage, opts)
		}
	case NodeExtractVariable:
		if !arrived {
			return in.handleExtractNode(ctx, agent, state, node, userMessage, opts)
		}
	case NodePressDigit:
		// Speech during a digit prompt re-prompts; real input arrives via
		// HandleDigit.
		prompt := Substitute(node.PressDigit.PromptMessage, state.Vars)
		return &Outcome{NodeID: node.ID, Text: prompt, AwaitDigit: true, Reprompt: !arrived}, nil
	}

	// Mandatory-variable gating: extract blocking, then re-ask for
	// whatever is still missing before any transition may fire.
	specs := node.ExtractSpecs()
	var background []ExtractVarSpec
	if len(specs) > 0 {
		pending := Pending(specs, state)
		mandatory := MissingMandatory(pending, state)
		skipGate := node.Type == NodeConversation && node.Conversation.SkipMandatoryPrecheck

		if len(mandatory) > 0 && !skipGate {
			found, err := in.extractor.Extract(ctx, state, pending)
			if err != nil {
				in.logger.Warn("blocking extraction failed", "node", node.ID, "error", err)
			}
			for k, v := range found {
				state.SetVar(k, v)
			}
			if still := MissingMandatory(specs, state); len(still) > 0 {
				out, err := in.reprompt(ctx, state, node, still[0], opts)
				if err != nil {
					return nil, err
				}
				return out, nil
			}
		} else {
			background = pending
		}
	}

	next, err := in.resolveTransition(ctx, agent, state, node, userMessage)
	if err != nil {
		return nil, err
	}

	if next == nil || next.ID == node.ID {
		// Stay on the node and respond from it again.
		out, err := in.respondFrom(ctx, agent, state, node, userMessage, arrived, opts, 0)
		if err != nil {
			return nil, err
		}
		out.BackgroundExtract = background
		return out, nil
	}

	state.CurrentNodeID = next.ID
	in.metrics.RecordNodeTransition(ctx, agent.ID, string(next.Type))
	out, err := in.processNode(ctx, agent, state, next, userMessage, opts, 0)
	if err != nil {
		return nil, err
	}
	out.BackgroundExtract = background
	return out, nil
}

// resolveTransition picks the outgoing edge for this turn, or nil to stay.
// Resolution order: auto-transition shortcuts, variable-gated filtering,
// LLM condition evaluation, then the declared fallback edge. A turn never
// advances silently on evaluator failure.
func (in *Interpreter) resolveTransition(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string) (*Node, error) {
	if node.Type == NodeConversation {
		if target := node.Conversation.AutoTransitionAfterResponse; target != "" {
			// The response is produced by the target flow after the
			// current node already spoke on a previous turn.
			if n := agent.Node(target); n != nil {
				return n, nil
			}
			return nil, fmt.Errorf("flow: node %q auto-transition target %q not found", node.ID, target)
		}
		if target := node.Conversation.AutoTransitionTo; target != "" {
			if n := agent.Node(target); n != nil {
				return n, nil
			}
			return nil, fmt.Errorf("flow: node %q auto-transition target %q not found", node.ID, target)
		}
	}

	transitions := node.Transitions()
	if len(transitions) == 0 {
		return nil, nil
	}

	eligible := make([]Transition, 0, len(transitions))
	for _, t := range transitions {
		if transitionEligible(t, state) {
			eligible = append(eligible, t)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	idx := in.evalTransitions(ctx, state, node, eligible, userMessage)
	if idx >= 0 && idx < len(eligible) {
		if n := agent.Node(eligible[idx].NextNode); n != nil {
			return n, nil
		}
		in.logger.Warn("transition target missing, staying", "node", node.ID, "target", eligible[idx].NextNode)
		return nil, nil
	}

	// Evaluator declined or failed: take the declared fallback edge if one
	// exists, otherwise stay.
	for _, t := range eligible {
		if isFallbackCondition(t.Condition) {
			if n := agent.Node(t.NextNode); n != nil {
				return n, nil
			}
		}
	}
	return nil, nil
}

// transitionEligible reports whether every checked variable is present.
func transitionEligible(t Transition, state *State) bool {
	for _, name := range t.CheckVariables {
		if !state.HasVar(name) {
			return false
		}
	}
	return true
}

// isFallbackCondition matches the conventional default-edge spellings.
func isFallbackCondition(cond string) bool {
	switch strings.ToLower(strings.TrimSpace(cond)) {
	case "", "default", "else", "otherwise":
		return true
	}
	return false
}

// evalTransitions asks the LLM which eligible condition the conversation
// satisfies. Returns -1 to stay. Timeouts and malformed answers stay.
func (in *Interpreter) evalTransitions(ctx context.Context, state *State, node *Node, eligible []Transition, userMessage string) int {
	// A single unconditional edge needs no model call.
	if len(eligible) == 1 && isFallbackCondition(eligible[0].Condition) {
		return 0
	}

	var b strings.Builder
	b.WriteString("You route a phone conversation through a call flow. Given the recent conversation, pick the transition condition that is satisfied.\n\nConditions:\n")
	for i, t := range eligible {
		cond := t.Condition
		if isFallbackCondition(cond) {
			cond = "none of the other conditions apply"
		}
		fmt.Fprintf(&b, "%d. %s\n", i, cond)
	}
	if resp, ok := state.Var(DefaultResponseVariable); ok && node.Type == NodeFunction {
		if raw := stringify(resp); raw != "" {
			b.WriteString("\nWebhook response:\n")
			b.WriteString(raw)
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
	b.WriteString("\nAnswer with the condition number only, or -1 if none is clearly satisfied.")

	evalCtx, cancel := context.WithTimeout(ctx, transitionTimeout)
	defer cancel()

	resp, err := in.llm.Complete(evalCtx, llm.CompletionRequest{
		SystemPrompt: b.String(),
		Messages: []types.Message{
			{Role: types.RoleUser, Content: userMessage},
		},
		MaxTokens: 4,
	})
	if err != nil {
		in.logger.Warn("transition evaluation failed, staying on node", "node", node.ID, "error", err)
		return -1
	}

	idx, err := strconv.Atoi(strings.TrimSpace(resp.Content))
	if err != nil {
		return -1
	}
	return idx
}

// ─── per-node-type processing ───

// processNode produces the reply for arriving at a node, chaining through
// pass-through nodes (logic splits, webhooks) up to maxHops.
func (in *Interpreter) processNode(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string, opts TurnOptions, depth int) (*Outcome, error) {
	if depth >= maxHops {
		return nil, fmt.Errorf("flow: node chain exceeded %d hops at %q", maxHops, node.ID)
	}

	switch node.Type {
	case NodeConversation:
		return in.respondFrom(ctx, agent, state, node, userMessage, true, opts, depth)

	case NodeLogicSplit:
		nextID, ok := EvalLogicSplit(node.LogicSplit, state.Vars)
		if !ok {
			in.logger.Warn("logic split matched nothing and has no default", "node", node.ID)
			return &Outcome{NodeID: node.ID, Text: fallbackClarification}, nil
		}
		next := agent.Node(nextID)
		if next == nil {
			return nil, fmt.Errorf("flow: logic split %q routes to unknown node %q", node.ID, nextID)
		}
		state.CurrentNodeID = next.ID
		in.metrics.RecordNodeTransition(ctx, agent.ID, string(next.Type))
		return in.processNode(ctx, agent, state, next, userMessage, opts, depth+1)

	case NodeFunction:
		return in.processFunction(ctx, agent, state, node, userMessage, opts, depth)

	case NodeCollectInput:
		prompt := Substitute(node.CollectInput.PromptMessage, state.Vars)
		return &Outcome{NodeID: node.ID, Text: prompt}, nil

	case NodePressDigit:
		prompt := Substitute(node.PressDigit.PromptMessage, state.Vars)
		return &Outcome{NodeID: node.ID, Text: prompt, AwaitDigit: true}, nil

	case NodeExtractVariable:
		// Arrival just hands the turn to the caller; the next utterance is
		// what gets extracted.
		prompt := Substitute(node.ExtractVariable.ExtractionPrompt, state.Vars)
		if prompt == "" {
			prompt = fallbackClarification
		}
		return &Outcome{NodeID: node.ID, Text: prompt}, nil

	case NodeCallTransfer, NodeAgentTransfer:
		state.TransferRequested = true
		if node.Transfer.TransferNumber != "" {
			state.TransferTarget = node.Transfer.TransferNumber
		} else {
			state.TransferTarget = node.Transfer.TargetAgentID
		}
		msg := Substitute(node.Transfer.HandoffMessage, state.Vars)
		return &Outcome{NodeID: node.ID, Text: msg, Transfer: node.Transfer}, nil

	case NodeEnding:
		state.ShouldEndCall = true
		msg := Substitute(node.Ending.Content, state.Vars)
		return &Outcome{NodeID: node.ID, Text: msg, EndCall: true}, nil

	case NodeSendSMS:
		sms := &SendSMSData{
			To:      Substitute(node.SendSMS.To, state.Vars),
			Message: Substitute(node.SendSMS.Message, state.Vars),
		}
		// SMS nodes chain straight through their fallback edge.
		for _, t := range node.SendSMS.Transitions {
			if isFallbackCondition(t.Condition) && transitionEligible(t, state) {
				if next := agent.Node(t.NextNode); next != nil {
					state.CurrentNodeID = next.ID
					out, err := in.processNode(ctx, agent, state, next, userMessage, opts, depth+1)
					if err != nil {
						return nil, err
					}
					out.SMS = sms
					return out, nil
				}
			}
		}
		return &Outcome{NodeID: node.ID, SMS: sms}, nil

	case NodeStart:
		return nil, fmt.Errorf("flow: start node %q cannot be processed", node.ID)
	}
	return nil, fmt.Errorf("flow: unhandled node type %q", node.Type)
}

// processFunction runs a webhook node: optional filler line, guarded
// execution, then transition from the node on the response.
func (in *Interpreter) processFunction(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string, opts TurnOptions, depth int) (*Outcome, error) {
	if in.webhooks == nil {
		return nil, fmt.Errorf("flow: function node %q but no webhook executor configured", node.ID)
	}
	data := node.Function

	var filler string
	if data.SpeakDuringExecution && data.DialogueText != "" {
		if data.DialogueType == "prompt" {
			if line, err := in.shortCompletion(ctx, state, data.DialogueText); err == nil {
				filler = line
			}
		}
		if filler == "" {
			filler = Substitute(data.DialogueText, state.Vars)
		}
	}

	if !data.Waits() {
		// Fire-and-forget: the call moves on and the response is dropped,
		// only logged. State is not touched from the detached goroutine.
		bg := context.WithoutCancel(ctx)
		go func() {
			snapshot := &State{CallID: state.CallID, AgentID: state.AgentID, Vars: cloneVars(state.Vars)}
			if _, err := in.webhooks.Execute(bg, node, snapshot, userMessage); err != nil {
				in.logger.Warn("background webhook failed", "node", node.ID, "error", err)
			}
		}()
		return in.transitionAfterFunction(ctx, agent, state, node, userMessage, filler, opts, depth)
	}

	state.ExecutingWebhook = true
	result, err := in.webhooks.Execute(ctx, node, state, userMessage)
	state.ExecutingWebhook = false

	if err != nil {
		in.logger.Warn("webhook failed", "node", node.ID, "error", err)
		return &Outcome{NodeID: node.ID, Text: fallbackClarification}, nil
	}
	if result.RequiresReprompt {
		return in.reprompt(ctx, state, node, result.MissingVars[0], opts)
	}

	return in.transitionAfterFunction(ctx, agent, state, node, userMessage, filler, opts, depth)
}

// transitionAfterFunction routes out of a function node once the webhook
// has resolved, prefixing any filler line onto a textual reply.
func (in *Interpreter) transitionAfterFunction(ctx context.Context, agent *Agent, state *State, node *Node, userMessage, filler string, opts TurnOptions, depth int) (*Outcome, error) {
	next, err := in.resolveTransition(ctx, agent, state, node, userMessage)
	if err != nil {
		return nil, err
	}
	if next == nil {
		text := filler
		if text == "" {
			text = fallbackClarification
		}
		return &Outcome{NodeID: node.ID, Text: text}, nil
	}

	state.CurrentNodeID = next.ID
	in.metrics.RecordNodeTransition(ctx, agent.ID, string(next.Type))
	out, err := in.processNode(ctx, agent, state, next, userMessage, opts, depth+1)
	if err != nil {
		return nil, err
	}
	if filler != "" && out.Stream == nil {
		out.Text = strings.TrimSpace(filler + " " + out.Text)
	}
	return out, nil
}

// respondFrom produces the reply for speaking from a conversation node.
func (in *Interpreter) respondFrom(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string, arrived bool, opts TurnOptions, depth int) (*Outcome, error) {
	if node.Type != NodeConversation {
		// Staying on a non-conversation node re-runs its arrival behavior.
		return in.processNode(ctx, agent, state, node, userMessage, opts, depth)
	}
	data := node.Conversation

	if data.IsScript() {
		text := Substitute(data.Text(), state.Vars)
		if data.DynamicRephrase && text != "" {
			if rephrased, err := in.rephrase(ctx, state, data, text); err == nil && rephrased != "" {
				text = rephrased
			}
		}
		if text == "" {
			text = fallbackClarification
		}
		out := &Outcome{NodeID: node.ID, Text: text}
		if !arrived && !data.DynamicRephrase {
			// Repeating a fixed script verbatim reads as a stall; mark it
			// so callers can treat it as a clarification.
			out.Reprompt = true
		}
		return out, nil
	}

	// Prompt mode: stream from the cached system prompt plus dynamic
	// per-turn context.
	stream, err := in.llm.StreamCompletion(ctx, in.promptRequest(agent, state, data, opts))
	if err != nil {
		return nil, fmt.Errorf("flow: stream from node %q: %w", node.ID, err)
	}
	return &Outcome{NodeID: node.ID, Stream: stream}, nil
}

// promptRequest assembles the streaming request for a prompt-mode node.
// The system prompt is the agent-level one built at session start; node
// instruction and per-turn context ride in a trailing system message so the
// cached prefix stays stable.
func (in *Interpreter) promptRequest(agent *Agent, state *State, data *ConversationData, opts TurnOptions) llm.CompletionRequest {
	msgs := state.Messages(historyWindow)

	var ctxB strings.Builder
	if opts.ExtraContext != "" {
		ctxB.WriteString(opts.ExtraContext)
		ctxB.WriteString("\n")
	}
	if instruction := data.Text(); instruction != "" {
		ctxB.WriteString("Current step: ")
		ctxB.WriteString(Substitute(instruction, state.Vars))
		ctxB.WriteString("\n")
	}
	if data.Goal != "" {
		ctxB.WriteString("Goal of this step: ")
		ctxB.WriteString(data.Goal)
		ctxB.WriteString("\n")
	}
	if ctxB.Len() > 0 {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: strings.TrimSpace(ctxB.String())})
	}

	return llm.CompletionRequest{
		SystemPrompt: agent.SystemPrompt,
		Messages:     msgs,
		Temperature:  agent.Settings.Temperature,
		MaxTokens:    agent.Settings.MaxTokens,
	}
}

// rephrase asks the model for a natural variation of a scripted line.
func (in *Interpreter) rephrase(ctx context.Context, state *State, data *ConversationData, text string) (string, error) {
	prompt := data.RephrasePrompt
	if prompt == "" {
		prompt = "Rephrase the following line naturally for a phone conversation. Keep the meaning and any specific values exactly. Reply with the rephrased line only."
	}
	resp, err := in.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: prompt,
		Messages: []types.Message{
			{Role: types.RoleUser, Content: text},
		},
		MaxTokens: 200,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// shortCompletion produces one line from an instruction, used for
// prompt-type webhook filler dialogue.
func (in *Interpreter) shortCompletion(ctx context.Context, state *State, instruction string) (string, error) {
	resp, err := in.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "Produce a single short spoken line for a phone agent following this instruction. Reply with the line only.",
		Messages: append(state.Messages(historyWindow), types.Message{
			Role: types.RoleUser, Content: Substitute(instruction, state.Vars),
		}),
		MaxTokens: 60,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

// reprompt builds the re-ask for a missing required variable: a static
// template or a model-generated line, depending on the variable's declared
// reprompt type.
func (in *Interpreter) reprompt(ctx context.Context, state *State, node *Node, spec ExtractVarSpec, opts TurnOptions) (*Outcome, error) {
	var text string
	if spec.RepromptType == "prompt" && spec.PromptMessage != "" {
		if line, err := in.shortCompletion(ctx, state, spec.PromptMessage); err == nil {
			text = line
		}
	}
	if text == "" && spec.RepromptText != "" {
		text = Substitute(spec.RepromptText, state.Vars)
	}
	if text == "" {
		text = fmt.Sprintf("Could you tell me your %s?", strings.ReplaceAll(spec.Name, "_", " "))
	}
	return &Outcome{NodeID: node.ID, Text: text, Reprompt: true}, nil
}

// handleCollectedInput validates the caller's answer on a collect_input
// node and either stores it and moves on, or re-asks.
func (in *Interpreter) handleCollectedInput(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string, opts TurnOptions) (*Outcome, error) {
	data := node.CollectInput
	value, ok := validateInput(data.InputType, userMessage)
	if !ok {
		msg := Substitute(data.ErrorMessage, state.Vars)
		if msg == "" {
			msg = fallbackClarification
		}
		return &Outcome{NodeID: node.ID, Text: msg, Reprompt: true}, nil
	}

	state.SetVar(data.VariableName, value)

	success := Substitute(data.SuccessMessage, state.Vars)
	next, err := in.resolveTransition(ctx, agent, state, node, userMessage)
	if err != nil {
		return nil, err
	}
	if next == nil {
		if success == "" {
			success = fallbackClarification
		}
		return &Outcome{NodeID: node.ID, Text: success}, nil
	}

	state.CurrentNodeID = next.ID
	in.metrics.RecordNodeTransition(ctx, agent.ID, string(next.Type))
	out, err := in.processNode(ctx, agent, state, next, userMessage, opts, 0)
	if err != nil {
		return nil, err
	}
	if success != "" && out.Stream == nil {
		out.Text = strings.TrimSpace(success + " " + out.Text)
	}
	return out, nil
}

// handleExtractNode pulls the node's single variable from the caller's
// answer, staying with a reprompt when the model finds nothing.
func (in *Interpreter) handleExtractNode(ctx context.Context, agent *Agent, state *State, node *Node, userMessage string, opts TurnOptions) (*Outcome, error) {
	data := node.ExtractVariable
	spec := ExtractVarSpec{Name: data.VariableName, Description: data.ExtractionPrompt}

	found, err := in.extractor.Extract(ctx, state, []ExtractVarSpec{spec})
	if err != nil {
		in.logger.Warn("extract node failed", "node", node.ID, "error", err)
	}
	v, ok := found[data.VariableName]
	if !ok {
		prompt := Substitute(data.ExtractionPrompt, state.Vars)
		if prompt == "" {
			prompt = fallbackClarification
		}
		return &Outcome{NodeID: node.ID, Text: prompt, Reprompt: true}, nil
	}

	state.SetVar(data.VariableName, v)

	next, err := in.resolveTransition(ctx, agent, state, node, userMessage)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return &Outcome{NodeID: node.ID, Text: fallbackClarification}, nil
	}
	state.CurrentNodeID = next.ID
	in.metrics.RecordNodeTransition(ctx, agent.ID, string(next.Type))
	return in.processNode(ctx, agent, state, next, userMessage, opts, 0)
}

// ─── input validation ───

var phoneRe = regexp.MustCompile(`^\+?[0-9][0-9\-\s().]{6,19}$`)

// validateInput checks a collect_input answer against its declared type
// and returns the normalized value.
func validateInput(inputType, raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	switch inputType {
	case "", "text":
		return raw, true
	case "email":
		addr, err := mail.ParseAddress(raw)
		if err != nil {
			return "", false
		}
		return addr.Address, true
	case "phone":
		if !phoneRe.MatchString(raw) {
			return "", false
		}
		return raw, true
	case "number":
		n, ok := ParseNumeric(raw)
		if !ok {
			return "", false
		}
		return stringify(n), true
	}
	return raw, true
}

// validDigit reports whether b is a DTMF symbol.
func validDigit(b byte) bool {
	return (b >= '0' && b <= '9') || b == '*' || b == '#'
}

// cloneVars copies a variable map for detached webhook execution.
func cloneVars(vars map[string]any) map[string]any {
	out := make(map[string]any, len(vars))
	for k, v := range vars {
		out[k] = v
	}
	return out
}
