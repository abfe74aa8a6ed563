package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voxloop/voxloop/internal/bargein"
	"github.com/voxloop/voxloop/internal/flow"
	"github.com/voxloop/voxloop/internal/kb"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/player"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/types"
)

// webhookGuardTimeout caps how long a turn waits for another worker's
// webhook to finish before proceeding anyway. A stuck flag must not mute
// the call forever.
const webhookGuardTimeout = 15 * time.Second

// webhookGuardPoll is the flag polling interval during the guard.
const webhookGuardPoll = 250 * time.Millisecond

// WebhookFlagName is the per-call flag marking an in-flight webhook.
const WebhookFlagName = "executing_webhook"

// defaultCheckin is spoken when the agent has no configured check-in line.
const defaultCheckin = "Hello? Are you still there?"

// clarification is the emergency reply when a stream yields nothing.
const clarification = "Sorry, I didn't catch that. Could you say that again?"

// defaultTimezone anchors "current time" context for agents that do not
// declare one.
const defaultTimezone = "America/New_York"

// Result is what one orchestrated turn did, for the session layer to act
// on (hangup, transfer, SMS, DTMF expectations).
type Result struct {
	Text       string
	NodeID     string
	EndCall    bool
	Transfer   *flow.TransferData
	SMS        *flow.SendSMSData
	AwaitDigit bool
}

// Config wires an [Orchestrator].
type Config struct {
	Agent       *flow.Agent
	State       *flow.State
	LLM         llm.Provider
	Interpreter *flow.Interpreter
	Player      *player.Player
	Voice       tts.VoiceSettings
	Store       store.Store
	Retriever   *kb.Retriever  // nil disables knowledge-base context
	Classifier  *kb.Classifier // nil disables knowledge-base context
	Logger      *slog.Logger
}

// Orchestrator runs the response pipeline for one call. Turns are
// serialised; the barge-in path runs outside this lock so interruptions
// are never queued behind a turn in flight.
type Orchestrator struct {
	agent      *flow.Agent
	state      *flow.State
	llm        llm.Provider
	interp     *flow.Interpreter
	player     *player.Player
	voice      tts.VoiceSettings
	store      store.Store
	retriever  *kb.Retriever
	classifier *kb.Classifier
	extractor  *flow.Extractor
	logger     *slog.Logger
	loc        *time.Location

	mu sync.Mutex

	// deliverCancel aborts the delivery phase of the turn in flight. Held
	// under its own mutex so barge-in can fire while mu is taken by the
	// turn being cancelled.
	deliverMu     sync.Mutex
	deliverCancel context.CancelFunc
}

// New creates an orchestrator for a call.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tz := cfg.Agent.Settings.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		logger.Warn("unknown agent timezone, using UTC", "timezone", tz)
		loc = time.UTC
	}
	return &Orchestrator{
		agent:      cfg.Agent,
		state:      cfg.State,
		llm:        cfg.LLM,
		interp:     cfg.Interpreter,
		player:     cfg.Player,
		voice:      cfg.Voice,
		store:      cfg.Store,
		retriever:  cfg.Retriever,
		classifier: cfg.Classifier,
		extractor:  flow.NewExtractor(cfg.LLM),
		logger:     logger,
		loc:        loc,
	}
}

// State exposes the call state for supervisors sharing the call.
func (o *Orchestrator) State() *flow.State { return o.state }

// Greet speaks the opening line for agent-first calls. A no-op for flows
// where the caller speaks first.
func (o *Orchestrator) Greet(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.agent.Type == flow.AgentCallFlow {
		outcome, err := o.interp.Opening(ctx, o.agent, o.state, flow.TurnOptions{ExtraContext: o.timeContext()})
		if err != nil {
			return fmt.Errorf("turn: opening: %w", err)
		}
		if outcome == nil {
			return nil
		}
		text, err := o.deliver(ctx, outcome.Text, outcome.Stream)
		if err != nil {
			return err
		}
		o.state.AppendAssistant(text, outcome.NodeID)
		return nil
	}

	greeting := o.agent.Greeting
	if greeting == "" {
		return nil
	}
	if err := o.player.SpeakText(ctx, o.state.CallID, greeting, o.voice); err != nil {
		return err
	}
	o.state.AppendAssistant(greeting, "")
	return nil
}

// Respond processes one final user transcript end to end and plays the
// reply.
func (o *Orchestrator) Respond(ctx context.Context, userMessage string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	start := time.Now()

	o.guardWebhook(ctx)
	if result, handled, err := o.replaySilenceGreeting(ctx, userMessage); handled {
		if err != nil {
			return nil, err
		}
		observe.DefaultMetrics().TurnDuration.Record(ctx, time.Since(start).Seconds())
		return result, nil
	}
	o.state.AppendUser(userMessage)

	opts := flow.TurnOptions{ExtraContext: o.buildContext(ctx, userMessage)}

	var result *Result
	var err error
	if o.agent.Type == flow.AgentCallFlow {
		result, err = o.respondFlow(ctx, userMessage, opts)
	} else {
		result, err = o.respondSinglePrompt(ctx, opts)
	}
	if err != nil {
		return nil, err
	}

	observe.DefaultMetrics().TurnDuration.Record(ctx, time.Since(start).Seconds())
	return result, nil
}

// RespondDigit processes a DTMF press for flows waiting on one.
func (o *Orchestrator) RespondDigit(ctx context.Context, digit string) (*Result, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	outcome, err := o.interp.HandleDigit(ctx, o.agent, o.state, digit, flow.TurnOptions{ExtraContext: o.timeContext()})
	if err != nil {
		return nil, err
	}
	return o.finishOutcome(ctx, outcome)
}

// Checkin speaks a dead-air prompt. On a call where the agent has not
// spoken yet this doubles as the silence greeting.
func (o *Orchestrator) Checkin(ctx context.Context, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	text := o.agent.Settings.DeadAir.CheckinMessage
	if text == "" {
		text = defaultCheckin
	}
	if o.state.FirstTurn() {
		o.state.SilenceGreetingSent = true
	}
	if err := o.player.SpeakText(ctx, o.state.CallID, text, o.voice); err != nil {
		o.logger.Warn("check-in playback failed", "call_id", o.state.CallID, "error", err)
		return
	}
	o.state.AppendCheckin(text)
}

// respondFlow runs the flow interpreter and delivers its outcome.
func (o *Orchestrator) respondFlow(ctx context.Context, userMessage string, opts flow.TurnOptions) (*Result, error) {
	outcome, err := o.interp.Process(ctx, o.agent, o.state, userMessage, opts)
	if err != nil {
		return nil, fmt.Errorf("turn: interpret: %w", err)
	}
	return o.finishOutcome(ctx, outcome)
}

// finishOutcome plays an interpreter outcome, records the turn, and kicks
// off background extraction.
func (o *Orchestrator) finishOutcome(ctx context.Context, outcome *flow.Outcome) (*Result, error) {
	text, err := o.deliver(ctx, outcome.Text, outcome.Stream)
	if err != nil {
		return nil, err
	}
	o.state.AppendAssistant(text, outcome.NodeID)

	if specs := outcome.BackgroundExtract; len(specs) > 0 {
		go o.extractBackground(context.WithoutCancel(ctx), specs)
	}

	return &Result{
		Text:       text,
		NodeID:     outcome.NodeID,
		EndCall:    outcome.EndCall,
		Transfer:   outcome.Transfer,
		SMS:        outcome.SMS,
		AwaitDigit: outcome.AwaitDigit,
	}, nil
}

// respondSinglePrompt streams a reply straight from the system prompt.
func (o *Orchestrator) respondSinglePrompt(ctx context.Context, opts flow.TurnOptions) (*Result, error) {
	msgs := o.state.Messages(10)
	if opts.ExtraContext != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: opts.ExtraContext})
	}
	stream, err := o.llm.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: o.agent.SystemPrompt,
		Messages:     msgs,
		Temperature:  o.agent.Settings.Temperature,
		MaxTokens:    o.agent.Settings.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("turn: stream completion: %w", err)
	}

	text, err := o.deliver(ctx, "", stream)
	if err != nil {
		return nil, err
	}
	o.state.AppendAssistant(text, "")
	return &Result{Text: text}, nil
}

// deliver plays either a complete text or a stream, returning the full
// spoken text. Delivery runs under a per-turn cancel so a barge-in cuts
// synthesis of sentences the caller will never hear; a cut delivery keeps
// what was already spoken. An empty delivery falls back to a spoken
// clarification so the caller never gets dead silence after speaking.
func (o *Orchestrator) deliver(ctx context.Context, text string, stream <-chan llm.Chunk) (string, error) {
	tctx, cancel := context.WithCancel(ctx)
	o.deliverMu.Lock()
	o.deliverCancel = cancel
	o.deliverMu.Unlock()
	defer func() {
		o.deliverMu.Lock()
		o.deliverCancel = nil
		o.deliverMu.Unlock()
		cancel()
	}()
	interrupted := func() bool { return tctx.Err() != nil && ctx.Err() == nil }

	var err error
	if stream != nil {
		text, err = o.speakStream(tctx, stream)
		if err != nil {
			if interrupted() {
				return text, nil
			}
			return "", err
		}
	} else if text != "" {
		if err = o.player.SpeakText(tctx, o.state.CallID, text, o.voice); err != nil {
			if interrupted() {
				return text, nil
			}
			return "", err
		}
	}
	if strings.TrimSpace(text) == "" && !interrupted() {
		text = clarification
		if err := o.player.SpeakText(tctx, o.state.CallID, text, o.voice); err != nil {
			return "", err
		}
	}
	return text, nil
}

// CancelDelivery aborts the in-flight turn's remaining synthesis and
// playback submissions. A no-op when nothing is being delivered.
func (o *Orchestrator) CancelDelivery() {
	o.deliverMu.Lock()
	if o.deliverCancel != nil {
		o.deliverCancel()
	}
	o.deliverMu.Unlock()
}

// speakStream pipes LLM chunks through the sentence splitter into the
// player, so the first sentence plays while the model is still writing.
func (o *Orchestrator) speakStream(ctx context.Context, stream <-chan llm.Chunk) (string, error) {
	sentences := make(chan string, 8)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.player.Speak(gctx, o.state.CallID, sentences, o.voice)
	})

	var full strings.Builder
	var splitter Splitter
	var firstToken bool
	start := time.Now()

	g.Go(func() error {
		defer close(sentences)
		for chunk := range stream {
			if chunk.FinishReason == "error" {
				return errors.New("turn: stream failed mid-response")
			}
			if !firstToken && chunk.Text != "" {
				firstToken = true
				observe.DefaultMetrics().LLMFirstTokenLatency.Record(gctx, time.Since(start).Seconds())
			}
			for _, sentence := range splitter.Write(chunk.Text) {
				// Only submitted sentences count as spoken; a cancelled
				// delivery must not record lines the caller never heard.
				if gctx.Err() != nil {
					return gctx.Err()
				}
				select {
				case sentences <- sentence:
					appendSpoken(&full, sentence)
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
		if tail := splitter.Flush(); tail != "" {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			select {
			case sentences <- tail:
				appendSpoken(&full, tail)
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	// Return the partial text alongside the error; a cancelled delivery
	// records the sentences that were actually spoken.
	return full.String(), g.Wait()
}

// appendSpoken joins fragments back into the recorded turn text.
func appendSpoken(b *strings.Builder, fragment string) {
	if b.Len() > 0 {
		b.WriteString(" ")
	}
	b.WriteString(fragment)
}

// guardWebhook waits for another worker's webhook window to close before
// processing the turn, bounded by webhookGuardTimeout.
func (o *Orchestrator) guardWebhook(ctx context.Context) {
	key := store.FlagKey(o.state.CallID, WebhookFlagName)
	deadline := time.Now().Add(webhookGuardTimeout)
	for time.Now().Before(deadline) {
		if _, err := o.store.GetFlag(ctx, key); errors.Is(err, store.ErrNotFound) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(webhookGuardPoll):
		}
	}
	o.logger.Warn("webhook guard timed out, proceeding", "call_id", o.state.CallID)
}

// replaySilenceGreeting handles a caller answering over an unheard
// silence greeting: the stand-in check-in is pruned from history and the
// opening the call was meant to start with is spoken directly, never a
// generated reply to a question nobody asked. handled reports whether the
// turn was consumed here; when false the caller's words go through the
// normal pipeline.
func (o *Orchestrator) replaySilenceGreeting(ctx context.Context, userMessage string) (result *Result, handled bool, err error) {
	if !o.state.SilenceGreetingSent {
		return nil, false, nil
	}
	if n := len(o.state.History); n > 0 && bargein.Prunable(o.state.History[n-1]) {
		o.state.PopLastAssistant()
	}
	o.state.SilenceGreetingSent = false

	if o.agent.Type != flow.AgentCallFlow {
		greeting := o.agent.Greeting
		if greeting == "" {
			return nil, false, nil
		}
		o.state.AppendUser(userMessage)
		text, err := o.deliver(ctx, greeting, nil)
		if err != nil {
			return nil, true, err
		}
		o.state.AppendAssistant(text, "")
		return &Result{Text: text}, true, nil
	}

	node := o.greetingNode()
	if node == nil {
		return nil, false, nil
	}
	o.state.AppendUser(userMessage)
	outcome, err := o.interp.ReplayNode(ctx, o.agent, o.state, node.ID, flow.TurnOptions{ExtraContext: o.timeContext()})
	if err != nil {
		return nil, true, fmt.Errorf("turn: replay greeting: %w", err)
	}
	result, err = o.finishOutcome(ctx, outcome)
	return result, true, err
}

// greetingNode resolves the node a silence greeting stood in for: the
// node the call already sits on, otherwise the flow's opening
// conversation node, otherwise a node labelled like a greeting.
func (o *Orchestrator) greetingNode() *flow.Node {
	if id := o.state.CurrentNodeID; id != "" {
		if n := o.agent.Node(id); n != nil {
			return n
		}
	}
	if n := o.agent.FirstConversationNode(); n != nil {
		return n
	}
	for i := range o.agent.Flow {
		n := &o.agent.Flow[i]
		switch strings.ToLower(n.Label) {
		case "greeting", "intro", "introduction", "start":
			return n
		}
		switch strings.ToLower(n.ID) {
		case "greeting", "intro", "introduction", "start":
			return n
		}
	}
	return nil
}

// Interrupted rewrites history for a turn the caller talked over: an
// unheard check-in is pruned from the tail and the silence-greeting
// marker resets. Takes the turn lock so it never races a turn still
// appending; callers cancel delivery first so the lock frees promptly.
func (o *Orchestrator) Interrupted() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.SilenceGreetingSent = false
	if n := len(o.state.History); n > 0 && bargein.Prunable(o.state.History[n-1]) {
		if popped := o.state.PopLastAssistant(); popped != nil {
			return popped.Text, true
		}
	}
	return "", false
}

// buildContext assembles per-turn prompt context: wall-clock time in the
// agent's timezone, plus knowledge-base passages for factual questions.
func (o *Orchestrator) buildContext(ctx context.Context, userMessage string) string {
	parts := []string{o.timeContext()}

	if o.agent.HasKnowledgeBase && o.retriever != nil && o.classifier != nil &&
		o.classifier.IsFactualQuestion(ctx, userMessage) {
		chunks, err := o.retriever.Retrieve(ctx, o.agent.ID, userMessage)
		if err != nil {
			o.logger.Warn("knowledge-base retrieval failed", "error", err)
		} else if block := kb.ContextBlock(chunks); block != "" {
			parts = append(parts, block)
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// timeContext renders the current time fresh for every turn. Long calls
// must not keep quoting the time the session started at.
func (o *Orchestrator) timeContext() string {
	return "Current time: " + time.Now().In(o.loc).Format("Monday, January 2, 2006 at 3:04 PM MST")
}

// extractBackground runs non-blocking variable extraction after the reply
// has been dispatched, taking the turn lock to mutate state safely.
func (o *Orchestrator) extractBackground(ctx context.Context, specs []flow.ExtractVarSpec) {
	o.mu.Lock()
	snapshot := &flow.State{
		CallID:  o.state.CallID,
		AgentID: o.state.AgentID,
		Vars:    make(map[string]any, len(o.state.Vars)),
		History: append([]types.Turn(nil), o.state.History...),
	}
	for k, v := range o.state.Vars {
		snapshot.Vars[k] = v
	}
	o.mu.Unlock()

	found, err := o.extractor.Extract(ctx, snapshot, specs)
	if err != nil {
		o.logger.Debug("background extraction failed", "call_id", o.state.CallID, "error", err)
		return
	}
	if len(found) == 0 {
		return
	}
	o.mu.Lock()
	for k, v := range found {
		o.state.SetVar(k, v)
	}
	o.mu.Unlock()
}
