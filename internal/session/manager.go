package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxloop/voxloop/internal/bargein"
	"github.com/voxloop/voxloop/internal/deadair"
	"github.com/voxloop/voxloop/internal/flow"
	"github.com/voxloop/voxloop/internal/kb"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/player"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/telephony"
	"github.com/voxloop/voxloop/internal/turn"
	"github.com/voxloop/voxloop/internal/vault"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/tts"
)

// ErrNoSession is returned when neither this worker nor the store knows the
// call.
var ErrNoSession = errors.New("session: no session for call")

// readyTTL keeps the ready marker alive for the lifetime of a call.
const readyTTL = DefaultRecordTTL

// AgentLoader resolves agent snapshots by ID. The production implementation
// reads Postgres; tests use a map.
type AgentLoader interface {
	LoadAgent(ctx context.Context, agentID string) (*flow.Agent, error)
}

// Deps are the shared provider and infrastructure handles every session is
// built from.
type Deps struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	TTSBatch   tts.Batch // nil means carrier speak is the only fallback
	Telephony  telephony.Client
	Store      store.Store
	Host       *player.AudioHost
	Agents     AgentLoader
	Retriever  *kb.Retriever  // nil disables knowledge-base context
	Classifier *kb.Classifier // nil disables knowledge-base context
	Logger     *slog.Logger

	// Vault resolves per-user provider credentials. nil means the shared
	// config-level providers serve every call.
	Vault *vault.Vault

	// LLMFactory builds a per-call LLM provider from the agent owner's own
	// credentials. nil keeps the shared provider even when a key exists.
	LLMFactory func(provider, model, apiKey string) (llm.Provider, error)

	// TTSFactory builds a per-call synthesiser from the agent owner's own
	// credentials. nil keeps the shared provider.
	TTSFactory func(provider, apiKey string) (tts.Provider, error)

	// MaxCallDuration hard-caps call length. Zero means the supervisor
	// default.
	MaxCallDuration time.Duration

	// RecordTTL overrides how long session records outlive their last
	// update. Zero means DefaultRecordTTL.
	RecordTTL time.Duration
}

// Manager tracks the live sessions on this worker and rebuilds sessions for
// calls other workers created.
type Manager struct {
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager with no live sessions.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{deps: deps, logger: logger, sessions: make(map[string]*Session)}
}

// CreateParams describes a call being started on this worker.
type CreateParams struct {
	CallID string
	Agent  *flow.Agent
	From   string
	To     string
}

// Create builds a full session for a new call, persists its record, and
// registers it. The caller is responsible for running Run and Greet.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*Session, error) {
	state := flow.NewState(p.CallID, p.Agent.ID)
	return m.assemble(ctx, p.Agent, state, p.From, p.To, time.Now())
}

// Get returns the live session for callID on this worker, if any.
func (m *Manager) Get(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Resume returns the local session for callID or reconstructs one from the
// store record another worker wrote. Reconstructed sessions have no STT
// stream of their own; they exist to serve webhooks and digits for a call
// whose media lands elsewhere.
func (m *Manager) Resume(ctx context.Context, callID string) (*Session, error) {
	if s, ok := m.Get(callID); ok {
		return s, nil
	}

	fields, err := m.deps.Store.GetSession(ctx, callID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("session: load record: %w", err)
	}
	rec, err := RecordFromFields(fields)
	if err != nil {
		return nil, err
	}
	agent, err := m.deps.Agents.LoadAgent(ctx, rec.AgentID)
	if err != nil {
		return nil, fmt.Errorf("session: load agent %s: %w", rec.AgentID, err)
	}
	return m.assemble(ctx, agent, rec.Restore(), rec.From, rec.To, rec.StartedAt)
}

// Destroy closes and forgets the session for callID. Unknown calls are a
// no-op so hangup webhooks can be processed idempotently.
func (m *Manager) Destroy(ctx context.Context, callID string) {
	if s, ok := m.Get(callID); ok {
		s.Close(ctx)
	}
}

// Len returns the number of live sessions on this worker.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears down every live session, for worker shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()
	for _, s := range live {
		s.Close(ctx)
	}
}

// assemble wires one session's full stack and registers it.
func (m *Manager) assemble(ctx context.Context, agent *flow.Agent, state *flow.State, from, to string, startedAt time.Time) (*Session, error) {
	if err := agent.Index(); err != nil {
		return nil, err
	}
	logger := m.logger.With("call_id", state.CallID, "agent_id", agent.ID)

	streamCfg := stt.StreamConfig{
		SampleRate: 8000,
		Encoding:   "mulaw",
		Language:   "en-US",
	}
	handle, err := m.deps.STT.StartStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("session: open stt stream: %w", err)
	}

	llmProv, ttsProv, ttsBatch := m.deps.LLM, m.deps.TTS, m.deps.TTSBatch
	if m.deps.Vault != nil && agent.UserID != "" {
		keys := vault.NewCache(m.deps.Vault, agent.UserID)
		if p := m.userLLM(ctx, keys, agent, logger); p != nil {
			llmProv = p
		}
		if p := m.userTTS(ctx, keys, agent, logger); p != nil {
			ttsProv = p
			if b, ok := p.(tts.Batch); ok {
				ttsBatch = b
			}
		}
	}

	pl := player.New(ttsProv, ttsBatch, m.deps.Telephony, m.deps.Host, m.deps.Store, logger)
	webhooks := flow.NewWebhookExecutor(nil, logger)
	interp := flow.NewInterpreter(llmProv, webhooks, logger)

	orch := turn.New(turn.Config{
		Agent:       agent,
		State:       state,
		LLM:         llmProv,
		Interpreter: interp,
		Player:      pl,
		Voice:       voiceSettings(agent),
		Store:       m.deps.Store,
		Retriever:   m.deps.Retriever,
		Classifier:  m.deps.Classifier,
		Logger:      logger,
	})

	s := &Session{
		CallID: state.CallID,
		agent:  agent,
		state:  state,
		orch:   orch,
		barge:  bargein.New(pl, orch, logger),
		player: pl,
		tel:    m.deps.Telephony,
		store:  m.deps.Store,
		stt:    handle,
		recon: NewReconnector(ReconnectorConfig{
			Provider: m.deps.STT,
			Stream:   streamCfg,
			Logger:   logger,
		}),
		summer:    NewLLMSummariser(llmProv),
		logger:    logger,
		from:      from,
		to:        to,
		startedAt: startedAt,
		onClose:   m.forget,
	}
	if m.deps.RecordTTL > 0 {
		s.ttl = m.deps.RecordTTL
	}
	s.silent = deadair.New(deadairConfig(agent, m.deps.MaxCallDuration), deadair.Hooks{
		Checkin: s.checkinHook,
		End:     s.endHook,
	}, logger)
	webhooks.SetGate(gate{s: s})

	m.mu.Lock()
	m.sessions[state.CallID] = s
	m.mu.Unlock()

	s.persist(ctx)
	if err := m.deps.Store.SetFlag(ctx, store.ReadyKey(state.CallID), "1", readyTTL); err != nil {
		logger.Warn("ready flag set failed", "error", err)
	}
	observe.DefaultMetrics().ActiveCalls.Add(ctx, 1)
	return s, nil
}

// userLLM builds an LLM provider from the agent owner's vaulted key.
// Returns nil when the user has no key or construction fails, leaving the
// shared provider to serve the call.
func (m *Manager) userLLM(ctx context.Context, keys *vault.Cache, agent *flow.Agent, logger *slog.Logger) llm.Provider {
	if m.deps.LLMFactory == nil {
		return nil
	}
	service := agent.Settings.LLMProvider
	if service == "" {
		service = agent.Settings.LLMModel
	}
	if service == "" {
		return nil
	}
	key, err := keys.GetKey(ctx, service)
	if err != nil {
		var miss *vault.MissingKeyError
		if !errors.As(err, &miss) {
			logger.Warn("vault llm key lookup failed, using shared provider", "error", err)
		}
		return nil
	}
	p, err := m.deps.LLMFactory(vault.CanonicalService(service), agent.Settings.LLMModel, key)
	if err != nil {
		logger.Warn("per-user llm init failed, using shared provider", "error", err)
		return nil
	}
	return p
}

// userTTS builds a synthesiser from the agent owner's vaulted key.
func (m *Manager) userTTS(ctx context.Context, keys *vault.Cache, agent *flow.Agent, logger *slog.Logger) tts.Provider {
	if m.deps.TTSFactory == nil {
		return nil
	}
	service := agent.Settings.Voice.Provider
	if service == "" {
		service = "elevenlabs"
	}
	key, err := keys.GetKey(ctx, service)
	if err != nil {
		var miss *vault.MissingKeyError
		if !errors.As(err, &miss) {
			logger.Warn("vault tts key lookup failed, using shared provider", "error", err)
		}
		return nil
	}
	p, err := m.deps.TTSFactory(vault.CanonicalService(service), key)
	if err != nil {
		logger.Warn("per-user tts init failed, using shared provider", "error", err)
		return nil
	}
	return p
}

// forget drops the session from the registry after Close.
func (m *Manager) forget(callID string) {
	m.mu.Lock()
	delete(m.sessions, callID)
	m.mu.Unlock()
}

// voiceSettings maps the agent's voice block onto synthesis settings.
func voiceSettings(a *flow.Agent) tts.VoiceSettings {
	v := a.Settings.Voice
	return tts.VoiceSettings{
		VoiceID:         v.VoiceID,
		Model:           v.Model,
		Stability:       v.Stability,
		SimilarityBoost: v.SimilarityBoost,
		Speed:           v.Speed,
	}
}

// deadairConfig maps the agent's silence block onto supervisor tuning.
func deadairConfig(a *flow.Agent, maxDuration time.Duration) deadair.Config {
	d := a.Settings.DeadAir
	return deadair.Config{
		SilenceTimeoutNormal: d.SilenceTimeoutNormal,
		SilenceTimeoutHoldOn: d.SilenceTimeoutHoldOn,
		MaxCheckins:          d.MaxCheckins,
		MaxCallDuration:      maxDuration,
	}
}
