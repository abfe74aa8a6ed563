// Package app wires all Voxloop subsystems into a running call server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithStore, WithTelephony, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxloop/voxloop/internal/agentstore"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/kb"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/internal/player"
	"github.com/voxloop/voxloop/internal/resilience"
	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/telephony"
	"github.com/voxloop/voxloop/internal/vault"
	"github.com/voxloop/voxloop/pkg/provider/embeddings"
	embopenai "github.com/voxloop/voxloop/pkg/provider/embeddings/openai"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/anyllm"
	llmopenai "github.com/voxloop/voxloop/pkg/provider/llm/openai"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/stt/assemblyai"
	"github.com/voxloop/voxloop/pkg/provider/stt/deepgram"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/provider/tts/elevenlabs"
)

// shutdownTimeout bounds the HTTP server drain on shutdown.
const shutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes for one worker process.
type App struct {
	cfg *config.Config

	logger      *slog.Logger
	store       store.Store
	pool        *pgxpool.Pool
	vault       *vault.Vault
	agents      *agentstore.PostgresStore
	agentLoader session.AgentLoader
	sessions    *session.Manager
	tel         telephony.Client
	host        *player.AudioHost
	health      *health.Handler
	server      *http.Server

	sttProvider stt.Provider
	llmProvider llm.Provider
	ttsProvider tts.Provider
	embedder    embeddings.Provider

	// closers are called in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a session store instead of connecting to Redis.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithTelephony injects a carrier client instead of creating a Telnyx one.
func WithTelephony(c telephony.Client) Option {
	return func(a *App) { a.tel = c }
}

// WithSTT injects the STT provider.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.sttProvider = p }
}

// WithLLM injects the LLM provider.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llmProvider = p }
}

// WithTTS injects the TTS provider.
func WithTTS(p tts.Provider) Option {
	return func(a *App) { a.ttsProvider = p }
}

// WithAgentLoader bypasses Postgres agent loading. The agent CRUD endpoints
// are disabled when this is used.
func WithAgentLoader(l session.AgentLoader) Option {
	return func(a *App) { a.agentLoader = l }
}

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}

	a.initLogger()

	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}
	if err := a.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("app: init database: %w", err)
	}
	if err := a.initProviders(ctx); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initTelephony(); err != nil {
		return nil, fmt.Errorf("app: init telephony: %w", err)
	}

	a.host = player.NewAudioHost(cfg.Server.BackendURL)
	a.initSessions()
	a.initHealth()
	a.server = a.buildServer()

	return a, nil
}

// initLogger installs the process-wide slog handler at the configured level.
func (a *App) initLogger() {
	level := slog.LevelInfo
	switch a.cfg.Server.LogLevel {
	case config.LogDebug:
		level = slog.LevelDebug
	case config.LogWarn:
		level = slog.LevelWarn
	case config.LogError:
		level = slog.LevelError
	}
	a.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
}

// initStore connects the cross-worker session store. Without a Redis URL
// the server runs on a process-local store, which is fine for a single
// worker but loses cross-worker handoff.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Store.RedisURL == "" {
		a.logger.Warn("no redis_url configured, using in-process session store")
		a.store = store.NewMemory()
		return nil
	}
	redis, err := store.NewRedis(ctx, a.cfg.Store.RedisURL)
	if err != nil {
		return err
	}
	a.store = store.NewGuard(redis, a.logger)
	a.closers = append(a.closers, redis.Close)
	return nil
}

// initDatabase connects Postgres and builds the vault, agent store, and
// knowledge-base retriever on top of it.
func (a *App) initDatabase(ctx context.Context) error {
	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		if a.agentLoader == nil {
			return fmt.Errorf("store.postgres_dsn is required")
		}
		return nil
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.closers = append(a.closers, func() error { pool.Close(); return nil })

	a.agents = agentstore.NewPostgresStore(pool)
	if err := a.agents.Migrate(ctx); err != nil {
		return err
	}
	if a.agentLoader == nil {
		a.agentLoader = a.agents
	}

	if a.cfg.Vault.MasterKey != "" {
		v, err := vault.New(pool, a.cfg.Vault.MasterKey)
		if err != nil {
			return err
		}
		if err := v.Migrate(ctx); err != nil {
			return err
		}
		a.vault = v
	}
	return nil
}

// initProviders builds the configured STT, LLM, TTS, and embeddings
// providers.
func (a *App) initProviders(ctx context.Context) error {
	p := a.cfg.Providers

	if a.sttProvider == nil {
		switch p.STT.Name {
		case "", "deepgram":
			prov, err := deepgram.New(p.STT.APIKey)
			if err != nil {
				return fmt.Errorf("stt provider: %w", err)
			}
			a.sttProvider = prov
		case "assemblyai":
			prov, err := assemblyai.New(p.STT.APIKey)
			if err != nil {
				return fmt.Errorf("stt provider: %w", err)
			}
			a.sttProvider = prov
		default:
			return fmt.Errorf("unknown stt provider %q", p.STT.Name)
		}
	}

	if a.llmProvider == nil {
		switch p.LLM.Name {
		case "", "openai":
			prov, err := llmopenai.New(p.LLM.APIKey, p.LLM.Model)
			if err != nil {
				return fmt.Errorf("llm provider: %w", err)
			}
			a.llmProvider = prov
		default:
			// any-llm covers Anthropic, Gemini, Ollama and friends behind
			// one constructor keyed by provider name.
			prov, err := anyllm.New(p.LLM.Name, p.LLM.Model, p.LLM.APIKey)
			if err != nil {
				return fmt.Errorf("llm provider: %w", err)
			}
			a.llmProvider = prov
		}
	}

	if a.ttsProvider == nil {
		switch p.TTS.Name {
		case "", "elevenlabs":
			prov, err := elevenlabs.New(p.TTS.APIKey)
			if err != nil {
				return fmt.Errorf("tts provider: %w", err)
			}
			a.ttsProvider = prov
		default:
			return fmt.Errorf("unknown tts provider %q", p.TTS.Name)
		}
	}

	if a.embedder == nil && p.Embeddings.APIKey != "" {
		prov, err := embopenai.New(p.Embeddings.APIKey, p.Embeddings.Model)
		if err != nil {
			return fmt.Errorf("embeddings provider: %w", err)
		}
		a.embedder = prov
	}
	return nil
}

// initTelephony creates the Telnyx client unless one was injected.
func (a *App) initTelephony() error {
	if a.tel != nil {
		return nil
	}
	opts := []telephony.TelnyxOption{}
	if a.cfg.Telephony.BaseURL != "" {
		opts = append(opts, telephony.WithBaseURL(a.cfg.Telephony.BaseURL))
	}
	tel, err := telephony.NewTelnyx(a.cfg.Telephony.APIKey, a.cfg.Telephony.ConnectionID, opts...)
	if err != nil {
		return err
	}
	a.tel = tel
	return nil
}

// initSessions builds the session manager over the shared infrastructure.
// LLM and TTS go behind circuit-breaker fallback groups so one provider
// outage degrades rather than drops calls.
func (a *App) initSessions() {
	llmGroup := resilience.NewLLMFallback(a.llmProvider, providerName(a.cfg.Providers.LLM.Name, "openai"), resilience.FallbackConfig{})
	ttsGroup := resilience.NewTTSFallback(a.ttsProvider, providerName(a.cfg.Providers.TTS.Name, "elevenlabs"), resilience.FallbackConfig{})

	var batch tts.Batch
	if b, ok := a.ttsProvider.(tts.Batch); ok {
		batch = resilience.NewBatchFallback(b, providerName(a.cfg.Providers.TTS.Name, "elevenlabs"), resilience.FallbackConfig{})
	}

	var retriever *kb.Retriever
	var classifier *kb.Classifier
	if a.pool != nil && a.embedder != nil {
		retriever = kb.NewRetriever(a.pool, a.embedder, 0)
		classifier = kb.NewClassifier(llmGroup)
	}

	a.sessions = session.NewManager(session.Deps{
		STT:        a.sttProvider,
		LLM:        llmGroup,
		TTS:        ttsGroup,
		TTSBatch:   batch,
		Telephony:  a.tel,
		Store:      a.store,
		Host:       a.host,
		Agents:     a.agentLoader,
		Retriever:  retriever,
		Classifier: classifier,
		Logger:     a.logger,

		Vault:      a.vault,
		LLMFactory: a.newUserLLM,
		TTSFactory: a.newUserTTS,

		MaxCallDuration: a.cfg.Session.MaxCallDuration,
		RecordTTL:       a.cfg.Session.StoreTTL,
	})
}

// newUserLLM builds an LLM provider from a caller-owned key resolved
// through the vault. OpenAI-compatible providers share one implementation
// differentiated by base URL; everything else goes through any-llm.
func (a *App) newUserLLM(provider, model, apiKey string) (llm.Provider, error) {
	if model == "" {
		model = a.cfg.Providers.LLM.Model
	}
	switch provider {
	case "openai":
		return llmopenai.New(apiKey, model)
	case "grok":
		return llmopenai.New(apiKey, model, llmopenai.WithBaseURL(llmopenai.GrokBaseURL))
	case "gemini":
		return llmopenai.New(apiKey, model, llmopenai.WithBaseURL(llmopenai.GeminiBaseURL))
	default:
		return anyllm.New(provider, model, apiKey)
	}
}

// newUserTTS builds a synthesiser from a caller-owned key.
func (a *App) newUserTTS(provider, apiKey string) (tts.Provider, error) {
	switch provider {
	case "", "elevenlabs":
		return elevenlabs.New(apiKey)
	}
	return nil, fmt.Errorf("no per-user synthesiser for provider %q", provider)
}

// providerName falls back to the default implementation name when the
// config leaves the slot empty.
func providerName(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// initHealth registers readiness checks for the store and database.
func (a *App) initHealth() {
	checks := []health.Checker{
		{Name: "store", Check: func(ctx context.Context) error {
			return a.store.SetFlag(ctx, "healthcheck", "1", time.Second)
		}},
	}
	if a.pool != nil {
		checks = append(checks, health.Checker{Name: "database", Check: a.pool.Ping})
	}
	a.health = health.New(checks...)
}

// Run serves HTTP until ctx is cancelled, then shuts down.
func (a *App) Run(ctx context.Context) error {
	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxloop"})
	if err != nil {
		return fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error {
		c, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(c)
	})

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("voxloop listening", "addr", a.server.Addr)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.Shutdown()
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
		a.Shutdown()
		return ctx.Err()
	}
}

// Shutdown tears everything down in reverse initialisation order. Safe to
// call more than once.
func (a *App) Shutdown() {
	a.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				a.logger.Warn("http shutdown", "error", err)
			}
		}
		a.sessions.CloseAll(ctx)
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.logger.Warn("closer failed", "error", err)
			}
		}
	})
}
