package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 5
	defaultBackoff    = 500 * time.Millisecond
	defaultMaxBackoff = 8 * time.Second
)

// Reconnector re-establishes a call's STT stream after the provider drops
// it mid-call. Transcription providers close long-lived WebSocket streams
// on their own schedule; losing the stream must not end the call.
//
// Safe for concurrent use.
type Reconnector struct {
	provider   stt.Provider
	cfg        stt.StreamConfig
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	logger     *slog.Logger
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Provider opens replacement streams.
	Provider stt.Provider

	// Stream is the audio configuration for every attempt.
	Stream stt.StreamConfig

	// MaxRetries is the number of attempts before giving up. Defaults to 5
	// if zero.
	MaxRetries int

	// Backoff is the initial delay between attempts. Doubles each attempt
	// up to MaxBackoff. Defaults to 500ms if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 8s if zero.
	MaxBackoff time.Duration

	Logger *slog.Logger
}

// NewReconnector creates a [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		provider:   cfg.Provider,
		cfg:        cfg.Stream,
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		logger:     logger,
	}
}

// Reconnect opens a replacement stream, retrying with exponential backoff.
// It returns the first successful handle, or the last error once every
// attempt is exhausted or ctx is cancelled.
func (r *Reconnector) Reconnect(ctx context.Context) (stt.SessionHandle, error) {
	backoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		handle, err := r.provider.StartStream(ctx, r.cfg)
		if err == nil {
			r.logger.Info("stt stream reconnected", "attempt", attempt)
			return handle, nil
		}
		lastErr = err
		r.logger.Warn("stt reconnect attempt failed", "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	return nil, fmt.Errorf("session: stt reconnect failed after %d attempts: %w", r.maxRetries, lastErr)
}
