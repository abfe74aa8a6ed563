package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	sttmock "github.com/voxloop/voxloop/pkg/provider/stt/mock"
)

// flakyProvider fails the first failures attempts, then succeeds.
type flakyProvider struct {
	failures int
	calls    int
}

func (p *flakyProvider) StartStream(_ context.Context, _ stt.StreamConfig) (stt.SessionHandle, error) {
	p.calls++
	if p.calls <= p.failures {
		return nil, errors.New("upstream refused")
	}
	return sttmock.NewSession(), nil
}

func TestReconnect_RetriesWithBackoff(t *testing.T) {
	p := &flakyProvider{failures: 2}
	r := NewReconnector(ReconnectorConfig{
		Provider: p,
		Backoff:  time.Millisecond,
	})

	handle, err := r.Reconnect(context.Background())
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if handle == nil {
		t.Fatal("expected a live handle")
	}
	if p.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", p.calls)
	}
}

func TestReconnect_GivesUpAfterMaxRetries(t *testing.T) {
	p := &flakyProvider{failures: 100}
	r := NewReconnector(ReconnectorConfig{
		Provider:   p,
		MaxRetries: 3,
		Backoff:    time.Millisecond,
	})

	if _, err := r.Reconnect(context.Background()); err == nil {
		t.Error("exhausted retries must fail")
	}
	if p.calls != 3 {
		t.Errorf("expected 3 attempts, got %d", p.calls)
	}
}

func TestReconnect_StopsOnCancel(t *testing.T) {
	p := &flakyProvider{failures: 100}
	r := NewReconnector(ReconnectorConfig{
		Provider: p,
		Backoff:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Reconnect(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
