// Package mock provides test doubles for the llm package interfaces.
//
// Provider replays scripted responses: queue completions with Enqueue, or set
// StreamText to have StreamCompletion emit fixed chunks. Every request is
// recorded for inspection.
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxloop/voxloop/pkg/provider/llm"
)

// ErrNoResponse is returned by Complete when the scripted queue is empty and
// no Response is configured.
var ErrNoResponse = errors.New("mock: no scripted response")

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Response is the fallback content returned by Complete when the queue is
	// empty.
	Response string

	// StreamChunks are the texts StreamCompletion emits, one chunk each,
	// followed by a chunk with FinishReason "stop".
	StreamChunks []string

	// Err, if non-nil, is returned from both methods.
	Err error

	// Delay, if non-zero, is slept before Complete returns and before each
	// streamed chunk. Use it to exercise timeout paths.
	Delay time.Duration

	// CompleteCalls records every request passed to Complete.
	CompleteCalls []llm.CompletionRequest

	// StreamCalls records every request passed to StreamCompletion.
	StreamCalls []llm.CompletionRequest

	queue []string
}

// Enqueue appends scripted Complete responses, consumed in FIFO order.
func (p *Provider) Enqueue(contents ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, contents...)
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, req)
	err := p.Err
	delay := p.Delay
	var content string
	var scripted bool
	if len(p.queue) > 0 {
		content, scripted = p.queue[0], true
		p.queue = p.queue[1:]
	} else if p.Response != "" {
		content, scripted = p.Response, true
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !scripted {
		return nil, ErrNoResponse
	}
	return &llm.CompletionResponse{Content: content}, nil
}

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, req)
	err := p.Err
	chunks := make([]string, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	delay := p.Delay
	p.mu.Unlock()

	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks)+1)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- llm.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
		}
		select {
		case ch <- llm.Chunk{FinishReason: "stop"}:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

var _ llm.Provider = (*Provider)(nil)
