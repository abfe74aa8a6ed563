// Package mock provides a test double for the telephony.Client interface.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/voxloop/voxloop/internal/telephony"
)

// Call records a single client invocation.
type Call struct {
	Method string
	CallID string
	Arg    string
}

// Client is a scriptable telephony.Client. Every invocation is recorded in
// order; per-method errors can be injected.
type Client struct {
	mu sync.Mutex

	// Errs maps method name to the error it should return.
	Errs map[string]error

	// DialID is returned by Dial.
	DialID string

	// Calls records every invocation in order.
	Calls []Call

	playCount int
}

// record appends a call and returns the scripted error for the method.
func (c *Client) record(method, callID, arg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, Call{Method: method, CallID: callID, Arg: arg})
	if c.Errs != nil {
		return c.Errs[method]
	}
	return nil
}

// CallsTo returns the recorded invocations of a single method.
func (c *Client) CallsTo(method string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.Calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (c *Client) Dial(_ context.Context, req telephony.DialRequest) (string, error) {
	if err := c.record("Dial", "", req.To); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.DialID != "" {
		return c.DialID, nil
	}
	return "mock-call-1", nil
}

func (c *Client) Answer(_ context.Context, callID string) error {
	return c.record("Answer", callID, "")
}

func (c *Client) Reject(_ context.Context, callID string) error {
	return c.record("Reject", callID, "")
}

func (c *Client) Hangup(_ context.Context, callID string) error {
	return c.record("Hangup", callID, "")
}

func (c *Client) Play(_ context.Context, callID, url string) (string, error) {
	if err := c.record("Play", callID, url); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playCount++
	return fmt.Sprintf("playback-%d", c.playCount), nil
}

func (c *Client) Stop(_ context.Context, callID, playbackID string) error {
	return c.record("Stop", callID, playbackID)
}

func (c *Client) StopAll(_ context.Context, callID string) error {
	return c.record("StopAll", callID, "")
}

func (c *Client) Speak(_ context.Context, callID, text string) error {
	return c.record("Speak", callID, text)
}

func (c *Client) SendDTMF(_ context.Context, callID, digits string) error {
	return c.record("SendDTMF", callID, digits)
}

func (c *Client) StartRecording(_ context.Context, callID string) error {
	return c.record("StartRecording", callID, "")
}

func (c *Client) StopRecording(_ context.Context, callID string) error {
	return c.record("StopRecording", callID, "")
}

func (c *Client) Transfer(_ context.Context, callID string, req telephony.TransferRequest) error {
	return c.record("Transfer", callID, req.To)
}

var _ telephony.Client = (*Client)(nil)
