package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the Telnyx API endpoint.
const DefaultBaseURL = "https://api.telnyx.com/v2"

// Telnyx implements [Client] against the Telnyx Call Control v2 API.
type Telnyx struct {
	apiKey       string
	baseURL      string
	connectionID string
	httpClient   *http.Client
}

var _ Client = (*Telnyx)(nil)

// TelnyxOption is a functional option for [NewTelnyx].
type TelnyxOption func(*Telnyx)

// WithBaseURL overrides the API endpoint. Used by tests.
func WithBaseURL(url string) TelnyxOption {
	return func(t *Telnyx) { t.baseURL = url }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) TelnyxOption {
	return func(t *Telnyx) { t.httpClient = c }
}

// NewTelnyx creates a Telnyx call-control client. connectionID selects the
// Telnyx connection used for outbound dials.
func NewTelnyx(apiKey, connectionID string, opts ...TelnyxOption) (*Telnyx, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("telephony: apiKey must not be empty")
	}
	t := &Telnyx{
		apiKey:       apiKey,
		baseURL:      DefaultBaseURL,
		connectionID: connectionID,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// apiError is the Telnyx error envelope.
type apiError struct {
	Errors []struct {
		Code   string `json:"code"`
		Title  string `json:"title"`
		Detail string `json:"detail"`
	} `json:"errors"`
}

// do issues a JSON POST and decodes the response into out (when non-nil).
func (t *Telnyx) do(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("telephony: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("telephony: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telephony: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s: %w", path, ErrPlaybackNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr apiError
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if json.Unmarshal(data, &apiErr) == nil && len(apiErr.Errors) > 0 {
			return fmt.Errorf("telephony: %s: status %d: %s", path, resp.StatusCode, apiErr.Errors[0].Title)
		}
		return fmt.Errorf("telephony: %s: status %d: %s", path, resp.StatusCode, data)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("telephony: decode %s response: %w", path, err)
		}
	}
	return nil
}

// action posts to a call action endpoint.
func (t *Telnyx) action(ctx context.Context, callID, name string, body any) error {
	return t.do(ctx, "/calls/"+callID+"/actions/"+name, body, nil)
}

// Dial implements [Client].
func (t *Telnyx) Dial(ctx context.Context, req DialRequest) (string, error) {
	body := map[string]any{
		"to":            req.To,
		"from":          req.From,
		"connection_id": t.connectionID,
		"stream_url":    req.StreamURL,
		"stream_track":  "inbound_track",
	}
	if req.TimeoutSecs > 0 {
		body["timeout_secs"] = req.TimeoutSecs
	}

	var out struct {
		Data struct {
			CallControlID string `json:"call_control_id"`
		} `json:"data"`
	}
	if err := t.do(ctx, "/calls", body, &out); err != nil {
		return "", err
	}
	if out.Data.CallControlID == "" {
		return "", fmt.Errorf("telephony: dial returned no call_control_id")
	}
	return out.Data.CallControlID, nil
}

// Answer implements [Client].
func (t *Telnyx) Answer(ctx context.Context, callID string) error {
	return t.action(ctx, callID, "answer", map[string]any{})
}

// Reject implements [Client].
func (t *Telnyx) Reject(ctx context.Context, callID string) error {
	return t.action(ctx, callID, "reject", map[string]any{"cause": "CALL_REJECTED"})
}

// Hangup implements [Client].
func (t *Telnyx) Hangup(ctx context.Context, callID string) error {
	return t.action(ctx, callID, "hangup", map[string]any{})
}

// Play implements [Client]. The generated playback ID travels as
// client_state so barge-in can match stop requests against carrier webhook
// events.
func (t *Telnyx) Play(ctx context.Context, callID, url string) (string, error) {
	playbackID := uuid.NewString()
	err := t.action(ctx, callID, "playback_start", map[string]any{
		"audio_url":    url,
		"client_state": encodeClientState(playbackID),
	})
	if err != nil {
		return "", err
	}
	return playbackID, nil
}

// Stop implements [Client].
func (t *Telnyx) Stop(ctx context.Context, callID, playbackID string) error {
	return t.action(ctx, callID, "playback_stop", map[string]any{
		"client_state": encodeClientState(playbackID),
	})
}

// StopAll implements [Client].
func (t *Telnyx) StopAll(ctx context.Context, callID string) error {
	return t.action(ctx, callID, "playback_stop", map[string]any{
		"stop": "all",
	})
}

// Speak implements [Client].
func (t *Telnyx) Speak(ctx context.Context, callID, text string) error {
	return t.action(ctx, callID, "speak", map[string]any{
		"payload":  text,
		"voice":    "female",
		"language": "en-US",
	})
}

// SendDTMF implements [Client].
func (t *Telnyx) SendDTMF(ctx context.Context, callID, digits string) error {
	return t.action(ctx, callID, "send_dtmf", map[string]any{
		"digits": digits,
	})
}

// StartRecording implements [Client].
func (t *Telnyx) StartRecording(ctx context.Context, callID string) error {
	return t.action(ctx, callID, "record_start", map[string]any{
		"format":   "mp3",
		"channels": "dual",
	})
}

// StopRecording implements [Client].
func (t *Telnyx) StopRecording(ctx context.Context, callID string) error {
	return t.action(ctx, callID, "record_stop", map[string]any{})
}

// Transfer implements [Client].
func (t *Telnyx) Transfer(ctx context.Context, callID string, req TransferRequest) error {
	body := map[string]any{"to": req.To}
	if req.From != "" {
		body["from"] = req.From
	}
	return t.action(ctx, callID, "transfer", body)
}

// encodeClientState wraps a playback ID in the base64 envelope Telnyx
// requires for client_state values.
func encodeClientState(playbackID string) string {
	data, _ := json.Marshal(map[string]string{"playback_id": playbackID})
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeClientState extracts the playback ID from a client_state value
// received in a carrier webhook. Returns "" for malformed state.
func DecodeClientState(state string) string {
	raw, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return ""
	}
	var payload struct {
		PlaybackID string `json:"playback_id"`
	}
	if json.Unmarshal(raw, &payload) != nil {
		return ""
	}
	return payload.PlaybackID
}
