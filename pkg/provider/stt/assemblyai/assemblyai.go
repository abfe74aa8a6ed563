// Package assemblyai provides an AssemblyAI-backed STT provider using the
// AssemblyAI real-time WebSocket API. It implements the stt.Provider interface.
//
// AssemblyAI does not push dedicated voice-activity messages, so speech
// start/end events are derived from the transcript stream: the first non-empty
// partial after an utterance boundary counts as speech start, and each final
// transcript counts as speech end.
package assemblyai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/types"
)

const (
	realtimeEndpoint  = "wss://api.assemblyai.com/v2/realtime/ws"
	defaultSampleRate = 8000
)

// Provider implements stt.Provider backed by the AssemblyAI real-time API.
type Provider struct {
	apiKey string
}

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	return &Provider{apiKey: apiKey}, nil
}

// StartStream opens a real-time transcription session with AssemblyAI.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	u, err := url.Parse(realtimeEndpoint)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Encoding == "mulaw" {
		q.Set("encoding", "pcm_mulaw")
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	sess := &session{
		conn:     conn,
		partials: make(chan types.Transcript, 64),
		finals:   make(chan types.Transcript, 64),
		speech:   make(chan types.SpeechEvent, 16),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	sess.wg.Add(2)
	go sess.readLoop(ctx)
	go sess.writeLoop(ctx)
	return sess, nil
}

// realtimeMessage is the JSON structure AssemblyAI sends for transcripts.
type realtimeMessage struct {
	MessageType string  `json:"message_type"`
	Text        string  `json:"text"`
	Confidence  float64 `json:"confidence"`
	AudioStart  int     `json:"audio_start"` // ms
	AudioEnd    int     `json:"audio_end"`   // ms
}

// audioMessage is the JSON payload carrying one audio chunk to AssemblyAI.
type audioMessage struct {
	AudioData string `json:"audio_data"`
}

type session struct {
	conn     *websocket.Conn
	partials chan types.Transcript
	finals   chan types.Transcript
	speech   chan types.SpeechEvent
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	// speaking tracks whether a speech-start has been emitted for the
	// in-progress utterance. Only touched by readLoop.
	speaking bool
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan types.Transcript { return s.partials }
func (s *session) Finals() <-chan types.Transcript   { return s.finals }
func (s *session) Speech() <-chan types.SpeechEvent  { return s.speech }

func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"terminate_session":true}`))
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case chunk, ok := <-s.audio:
			if !ok {
				return
			}
			msg, _ := json.Marshal(audioMessage{AudioData: base64.StdEncoding.EncodeToString(chunk)})
			if err := s.conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	defer close(s.speech)

	for {
		_, raw, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg realtimeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		t, final, ok := convertMessage(msg)
		if !ok {
			continue
		}

		if !final && !s.speaking {
			s.speaking = true
			s.emitSpeech(types.SpeechStart)
		}
		if final {
			s.speaking = false
			s.emitSpeech(types.SpeechEnd)
		}

		out := s.partials
		if final {
			out = s.finals
		}
		select {
		case out <- t:
		case <-s.done:
		}
	}
}

func (s *session) emitSpeech(kind types.SpeechEventKind) {
	select {
	case s.speech <- types.SpeechEvent{Kind: kind, At: time.Now()}:
	case <-s.done:
	default:
	}
}

// convertMessage maps a realtime message to a Transcript. Returns ok=false for
// session control messages and empty transcripts.
func convertMessage(msg realtimeMessage) (t types.Transcript, final, ok bool) {
	switch msg.MessageType {
	case "PartialTranscript":
		final = false
	case "FinalTranscript":
		final = true
	default:
		return types.Transcript{}, false, false
	}
	if msg.Text == "" {
		return types.Transcript{}, false, false
	}
	return types.Transcript{
		Text:       msg.Text,
		IsFinal:    final,
		Confidence: msg.Confidence,
		Timestamp:  time.Duration(msg.AudioStart) * time.Millisecond,
		Duration:   time.Duration(msg.AudioEnd-msg.AudioStart) * time.Millisecond,
	}, final, true
}
