package app

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voxloop/internal/session"
	"github.com/voxloop/voxloop/internal/store"
	"github.com/voxloop/voxloop/internal/telephony"
)

// agentFlagTTL keeps the dialed-call agent mapping alive until the carrier
// reports the call answered.
const agentFlagTTL = session.DefaultRecordTTL

// agentFlagName maps a call control ID to the agent that should answer it.
const agentFlagName = "agent"

// buildServer assembles the worker's HTTP surface: carrier webhooks, the
// media WebSocket, hosted audio clips, health probes, and metrics.
func (a *App) buildServer() *http.Server {
	mux := http.NewServeMux()

	mux.Handle("GET /media", telephony.NewMediaHandler(a.mediaSink))
	mux.Handle("GET /audio/", a.host)
	mux.HandleFunc("POST /webhooks/telnyx", a.handleWebhook)
	mux.HandleFunc("POST /calls", a.handleDial)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.health.Register(mux)

	return &http.Server{Addr: a.cfg.Server.ListenAddr, Handler: mux}
}

// mediaSink forwards inbound call audio into the owning session's STT
// stream. Frames for calls this worker does not own are dropped; the
// carrier streams media only to the worker that answered.
func (a *App) mediaSink(_ context.Context, frame telephony.MediaFrame) {
	s, ok := a.sessions.Get(frame.CallID)
	if !ok {
		return
	}
	if err := s.SendAudio(frame.Payload); err != nil {
		a.logger.Debug("media frame dropped", "call_id", frame.CallID, "error", err)
	}
}

// webhookEvent is the carrier's event envelope, reduced to the fields the
// call lifecycle needs.
type webhookEvent struct {
	Data struct {
		EventType string `json:"event_type"`
		Payload   struct {
			CallControlID string `json:"call_control_id"`
			From          string `json:"from"`
			To            string `json:"to"`
			Direction     string `json:"direction"`
			Digit         string `json:"digit"`
			ClientState   string `json:"client_state"`
		} `json:"payload"`
	} `json:"data"`
}

// handleWebhook processes carrier call events. Always answers 200; the
// carrier retries non-2xx responses and a retried hangup helps nobody.
func (a *App) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		a.logger.Warn("undecodable webhook", "error", err)
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx := r.Context()
	p := ev.Data.Payload

	switch ev.Data.EventType {
	case "call.initiated":
		if p.Direction == "incoming" {
			a.handleInbound(ctx, r, p.CallControlID)
		}
	case "call.answered":
		a.handleAnswered(ctx, r, p.CallControlID, p.From, p.To)
	case "call.playback.ended":
		if s, err := a.sessions.Resume(ctx, p.CallControlID); err == nil {
			s.HandlePlaybackEnded(ctx, telephony.DecodeClientState(p.ClientState))
		}
	case "call.dtmf.received":
		if s, err := a.sessions.Resume(ctx, p.CallControlID); err == nil {
			s.HandleDigit(ctx, p.Digit)
		}
	case "call.hangup":
		a.sessions.Destroy(ctx, p.CallControlID)
	}
	w.WriteHeader(http.StatusOK)
}

// handleInbound answers an incoming call and records which agent owns it.
// The agent comes from the webhook URL's agent query parameter, which the
// carrier is configured with per phone number.
func (a *App) handleInbound(ctx context.Context, r *http.Request, callID string) {
	agentID := r.URL.Query().Get(agentFlagName)
	if agentID == "" {
		a.logger.Warn("inbound call with no agent mapping, rejecting", "call_id", callID)
		if err := a.tel.Reject(ctx, callID); err != nil {
			a.logger.Warn("reject failed", "call_id", callID, "error", err)
		}
		return
	}
	if err := a.store.SetFlag(ctx, store.FlagKey(callID, agentFlagName), agentID, agentFlagTTL); err != nil {
		a.logger.Error("agent mapping store failed", "call_id", callID, "error", err)
		return
	}
	if err := a.tel.Answer(ctx, callID); err != nil {
		a.logger.Error("answer failed", "call_id", callID, "error", err)
	}
}

// handleAnswered builds the session once media can flow and speaks the
// opening line.
func (a *App) handleAnswered(ctx context.Context, r *http.Request, callID, from, to string) {
	if _, ok := a.sessions.Get(callID); ok {
		return
	}
	agentID, err := a.store.GetFlag(ctx, store.FlagKey(callID, agentFlagName))
	if err != nil {
		agentID = r.URL.Query().Get(agentFlagName)
	}
	if agentID == "" {
		a.logger.Error("answered call with no agent mapping", "call_id", callID)
		return
	}
	agent, err := a.agentLoader.LoadAgent(ctx, agentID)
	if err != nil {
		a.logger.Error("agent load failed", "call_id", callID, "agent_id", agentID, "error", err)
		return
	}

	s, err := a.sessions.Create(ctx, session.CreateParams{
		CallID: callID,
		Agent:  agent,
		From:   from,
		To:     to,
	})
	if err != nil {
		a.logger.Error("session create failed", "call_id", callID, "error", err)
		return
	}
	// The session outlives the webhook request.
	runCtx := context.WithoutCancel(ctx)
	go s.Run(runCtx)
	go s.Greet(runCtx)
}

// dialRequest is the outbound-call API body.
type dialRequest struct {
	AgentID string `json:"agent_id"`
	To      string `json:"to"`
	From    string `json:"from"`
}

// handleDial starts an outbound call. The session itself is created when
// the carrier reports call.answered.
func (a *App) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if req.AgentID == "" || req.To == "" {
		http.Error(w, `{"error":"agent_id and to are required"}`, http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	if _, err := a.agentLoader.LoadAgent(ctx, req.AgentID); err != nil {
		http.Error(w, `{"error":"unknown agent"}`, http.StatusNotFound)
		return
	}

	callID, err := a.tel.Dial(ctx, telephony.DialRequest{
		To:        req.To,
		From:      req.From,
		StreamURL: mediaURL(a.cfg.Server.BackendURL),
	})
	if err != nil {
		a.logger.Error("dial failed", "to", req.To, "error", err)
		http.Error(w, `{"error":"dial failed"}`, http.StatusBadGateway)
		return
	}
	if err := a.store.SetFlag(ctx, store.FlagKey(callID, agentFlagName), req.AgentID, agentFlagTTL); err != nil {
		a.logger.Error("agent mapping store failed", "call_id", callID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"call_id": callID})
}

// mediaURL derives the media WebSocket endpoint from the public base URL.
func mediaURL(baseURL string) string {
	if len(baseURL) > 8 && baseURL[:8] == "https://" {
		return "wss://" + baseURL[8:] + "/media"
	}
	if len(baseURL) > 7 && baseURL[:7] == "http://" {
		return "ws://" + baseURL[7:] + "/media"
	}
	return baseURL + "/media"
}
