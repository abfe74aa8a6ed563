package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"
)

// MediaFrame is one decoded chunk of inbound call audio.
type MediaFrame struct {
	// CallID is the call control ID the frame belongs to.
	CallID string

	// Payload is raw G.711 mu-law audio at 8 kHz.
	Payload []byte
}

// mediaMessage is the carrier's streaming wire format. Events other than
// "media" carry metadata and are skipped.
type mediaMessage struct {
	Event string `json:"event"`
	Start struct {
		CallControlID string `json:"call_control_id"`
	} `json:"start"`
	Media struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

// MediaHandler accepts carrier media WebSocket connections and forwards
// decoded audio frames to the sink. The sink is called from the connection's
// read loop and must not block for long; STT ingest buffers internally.
type MediaHandler struct {
	sink func(ctx context.Context, frame MediaFrame)
}

// NewMediaHandler creates a handler that forwards frames to sink.
func NewMediaHandler(sink func(ctx context.Context, frame MediaFrame)) *MediaHandler {
	return &MediaHandler{sink: sink}
}

// ServeHTTP implements http.Handler. One connection per call; the carrier
// identifies the call in the "start" event, after which every "media" event
// carries base64 mu-law audio.
func (h *MediaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("media stream accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	ctx := r.Context()
	var callID string

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if callID != "" {
				slog.Debug("media stream closed", "call_id", callID)
			}
			return
		}

		var msg mediaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Event {
		case "start":
			callID = msg.Start.CallControlID
			slog.Info("media stream started", "call_id", callID)
		case "media":
			if callID == "" || msg.Media.Payload == "" {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			h.sink(ctx, MediaFrame{CallID: callID, Payload: payload})
		case "stop":
			return
		}
	}
}
