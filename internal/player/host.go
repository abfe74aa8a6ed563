package player

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// hostTTL is how long a synthesised clip stays fetchable. The carrier
// downloads the file within seconds of the Play command; anything older is
// garbage.
const hostTTL = 5 * time.Minute

// AudioHost serves synthesised WAV clips to the carrier over HTTP. Clips
// live in memory under random IDs and expire after a few minutes; the
// carrier fetches each exactly once right after the playback command.
type AudioHost struct {
	baseURL string

	mu    sync.Mutex
	clips map[string]clip
}

type clip struct {
	data    []byte
	expires time.Time
}

// NewAudioHost creates a host whose clip URLs are rooted at baseURL
// (e.g. "https://calls.example.com").
func NewAudioHost(baseURL string) *AudioHost {
	return &AudioHost{
		baseURL: strings.TrimRight(baseURL, "/"),
		clips:   make(map[string]clip),
	}
}

// Put stores a WAV clip and returns its public URL.
func (h *AudioHost) Put(wav []byte) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.clips[id] = clip{data: wav, expires: time.Now().Add(hostTTL)}
	h.sweepLocked()
	h.mu.Unlock()
	return h.baseURL + "/audio/" + id + ".wav"
}

// Remove drops a clip before its TTL, called once playback finished.
func (h *AudioHost) Remove(url string) {
	h.mu.Lock()
	delete(h.clips, idFromPath(url))
	h.mu.Unlock()
}

// Len returns the number of stored clips.
func (h *AudioHost) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clips)
}

// ServeHTTP serves GET /audio/{id}.wav.
func (h *AudioHost) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := idFromPath(r.URL.Path)
	h.mu.Lock()
	c, ok := h.clips[id]
	h.mu.Unlock()
	if !ok || time.Now().After(c.expires) {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(c.data)
}

// sweepLocked drops expired clips. Caller holds the lock.
func (h *AudioHost) sweepLocked() {
	now := time.Now()
	for id, c := range h.clips {
		if now.After(c.expires) {
			delete(h.clips, id)
		}
	}
}

// idFromPath extracts the clip ID from a URL or path ending in
// /audio/{id}.wav.
func idFromPath(p string) string {
	p = strings.TrimSuffix(p, ".wav")
	if idx := strings.LastIndex(p, "/"); idx >= 0 {
		p = p[idx+1:]
	}
	return p
}
