package server

import (
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/onnwee/chatgate/chat"
)

// HandleHealthz is the liveness probe; it only proves the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once chat is connected and, when configured, the
// database answers a ping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"chat", func() error {
			if st := h.deps.Chat.State(); st != chat.StateConnected {
				return fmt.Errorf("chat %s", st)
			}
			return nil
		}},
		{"database", func() error {
			if h.deps.DB == nil {
				return nil
			}
			return h.deps.DB.PingContext(r.Context())
		}},
	}
	for _, c := range checks {
		if err := c.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": c.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus summarizes the chat session.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{
		"state":    h.deps.Chat.State().String(),
		"channels": h.deps.Chat.Channels(),
	}
	if h.deps.Verified != nil {
		resp["verified_users"] = h.deps.Verified.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

var errBadArtifact = errors.New("not found")

// audioName validates a /tts/<name> request path. Only generated artifact names
// are served, never directory listings.
func audioName(urlPath string) (string, error) {
	name := strings.TrimPrefix(urlPath, "/tts/")
	if name == "" || name != path.Base(name) || !strings.HasPrefix(name, "tts-") || !strings.HasSuffix(name, ".mp3") {
		return "", errBadArtifact
	}
	return name, nil
}

// HandleAudio serves synthesized artifacts from AudioDir.
func (h *Handlers) HandleAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	name, err := audioName(r.URL.Path)
	if err != nil || h.deps.AudioDir == "" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, path.Join(h.deps.AudioDir, name))
}
