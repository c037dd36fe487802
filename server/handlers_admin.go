package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/chatgate/telemetry"
)

type moderationRequest struct {
	Channel string `json:"channel"`
	User    string `json:"user"`
	Reason  string `json:"reason"`
}

type channelRequest struct {
	Channel string `json:"channel"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handlers) moderationTarget(w http.ResponseWriter, r *http.Request) (moderationRequest, bool) {
	var req moderationRequest
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return req, false
	}
	if !decodeBody(w, r, &req) {
		return req, false
	}
	req.Channel = strings.TrimSpace(req.Channel)
	req.User = strings.TrimSpace(req.User)
	if req.Channel == "" || req.User == "" {
		http.Error(w, "channel and user are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

// HandleAdminBan queues a ban. The action runs in the background; 202 only
// means it was accepted.
func (h *Handlers) HandleAdminBan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.moderationTarget(w, r)
	if !ok {
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("admin ban requested", slog.String("channel", req.Channel), slog.String("user", req.User), slog.String("component", "http"))
	h.deps.Chat.Ban(req.Channel, req.User, req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": "ban"})
}

// HandleAdminUnban queues an unban.
func (h *Handlers) HandleAdminUnban(w http.ResponseWriter, r *http.Request) {
	req, ok := h.moderationTarget(w, r)
	if !ok {
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("admin unban requested", slog.String("channel", req.Channel), slog.String("user", req.User), slog.String("component", "http"))
	h.deps.Chat.Unban(req.Channel, req.User)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "action": "unban"})
}

// HandleAdminChannels lists (GET), joins (POST) or departs (DELETE) channels.
// Changes are persisted when a ChannelSaver is configured.
func (h *Handlers) HandleAdminChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"channels": h.deps.Chat.Channels()})
		return
	case http.MethodPost, http.MethodDelete:
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req channelRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(req.Channel), "#")) == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}

	var changed bool
	if r.Method == http.MethodPost {
		changed = h.deps.Chat.AddChannel(req.Channel)
	} else {
		changed = h.deps.Chat.RemoveChannel(req.Channel)
	}
	channels := h.deps.Chat.Channels()
	if changed && h.deps.Channels != nil {
		if err := h.deps.Channels.Save(r.Context(), channels); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("persist channels failed", slog.Any("err", err), slog.String("component", "http"))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "channels": channels})
}
