package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"

	"github.com/onnwee/chatgate/chat"
)

// ChatControl is the slice of chat.Manager the HTTP surface drives.
type ChatControl interface {
	State() chat.State
	Channels() []string
	AddChannel(channel string) bool
	RemoveChannel(channel string) bool
	Ban(channel, user, reason string)
	Unban(channel, user string)
}

// ChannelSaver persists the runtime channel list (db.ChannelStore).
type ChannelSaver interface {
	Save(ctx context.Context, channels []string) error
}

// VerifiedCounter reports the size of the verified set (verify.Store).
type VerifiedCounter interface {
	Len() int
}

// Deps are the collaborators behind the HTTP handlers. DB, Channels, Verified
// and AudioDir are optional.
type Deps struct {
	Chat     ChatControl
	DB       *sql.DB
	Channels ChannelSaver
	Verified VerifiedCounter
	// AudioDir is served under /tts/ when set.
	AudioDir string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
}

func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
