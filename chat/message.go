package chat

import (
	"context"
	"strings"
	"time"
)

// Message is one inbound chat line.
type Message struct {
	ID          string
	Channel     string
	User        string // login, lowercase
	DisplayName string
	Text        string
	Self        bool
	ReceivedAt  time.Time
}

// Handler consumes inbound messages. Handle is called from a channel lane and
// must not retain msg beyond the call.
type Handler interface {
	Handle(ctx context.Context, msg Message)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message)

func (f HandlerFunc) Handle(ctx context.Context, msg Message) { f(ctx, msg) }

// State is the connectivity state of a session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ActionKind distinguishes moderation actions.
type ActionKind int

const (
	ActionBan ActionKind = iota
	ActionUnban
)

func (k ActionKind) String() string {
	if k == ActionUnban {
		return "unban"
	}
	return "ban"
}

// ModerationAction targets one user in one channel. Reason is only used by bans.
type ModerationAction struct {
	Kind    ActionKind
	Channel string
	User    string
	Reason  string
}

// NormalizeChannel lowercases a channel name and strips '#' and whitespace.
func NormalizeChannel(ch string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#"))
}
