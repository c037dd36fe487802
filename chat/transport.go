package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Transport is the chat connection the Manager drives.
type Transport interface {
	// OnMessage and OnConnect register callbacks; the Manager calls each once.
	OnMessage(fn func(Message))
	OnConnect(fn func())
	Join(channel string)
	Depart(channel string)
	Say(channel, text string) error
	// Connect blocks until the connection ends. A clean Disconnect returns nil.
	Connect() error
	Disconnect() error
	Ban(ctx context.Context, channel, user, reason string) error
	Unban(ctx context.Context, channel, user string) error
}

// Moderator performs channel moderation out of band (Helix).
type Moderator interface {
	Ban(ctx context.Context, channel, user, reason string) error
	Unban(ctx context.Context, channel, user string) error
}

var errNoModerator = errors.New("moderation not configured")

// IRCTransport adapts go-twitch-irc to Transport.
type IRCTransport struct {
	client  *twitch.Client
	botName string
	mod     Moderator
}

// NewIRCTransport creates an IRC client for the bot account. mod may be nil,
// in which case ban/unban fail with an error.
func NewIRCTransport(botName, oauthToken string, mod Moderator) *IRCTransport {
	if !strings.HasPrefix(oauthToken, "oauth:") {
		oauthToken = "oauth:" + oauthToken
	}
	client := twitch.NewClient(botName, oauthToken)
	client.OnReconnectMessage(func(m twitch.ReconnectMessage) {
		slog.Info("twitch requested reconnect", slog.String("component", "chat_irc"))
	})
	client.OnNoticeMessage(func(m twitch.NoticeMessage) {
		slog.Info("twitch notice", slog.String("channel", m.Channel), slog.String("msg_id", m.MsgID), slog.String("message", m.Message), slog.String("component", "chat_irc"))
	})
	return &IRCTransport{client: client, botName: strings.ToLower(botName), mod: mod}
}

func (t *IRCTransport) OnMessage(fn func(Message)) {
	t.client.OnPrivateMessage(func(pm twitch.PrivateMessage) {
		fn(toMessage(pm, t.botName))
	})
}

func (t *IRCTransport) OnConnect(fn func()) { t.client.OnConnect(fn) }

func (t *IRCTransport) Join(channel string) { t.client.Join(channel) }

func (t *IRCTransport) Depart(channel string) { t.client.Depart(channel) }

func (t *IRCTransport) Say(channel, text string) error {
	t.client.Say(channel, text)
	return nil
}

func (t *IRCTransport) Connect() error {
	err := t.client.Connect()
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

func (t *IRCTransport) Disconnect() error { return t.client.Disconnect() }

func (t *IRCTransport) Ban(ctx context.Context, channel, user, reason string) error {
	if t.mod == nil {
		return errNoModerator
	}
	return t.mod.Ban(ctx, channel, user, reason)
}

func (t *IRCTransport) Unban(ctx context.Context, channel, user string) error {
	if t.mod == nil {
		return errNoModerator
	}
	return t.mod.Unban(ctx, channel, user)
}

func toMessage(pm twitch.PrivateMessage, botName string) Message {
	received := pm.Time
	if received.IsZero() {
		received = time.Now().UTC()
	}
	login := strings.ToLower(pm.User.Name)
	return Message{
		ID:          pm.ID,
		Channel:     NormalizeChannel(pm.Channel),
		User:        login,
		DisplayName: pm.User.DisplayName,
		Text:        pm.Message,
		Self:        login == botName,
		ReceivedAt:  received,
	}
}
