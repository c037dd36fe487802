package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chatgate/telemetry"
)

// ErrNotJoined is returned by Say for channels the session has not joined.
var ErrNotJoined = errors.New("channel not joined")

// Options tunes a Manager. Zero values select defaults.
type Options struct {
	QueueDepth    int           // per-channel lane buffer (default 256)
	ActionTimeout time.Duration // bound on each moderation call (default 10s)
	MinBackoff    time.Duration // Run reconnect backoff floor (default 1s)
	MaxBackoff    time.Duration // Run reconnect backoff ceiling (default 1m)
}

// Manager owns one chat session: connection lifecycle, channel membership,
// outbound messages and moderation.
type Manager struct {
	botName   string
	transport Transport
	opts      Options

	ctx    context.Context
	cancel context.CancelFunc
	lanes  *lanes

	mu             sync.Mutex
	channels       map[string]struct{}
	state          State
	bound          bool
	stopping       bool
	onConnected    []func()
	onDisconnected []func(error)

	actions sync.WaitGroup
}

// NewManager builds a Manager for botName over t. Messages are delivered to h.
func NewManager(botName string, channels []string, t Transport, h Handler, opts Options) *Manager {
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = 10 * time.Second
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		botName:   strings.ToLower(botName),
		transport: t,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
		lanes:     newLanes(ctx, h, opts.QueueDepth),
		channels:  make(map[string]struct{}),
	}
	for _, ch := range channels {
		if ch = NormalizeChannel(ch); ch != "" {
			m.channels[ch] = struct{}{}
		}
	}
	return m
}

// BotName returns the bot login.
func (m *Manager) BotName() string { return m.botName }

// State returns the current connectivity state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnConnected registers fn to run each time the session connects.
func (m *Manager) OnConnected(fn func()) {
	m.mu.Lock()
	m.onConnected = append(m.onConnected, fn)
	m.mu.Unlock()
}

// OnDisconnected registers fn to run each time the session ends. err is nil
// for a requested Disconnect.
func (m *Manager) OnDisconnected(fn func(error)) {
	m.mu.Lock()
	m.onDisconnected = append(m.onDisconnected, fn)
	m.mu.Unlock()
}

// bind registers transport callbacks. Guarded by m.mu; runs at most once.
func (m *Manager) bind() {
	if m.bound {
		return
	}
	m.bound = true
	m.transport.OnMessage(m.receive)
	m.transport.OnConnect(m.connected)
	slog.Debug("chat handlers bound", slog.String("component", "chat"))
}

// Connect starts a session in the background. It is a no-op while a session
// is already connecting or connected. Callbacks are bound only on first use.
func (m *Manager) Connect() {
	m.start()
}

// start launches the transport and returns a channel that receives the
// session's terminal error (nil on requested disconnect). It returns nil if a
// session is already running.
func (m *Manager) start() <-chan error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		slog.Debug("chat connect ignored; session active", slog.String("state", m.State().String()), slog.String("component", "chat"))
		return nil
	}
	m.bind()
	m.state = StateConnecting
	m.stopping = false
	channels := m.sortedChannelsLocked()
	m.mu.Unlock()

	for _, ch := range channels {
		m.transport.Join(ch)
	}
	slog.Info("chat connecting", slog.String("bot", m.botName), slog.Any("channels", channels), slog.String("component", "chat"))

	done := make(chan error, 1)
	go func() {
		err := m.transport.Connect()
		m.mu.Lock()
		m.state = StateDisconnected
		requested := m.stopping
		callbacks := append([]func(error){}, m.onDisconnected...)
		m.mu.Unlock()
		telemetry.UpdateConnectedGauge(false)
		if requested {
			err = nil
		}
		if err != nil {
			slog.Warn("chat session ended", slog.Any("err", err), slog.String("component", "chat"))
		} else {
			slog.Info("chat session closed", slog.String("component", "chat"))
		}
		for _, fn := range callbacks {
			fn(err)
		}
		done <- err
	}()
	return done
}

func (m *Manager) connected() {
	m.mu.Lock()
	m.state = StateConnected
	callbacks := append([]func(){}, m.onConnected...)
	m.mu.Unlock()
	telemetry.UpdateConnectedGauge(true)
	slog.Info("chat connected", slog.String("bot", m.botName), slog.String("component", "chat"))
	for _, fn := range callbacks {
		fn()
	}
}

// Disconnect ends the current session. Failures are logged.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	m.mu.Unlock()
	if err := m.transport.Disconnect(); err != nil {
		slog.Warn("chat disconnect failed", slog.Any("err", err), slog.String("component", "chat"))
	}
}

// Run keeps a session alive until ctx is done, reconnecting with exponential
// backoff whenever the transport drops.
func (m *Manager) Run(ctx context.Context) {
	backoff := m.opts.MinBackoff
	for {
		done := m.start()
		if done == nil {
			// someone else owns the active session; poll until it ends
			select {
			case <-ctx.Done():
				m.Disconnect()
				return
			case <-time.After(m.opts.MinBackoff):
				continue
			}
		}
		started := time.Now()
		select {
		case <-ctx.Done():
			m.Disconnect()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				slog.Warn("chat session did not close in time", slog.String("component", "chat"))
			}
			return
		case err := <-done:
			if err == nil && ctx.Err() != nil {
				return
			}
			if time.Since(started) > m.opts.MaxBackoff {
				backoff = m.opts.MinBackoff
			}
			slog.Info("chat reconnecting", slog.Duration("backoff", backoff), slog.String("component", "chat"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > m.opts.MaxBackoff {
				backoff = m.opts.MaxBackoff
			}
		}
	}
}

// Close disconnects, stops the lanes after draining queued messages and waits
// for in-flight moderation actions.
func (m *Manager) Close() {
	m.Disconnect()
	m.cancel()
	m.lanes.close()
	m.actions.Wait()
}

func (m *Manager) receive(msg Message) {
	if msg.Self || strings.EqualFold(msg.User, m.botName) {
		return
	}
	msg.Channel = NormalizeChannel(msg.Channel)
	telemetry.Inc(telemetry.MessagesReceived)
	m.lanes.dispatch(msg)
}

// AddChannel joins ch. It returns false when ch was already joined.
func (m *Manager) AddChannel(ch string) bool {
	ch = NormalizeChannel(ch)
	if ch == "" {
		return false
	}
	m.mu.Lock()
	if _, ok := m.channels[ch]; ok {
		m.mu.Unlock()
		return false
	}
	m.channels[ch] = struct{}{}
	m.mu.Unlock()
	m.transport.Join(ch)
	slog.Info("chat channel added", slog.String("channel", ch), slog.String("component", "chat"))
	return true
}

// RemoveChannel departs ch. Replies still in flight for ch are discarded.
func (m *Manager) RemoveChannel(ch string) bool {
	ch = NormalizeChannel(ch)
	m.mu.Lock()
	if _, ok := m.channels[ch]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.channels, ch)
	m.mu.Unlock()
	m.transport.Depart(ch)
	slog.Info("chat channel removed", slog.String("channel", ch), slog.String("component", "chat"))
	return true
}

// Joined reports whether ch is in the channel set.
func (m *Manager) Joined(ch string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[NormalizeChannel(ch)]
	return ok
}

// Channels returns the joined channels in sorted order.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedChannelsLocked()
}

func (m *Manager) sortedChannelsLocked() []string {
	out := make([]string, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Say sends text to ch. Failures are logged and returned; callers may ignore them.
func (m *Manager) Say(ctx context.Context, ch, text string) error {
	ch = NormalizeChannel(ch)
	if !m.Joined(ch) {
		return fmt.Errorf("say %s: %w", ch, ErrNotJoined)
	}
	if err := m.transport.Say(ch, text); err != nil {
		telemetry.LoggerWithCorr(ctx).Warn("chat say failed", slog.String("channel", ch), slog.Any("err", err), slog.String("component", "chat"))
		return fmt.Errorf("say %s: %w", ch, err)
	}
	return nil
}

// Ban bans user from ch in the background.
func (m *Manager) Ban(ch, user, reason string) {
	m.Moderate(ModerationAction{Kind: ActionBan, Channel: ch, User: user, Reason: reason})
}

// Unban lifts a ban on user in ch in the background.
func (m *Manager) Unban(ch, user string) {
	m.Moderate(ModerationAction{Kind: ActionUnban, Channel: ch, User: user})
}

// Moderate runs a in the background with a bounded timeout. The outcome is
// logged and counted; it never blocks the caller.
func (m *Manager) Moderate(a ModerationAction) {
	a.Channel = NormalizeChannel(a.Channel)
	a.User = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(a.User), "@"))
	m.actions.Add(1)
	go func() {
		defer m.actions.Done()
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ActionTimeout)
		defer cancel()
		var err error
		switch a.Kind {
		case ActionUnban:
			err = m.transport.Unban(ctx, a.Channel, a.User)
		default:
			err = m.transport.Ban(ctx, a.Channel, a.User, a.Reason)
		}
		telemetry.CountModeration(a.Kind.String(), err)
		if err != nil {
			slog.Warn("moderation action failed", slog.String("action", a.Kind.String()), slog.String("channel", a.Channel), slog.String("user", a.User), slog.Any("err", err), slog.String("component", "chat"))
			return
		}
		slog.Info("moderation action applied", slog.String("action", a.Kind.String()), slog.String("channel", a.Channel), slog.String("user", a.User), slog.String("component", "chat"))
	}()
}
