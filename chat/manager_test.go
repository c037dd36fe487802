package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeTransport appends handlers on every registration, so a Manager that
// bound more than once would deliver each line more than once.
type fakeTransport struct {
	mu        sync.Mutex
	onMessage []func(Message)
	onConnect []func()
	joins     []string
	departs   []string
	said      []string
	bans      []ModerationAction
	banErr    error
	sayErr    error
	connects  int
	stop      chan error
}

func newFakeTransport() *fakeTransport { return &fakeTransport{} }

func (f *fakeTransport) OnMessage(fn func(Message)) {
	f.mu.Lock()
	f.onMessage = append(f.onMessage, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) OnConnect(fn func()) {
	f.mu.Lock()
	f.onConnect = append(f.onConnect, fn)
	f.mu.Unlock()
}

func (f *fakeTransport) Join(ch string) {
	f.mu.Lock()
	f.joins = append(f.joins, ch)
	f.mu.Unlock()
}

func (f *fakeTransport) Depart(ch string) {
	f.mu.Lock()
	f.departs = append(f.departs, ch)
	f.mu.Unlock()
}

func (f *fakeTransport) Say(ch, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sayErr != nil {
		return f.sayErr
	}
	f.said = append(f.said, ch+": "+text)
	return nil
}

func (f *fakeTransport) Connect() error {
	f.mu.Lock()
	f.connects++
	stop := make(chan error, 1)
	f.stop = stop
	cbs := append([]func(){}, f.onConnect...)
	f.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
	return <-stop
}

func (f *fakeTransport) Disconnect() error {
	f.drop(nil)
	return nil
}

// drop ends the current session with err.
func (f *fakeTransport) drop(err error) {
	f.mu.Lock()
	stop := f.stop
	f.stop = nil
	f.mu.Unlock()
	if stop != nil {
		stop <- err
	}
}

func (f *fakeTransport) Ban(_ context.Context, ch, user, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, ModerationAction{Kind: ActionBan, Channel: ch, User: user, Reason: reason})
	return f.banErr
}

func (f *fakeTransport) Unban(_ context.Context, ch, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bans = append(f.bans, ModerationAction{Kind: ActionUnban, Channel: ch, User: user})
	return f.banErr
}

// deliver pushes msg through every registered handler.
func (f *fakeTransport) deliver(msg Message) {
	f.mu.Lock()
	cbs := append([]func(Message){}, f.onMessage...)
	f.mu.Unlock()
	for _, fn := range cbs {
		fn(msg)
	}
}

func (f *fakeTransport) snapshot() (said []string, bans []ModerationAction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.said...), append([]ModerationAction{}, f.bans...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) Handle(_ context.Context, msg Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, msg)
	r.mu.Unlock()
}

func (r *recorder) all() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message{}, r.msgs...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAndWait(t *testing.T, m *Manager) {
	t.Helper()
	m.Connect()
	waitFor(t, "connected", func() bool { return m.State() == StateConnected })
}

func TestManager_ReconnectDoesNotDuplicateHandlers(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	m := NewManager("gatebot", []string{"#Streamer"}, ft, rec, Options{})

	for i := 0; i < 3; i++ {
		connectAndWait(t, m)
		m.Disconnect()
		waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	}
	connectAndWait(t, m)

	ft.deliver(Message{ID: "1", Channel: "streamer", User: "alice", Text: "!verify"})
	m.Close()

	if got := len(rec.all()); got != 1 {
		t.Fatalf("handler invoked %d times, want 1", got)
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.onMessage) != 1 || len(ft.onConnect) != 1 {
		t.Errorf("callbacks bound %d/%d times, want 1/1", len(ft.onMessage), len(ft.onConnect))
	}
	if ft.connects != 4 {
		t.Errorf("connects = %d, want 4", ft.connects)
	}
}

func TestManager_ConnectWhileActiveIsNoop(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager("gatebot", nil, ft, &recorder{}, Options{})
	connectAndWait(t, m)
	m.Connect()
	m.Connect()
	m.Close()

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.connects != 1 {
		t.Errorf("connects = %d, want 1", ft.connects)
	}
}

func TestManager_PerChannelOrder(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	m := NewManager("gatebot", []string{"a", "b"}, ft, rec, Options{})
	connectAndWait(t, m)

	const n = 200
	for i := 0; i < n; i++ {
		ft.deliver(Message{Channel: "a", User: "u", Text: fmt.Sprint(i)})
		ft.deliver(Message{Channel: "b", User: "u", Text: fmt.Sprint(i)})
	}
	m.Close()

	next := map[string]int{}
	for _, msg := range rec.all() {
		want := fmt.Sprint(next[msg.Channel])
		if msg.Text != want {
			t.Fatalf("channel %s: got %s, want %s", msg.Channel, msg.Text, want)
		}
		next[msg.Channel]++
	}
	if next["a"] != n || next["b"] != n {
		t.Errorf("delivered a=%d b=%d, want %d each", next["a"], next["b"], n)
	}
}

func TestManager_DropsSelfMessages(t *testing.T) {
	ft := newFakeTransport()
	rec := &recorder{}
	m := NewManager("GateBot", []string{"streamer"}, ft, rec, Options{})
	connectAndWait(t, m)

	ft.deliver(Message{Channel: "streamer", User: "gatebot", Text: "hello"})
	ft.deliver(Message{Channel: "streamer", User: "someone", Self: true, Text: "echo"})
	ft.deliver(Message{Channel: "streamer", User: "alice", Text: "hi"})
	m.Close()

	got := rec.all()
	if len(got) != 1 || got[0].User != "alice" {
		t.Fatalf("handled %+v, want only alice", got)
	}
}

func TestManager_ChannelMembership(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager("gatebot", []string{"#One"}, ft, &recorder{}, Options{})
	defer m.Close()

	if !m.Joined("one") || !m.Joined("#ONE") {
		t.Fatal("initial channel not joined")
	}
	if !m.AddChannel("#Two") {
		t.Fatal("AddChannel(two) = false, want true")
	}
	if m.AddChannel("two") {
		t.Error("second AddChannel(two) = true, want false")
	}
	if got := m.Channels(); len(got) != 2 || got[0] != "one" || got[1] != "two" {
		t.Errorf("Channels() = %v", got)
	}
	if !m.RemoveChannel("one") {
		t.Error("RemoveChannel(one) = false")
	}
	if m.RemoveChannel("one") {
		t.Error("second RemoveChannel(one) = true")
	}
	if m.Joined("one") {
		t.Error("one still joined after removal")
	}
	if m.AddChannel("  ") {
		t.Error("AddChannel(blank) = true")
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.joins) != 1 || ft.joins[0] != "two" {
		t.Errorf("joins = %v, want [two]", ft.joins)
	}
	if len(ft.departs) != 1 || ft.departs[0] != "one" {
		t.Errorf("departs = %v, want [one]", ft.departs)
	}
}

func TestManager_SayRequiresJoinedChannel(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager("gatebot", []string{"streamer"}, ft, &recorder{}, Options{})
	defer m.Close()
	ctx := context.Background()

	if err := m.Say(ctx, "#streamer", "hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if err := m.Say(ctx, "elsewhere", "hello"); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Say(elsewhere) err = %v, want ErrNotJoined", err)
	}
	ft.mu.Lock()
	ft.sayErr = errors.New("write: broken pipe")
	ft.mu.Unlock()
	if err := m.Say(ctx, "streamer", "again"); err == nil {
		t.Error("Say with failing transport returned nil")
	}

	said, _ := ft.snapshot()
	if len(said) != 1 || said[0] != "streamer: hello" {
		t.Errorf("said = %v", said)
	}
}

func TestManager_ModerationIsFireAndForget(t *testing.T) {
	ft := newFakeTransport()
	ft.banErr = errors.New("helix 403")
	m := NewManager("gatebot", []string{"streamer"}, ft, &recorder{}, Options{ActionTimeout: time.Second})

	m.Ban("#Streamer", "@Spammer", "spam")
	m.Unban("streamer", "spammer")
	m.Close()

	_, bans := ft.snapshot()
	if len(bans) != 2 {
		t.Fatalf("moderation calls = %d, want 2", len(bans))
	}
	for _, b := range bans {
		if b.Channel != "streamer" || b.User != "spammer" {
			t.Errorf("action %+v not normalized", b)
		}
	}
}

func TestManager_LifecycleCallbacks(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager("gatebot", nil, ft, &recorder{}, Options{})

	var mu sync.Mutex
	var events []string
	m.OnConnected(func() {
		mu.Lock()
		events = append(events, "up")
		mu.Unlock()
	})
	m.OnDisconnected(func(err error) {
		mu.Lock()
		events = append(events, fmt.Sprintf("down:%v", err))
		mu.Unlock()
	})

	connectAndWait(t, m)
	ft.drop(errors.New("eof"))
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	connectAndWait(t, m)
	m.Disconnect()
	waitFor(t, "disconnected", func() bool { return m.State() == StateDisconnected })
	m.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"up", "down:eof", "up", "down:<nil>"}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Errorf("events = %v, want %v", events, want)
	}
}

func TestManager_RunReconnects(t *testing.T) {
	ft := newFakeTransport()
	m := NewManager("gatebot", []string{"streamer"}, ft, &recorder{}, Options{MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	waitFor(t, "first connect", func() bool { return m.State() == StateConnected })
	ft.drop(errors.New("connection reset"))
	waitFor(t, "reconnect", func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		return ft.connects >= 2
	})
	waitFor(t, "connected again", func() bool { return m.State() == StateConnected })

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	m.Close()
}

func TestLanes_RecoversFromPanic(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	h := HandlerFunc(func(_ context.Context, msg Message) {
		if msg.Text == "boom" {
			panic("handler exploded")
		}
		mu.Lock()
		handled = append(handled, msg.Text)
		mu.Unlock()
	})
	l := newLanes(context.Background(), h, 4)
	l.dispatch(Message{Channel: "c", Text: "boom"})
	l.dispatch(Message{Channel: "c", Text: "after"})
	l.close()

	if len(handled) != 1 || handled[0] != "after" {
		t.Errorf("handled = %v, want [after]", handled)
	}
	if l.dispatch(Message{Channel: "c", Text: "late"}) {
		t.Error("dispatch after close = true")
	}
}

func TestNormalizeAndStrings(t *testing.T) {
	if got := NormalizeChannel("  #SomeChannel "); got != "somechannel" {
		t.Errorf("NormalizeChannel = %q", got)
	}
	if ActionUnban.String() != "unban" || ActionBan.String() != "ban" {
		t.Error("ActionKind strings")
	}
	if StateConnecting.String() != "connecting" {
		t.Error("State string")
	}
}
