package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chatgate/chat"
)

type fakeChat struct {
	mu       sync.Mutex
	state    chat.State
	channels map[string]bool
	actions  []string
}

func newFakeChat(channels ...string) *fakeChat {
	f := &fakeChat{state: chat.StateConnected, channels: map[string]bool{}}
	for _, c := range channels {
		f.channels[c] = true
	}
	return f
}

func (f *fakeChat) State() chat.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChat) Channels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []string{}
	for c := range f.channels {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (f *fakeChat) AddChannel(ch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch = chat.NormalizeChannel(ch)
	if f.channels[ch] {
		return false
	}
	f.channels[ch] = true
	return true
}

func (f *fakeChat) RemoveChannel(ch string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch = chat.NormalizeChannel(ch)
	if !f.channels[ch] {
		return false
	}
	delete(f.channels, ch)
	return true
}

func (f *fakeChat) Ban(ch, user, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "ban:"+ch+":"+user+":"+reason)
}

func (f *fakeChat) Unban(ch, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, "unban:"+ch+":"+user)
}

type fakeSaver struct {
	saved [][]string
	err   error
}

func (s *fakeSaver) Save(_ context.Context, channels []string) error {
	s.saved = append(s.saved, channels)
	return s.err
}

type fixedCount int

func (c fixedCount) Len() int { return int(c) }

func clearAdminEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN", "RATE_LIMIT_ENABLED", "RATE_LIMIT_REQUESTS_PER_IP", "RATE_LIMIT_WINDOW_SECONDS"} {
		t.Setenv(k, "")
	}
}

func serve(t *testing.T, deps Deps, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rr := httptest.NewRecorder()
	NewMux(ctx, deps).ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	clearAdminEnv(t)
	rr := serve(t, Deps{Chat: newFakeChat()}, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}
}

func TestCorrelationHeaderReused(t *testing.T) {
	clearAdminEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "abc-123")
	rr := serve(t, Deps{Chat: newFakeChat()}, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Errorf("X-Correlation-ID = %q", got)
	}
}

func TestReadyz(t *testing.T) {
	clearAdminEnv(t)
	c := newFakeChat("streamer")

	rr := serve(t, Deps{Chat: c}, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("connected readyz = %d body=%s", rr.Code, rr.Body.String())
	}

	c.mu.Lock()
	c.state = chat.StateConnecting
	c.mu.Unlock()
	rr = serve(t, Deps{Chat: c}, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("connecting readyz = %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["failed_check"] != "chat" || resp["error"] != "chat connecting" {
		t.Errorf("resp = %v", resp)
	}
}

func TestStatus(t *testing.T) {
	clearAdminEnv(t)
	rr := serve(t, Deps{Chat: newFakeChat("b", "a"), Verified: fixedCount(7)}, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var resp struct {
		State    string   `json:"state"`
		Channels []string `json:"channels"`
		Verified int      `json:"verified_users"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.State != "connected" || strings.Join(resp.Channels, ",") != "a,b" || resp.Verified != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAudioServing(t *testing.T) {
	clearAdminEnv(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tts-1.mp3"), []byte("ID3audio"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secret.txt"), []byte("nope"), 0o600); err != nil {
		t.Fatal(err)
	}
	deps := Deps{Chat: newFakeChat(), AudioDir: dir}

	tests := []struct {
		path string
		code int
	}{
		{"/tts/tts-1.mp3", http.StatusOK},
		{"/tts/tts-missing.mp3", http.StatusNotFound},
		{"/tts/secret.txt", http.StatusNotFound},
		{"/tts/", http.StatusNotFound},
	}
	for _, tt := range tests {
		rr := serve(t, deps, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rr.Code != tt.code {
			t.Errorf("GET %s = %d, want %d", tt.path, rr.Code, tt.code)
		}
		if tt.code == http.StatusOK && rr.Body.String() != "ID3audio" {
			t.Errorf("GET %s body = %q", tt.path, rr.Body.String())
		}
	}
}

func TestAdminBanUnban(t *testing.T) {
	clearAdminEnv(t)
	c := newFakeChat("streamer")
	deps := Deps{Chat: c}

	rr := serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/ban", strings.NewReader(`{"channel":"streamer","user":"spammer","reason":"spam"}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("ban = %d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/unban", strings.NewReader(`{"channel":"streamer","user":"spammer"}`)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unban = %d", rr.Code)
	}
	rr = serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/ban", strings.NewReader(`{"channel":"streamer"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("ban without user = %d", rr.Code)
	}
	rr = serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/ban", strings.NewReader(`{`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("ban with bad json = %d", rr.Code)
	}
	rr = serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/ban", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET ban = %d", rr.Code)
	}

	want := []string{"ban:streamer:spammer:spam", "unban:streamer:spammer"}
	if strings.Join(c.actions, "|") != strings.Join(want, "|") {
		t.Errorf("actions = %v, want %v", c.actions, want)
	}
}

func TestAdminChannels(t *testing.T) {
	clearAdminEnv(t)
	c := newFakeChat("one")
	saver := &fakeSaver{}
	deps := Deps{Chat: c, Channels: saver}

	rr := serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/channels", strings.NewReader(`{"channel":"#Two"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("add = %d body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Changed  bool     `json:"changed"`
		Channels []string `json:"channels"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Changed || strings.Join(resp.Channels, ",") != "one,two" {
		t.Errorf("add resp = %+v", resp)
	}

	// idempotent add does not persist again
	serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/channels", strings.NewReader(`{"channel":"two"}`)))
	if len(saver.saved) != 1 {
		t.Errorf("saves after duplicate add = %d, want 1", len(saver.saved))
	}

	saver.err = errors.New("db down")
	rr = serve(t, deps, httptest.NewRequest(http.MethodDelete, "/admin/channels", strings.NewReader(`{"channel":"one"}`)))
	if rr.Code != http.StatusOK {
		t.Fatalf("delete = %d", rr.Code)
	}
	if got := c.Channels(); strings.Join(got, ",") != "two" {
		t.Errorf("channels = %v", got)
	}

	rr = serve(t, deps, httptest.NewRequest(http.MethodPost, "/admin/channels", strings.NewReader(`{"channel":"#"}`)))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("blank channel = %d", rr.Code)
	}
	rr = serve(t, deps, httptest.NewRequest(http.MethodGet, "/admin/channels", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "two") {
		t.Errorf("list = %d %s", rr.Code, rr.Body.String())
	}
}

func TestAdminRequiresAuth(t *testing.T) {
	clearAdminEnv(t)
	t.Setenv("ADMIN_TOKEN", "s3cret")
	c := newFakeChat("streamer")

	rr := serve(t, Deps{Chat: c}, httptest.NewRequest(http.MethodPost, "/admin/ban", strings.NewReader(`{"channel":"streamer","user":"x"}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated ban = %d", rr.Code)
	}
	if len(c.actions) != 0 {
		t.Errorf("action ran without auth: %v", c.actions)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/ban", strings.NewReader(`{"channel":"streamer","user":"x"}`))
	req.Header.Set("X-Admin-Token", "s3cret")
	if rr := serve(t, Deps{Chat: c}, req); rr.Code != http.StatusAccepted {
		t.Errorf("authenticated ban = %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	clearAdminEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, "127.0.0.1:0", Deps{Chat: newFakeChat()}) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
