// Package twitchapi contains minimal helpers for the Twitch Helix API: login to
// user id resolution and channel moderation (ban/unban). Twitch IRC no longer
// accepts /ban and /unban, so the chat transport delegates moderation here.
package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

const defaultBaseURL = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when a login does not resolve to a user id.
var ErrUserNotFound = errors.New("user not found")

// HelixClient issues Helix requests on behalf of the bot account.
type HelixClient struct {
	ClientID string
	// UserToken authorizes moderation; it must carry moderator:manage:banned_users.
	UserToken TokenProvider
	// AppTokenSource is preferred for user lookups when set.
	AppTokenSource TokenProvider
	// ModeratorLogin is the bot account performing moderation.
	ModeratorLogin string
	HTTPClient     *http.Client
	BaseURL        string

	mu  sync.RWMutex
	ids map[string]string
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) baseURL() string {
	if hc.BaseURL != "" {
		return strings.TrimRight(hc.BaseURL, "/")
	}
	return defaultBaseURL
}

func (hc *HelixClient) do(ctx context.Context, tp TokenProvider, method, path string, q url.Values, body interface{}, out interface{}) error {
	if tp == nil {
		return errors.New("no token provider configured")
	}
	tok, err := tp.Get(ctx)
	if err != nil {
		return err
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	u := hc.baseURL() + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("helix %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(b)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetUserID resolves a login name to its user ID. Results are cached for the
// process lifetime; ids do not change when a user renames.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	login = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
	login = strings.TrimPrefix(login, "#")
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	hc.mu.RLock()
	id, ok := hc.ids[login]
	hc.mu.RUnlock()
	if ok {
		return id, nil
	}

	tp := hc.AppTokenSource
	if tp == nil {
		tp = hc.UserToken
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := hc.do(ctx, tp, http.MethodGet, "/users", url.Values{"login": {login}}, nil, &body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 || body.Data[0].ID == "" {
		return "", fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}
	hc.mu.Lock()
	if hc.ids == nil {
		hc.ids = make(map[string]string)
	}
	hc.ids[login] = body.Data[0].ID
	hc.mu.Unlock()
	return body.Data[0].ID, nil
}

func (hc *HelixClient) moderationIDs(ctx context.Context, channel, user string) (broadcaster, moderator, target string, err error) {
	if broadcaster, err = hc.GetUserID(ctx, channel); err != nil {
		return "", "", "", fmt.Errorf("resolve channel %q: %w", channel, err)
	}
	if moderator, err = hc.GetUserID(ctx, hc.ModeratorLogin); err != nil {
		return "", "", "", fmt.Errorf("resolve moderator %q: %w", hc.ModeratorLogin, err)
	}
	if target, err = hc.GetUserID(ctx, user); err != nil {
		return "", "", "", fmt.Errorf("resolve user %q: %w", user, err)
	}
	return broadcaster, moderator, target, nil
}

// Ban permanently bans user from channel with an optional reason.
func (hc *HelixClient) Ban(ctx context.Context, channel, user, reason string) error {
	b, m, u, err := hc.moderationIDs(ctx, channel, user)
	if err != nil {
		return err
	}
	payload := map[string]interface{}{
		"data": map[string]string{"user_id": u, "reason": reason},
	}
	return hc.do(ctx, hc.UserToken, http.MethodPost, "/moderation/bans",
		url.Values{"broadcaster_id": {b}, "moderator_id": {m}}, payload, nil)
}

// Unban lifts a ban or timeout on user in channel.
func (hc *HelixClient) Unban(ctx context.Context, channel, user string) error {
	b, m, u, err := hc.moderationIDs(ctx, channel, user)
	if err != nil {
		return err
	}
	return hc.do(ctx, hc.UserToken, http.MethodDelete, "/moderation/bans",
		url.Values{"broadcaster_id": {b}, "moderator_id": {m}, "user_id": {u}}, nil, nil)
}
