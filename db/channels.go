package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// channelsKey holds the comma separated list of channels joined at runtime
// through the admin API, on top of TWITCH_CHANNELS.
const channelsKey = "chat_channels"

// ChannelStore persists the runtime channel list in the kv table.
type ChannelStore struct {
	DB *sql.DB
}

// Load returns the stored channels, or nil when none were saved.
func (s ChannelStore) Load(ctx context.Context) ([]string, error) {
	v, err := GetKV(ctx, s.DB, channelsKey)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	if v == "" {
		return nil, nil
	}
	var out []string
	for _, ch := range strings.Split(v, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out, nil
}

// Save replaces the stored channel list.
func (s ChannelStore) Save(ctx context.Context, channels []string) error {
	if err := SetKV(ctx, s.DB, channelsKey, strings.Join(channels, ",")); err != nil {
		return fmt.Errorf("save channels: %w", err)
	}
	return nil
}
