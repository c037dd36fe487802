// Package config loads environment variables and provides a typed Config used across the bot.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Validate enforces the credentials the chat session cannot start without.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingCredentials is returned by Validate when the chat identity is incomplete.
var ErrMissingCredentials = errors.New("missing twitch credentials")

type Config struct {
	// Twitch
	TwitchBotUsername  string
	TwitchOAuthToken   string
	TwitchChannels     []string
	TwitchClientID     string
	TwitchClientSecret string

	// Google
	GoogleCredentials []byte // decoded service account JSON
	GoogleSheetID     string
	GoogleSheetRange  string
	SafeBrowsingKey   string

	// Speech synthesis
	OpenAIAPIKey  string
	EnableTTS     bool
	TTSDir        string
	TTSRetention  time.Duration
	PublicBaseURL string

	// Storage
	DBDsn        string
	DataDir      string
	StoreBackend string // file or pebble; ignored when DBDsn is set

	// Runtime
	CollaboratorTimeout time.Duration
	HTTPAddr            string
}

// Load reads environment variables and applies defaults. Optional collaborators are disabled
// when their credentials are missing; malformed values are reported as errors.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchBotUsername = strings.ToLower(strings.TrimSpace(os.Getenv("TWITCH_BOT_USERNAME")))
	cfg.TwitchOAuthToken = strings.TrimSpace(os.Getenv("TWITCH_OAUTH_TOKEN"))
	cfg.TwitchChannels = ParseChannels(os.Getenv("TWITCH_CHANNELS"))
	if len(cfg.TwitchChannels) == 0 {
		// single-channel deployments only set TWITCH_CHANNEL
		cfg.TwitchChannels = ParseChannels(os.Getenv("TWITCH_CHANNEL"))
	}
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	// Google
	if v := strings.TrimSpace(os.Getenv("GOOGLE_CREDENTIALS")); v != "" {
		creds, err := DecodeGoogleCredentials(v)
		if err != nil {
			return nil, err
		}
		cfg.GoogleCredentials = creds
	}
	cfg.GoogleSheetID = os.Getenv("GOOGLE_SHEET_ID")
	cfg.GoogleSheetRange = os.Getenv("GOOGLE_SHEET_RANGE")
	if cfg.GoogleSheetRange == "" {
		cfg.GoogleSheetRange = "C:C"
	}
	cfg.SafeBrowsingKey = os.Getenv("SAFE_BROWSING_API_KEY")

	// TTS
	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("ENABLE_TTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ENABLE_TTS (bool): %w", err)
		}
		cfg.EnableTTS = b
	}
	cfg.TTSDir = os.Getenv("TTS_DIR")
	if cfg.TTSDir == "" {
		cfg.TTSDir = "public"
	}
	retention, err := durationEnv("TTS_RETENTION", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.TTSRetention = retention
	cfg.PublicBaseURL = strings.TrimRight(os.Getenv("PUBLIC_BASE_URL"), "/")

	// Storage. An empty DB_DSN selects the JSON file store under DataDir.
	cfg.DBDsn = os.Getenv("DB_DSN")
	cfg.DataDir = os.Getenv("DATA_DIR")
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	switch cfg.StoreBackend {
	case "":
		cfg.StoreBackend = "file"
	case "file", "pebble":
	default:
		return nil, fmt.Errorf("invalid STORE_BACKEND %q (want file or pebble)", cfg.StoreBackend)
	}

	timeout, err := durationEnv("COLLABORATOR_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.CollaboratorTimeout = timeout

	cfg.HTTPAddr = os.Getenv("HTTP_ADDR")
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	return cfg, nil
}

// Validate checks the fields the chat session requires. A failure here is fatal at startup.
func (c *Config) Validate() error {
	var missing []string
	if c.TwitchBotUsername == "" {
		missing = append(missing, "TWITCH_BOT_USERNAME")
	}
	if c.TwitchOAuthToken == "" {
		missing = append(missing, "TWITCH_OAUTH_TOKEN")
	}
	if len(c.TwitchChannels) == 0 {
		missing = append(missing, "TWITCH_CHANNELS")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: require %s", ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if c.EnableTTS && c.OpenAIAPIKey == "" {
		return fmt.Errorf("ENABLE_TTS is set but OPENAI_API_KEY is empty")
	}
	if c.GoogleSheetID != "" && len(c.GoogleCredentials) == 0 {
		return fmt.Errorf("GOOGLE_SHEET_ID is set but GOOGLE_CREDENTIALS is empty")
	}
	return nil
}

// RosterEnabled reports whether the Google Sheets fallback lookup is configured.
func (c *Config) RosterEnabled() bool {
	return c.GoogleSheetID != "" && len(c.GoogleCredentials) > 0
}

// ParseChannels splits a comma or space separated list, strips '#' and lowercases.
// Duplicates are dropped while keeping first-seen order.
func ParseChannels(raw string) []string {
	fields := strings.Fields(strings.ReplaceAll(raw, ",", " "))
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		ch := strings.ToLower(strings.TrimPrefix(f, "#"))
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		out = append(out, ch)
	}
	return out
}

// DecodeGoogleCredentials decodes a base64 service account JSON and checks the fields
// the JWT flow needs.
func DecodeGoogleCredentials(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid GOOGLE_CREDENTIALS (base64): %w", err)
	}
	var sa struct {
		ClientEmail string `json:"client_email"`
		PrivateKey  string `json:"private_key"`
	}
	if err := json.Unmarshal(raw, &sa); err != nil {
		return nil, fmt.Errorf("invalid GOOGLE_CREDENTIALS (json): %w", err)
	}
	if sa.ClientEmail == "" || sa.PrivateKey == "" {
		return nil, fmt.Errorf("invalid GOOGLE_CREDENTIALS: client_email and private_key required")
	}
	return raw, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}
