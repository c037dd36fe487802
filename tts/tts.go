// Package tts turns chat text into mp3 files with the OpenAI speech endpoint.
//
// Every request writes its own file (tts-<uuid>.mp3) under Dir so concurrent
// requests never overwrite each other's audio. Files older than the retention
// window are removed by Prune / StartPruner.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/onnwee/chatgate/telemetry"
)

// maxInput is the speech endpoint's input limit in characters.
const maxInput = 4096

// Artifact is one generated audio file.
type Artifact struct {
	Path      string
	Name      string
	CreatedAt time.Time
}

type Config struct {
	APIKey    string
	Enabled   bool
	Dir       string
	Model     string
	Voice     string
	Timeout   time.Duration
	Retention time.Duration
}

type Synthesizer struct {
	client openai.Client
	cfg    Config
}

// New builds a Synthesizer. Extra request options are appended after the API key
// (tests point the client at an httptest server with option.WithBaseURL).
func New(cfg Config, opts ...option.RequestOption) *Synthesizer {
	if cfg.Dir == "" {
		cfg.Dir = "public"
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SpeechModelTTS1)
	}
	if cfg.Voice == "" {
		cfg.Voice = string(openai.AudioSpeechNewParamsVoiceAlloy)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = time.Hour
	}
	opts = append([]option.RequestOption{option.WithAPIKey(cfg.APIKey)}, opts...)
	return &Synthesizer{client: openai.NewClient(opts...), cfg: cfg}
}

// Enabled reports the feature flag.
func (s *Synthesizer) Enabled() bool { return s != nil && s.cfg.Enabled }

// Dir is where artifacts are written.
func (s *Synthesizer) Dir() string { return s.cfg.Dir }

// Synthesize generates speech for text. It returns false when the feature is
// disabled (no request is made) or when generation fails.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (*Artifact, bool) {
	if !s.Enabled() {
		return nil, false
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	if len(text) > maxInput {
		text = text[:maxInput]
	}
	art, err := s.synthesize(ctx, text)
	if err != nil {
		slog.Warn("tts synthesis failed", slog.Any("err", err), slog.String("component", "tts"))
		return nil, false
	}
	slog.Info("tts artifact written", slog.String("path", art.Path), slog.String("component", "tts"))
	return art, true
}

func (s *Synthesizer) synthesize(ctx context.Context, text string) (art *Artifact, err error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()
	defer func() { telemetry.ObserveCollaborator("tts", err == nil, time.Since(start)) }()

	resp, err := s.client.Audio.Speech.New(ctx, openai.AudioSpeechNewParams{
		Model:          openai.SpeechModel(s.cfg.Model),
		Voice:          openai.AudioSpeechNewParamsVoice(s.cfg.Voice),
		Input:          text,
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	})
	if err != nil {
		return nil, fmt.Errorf("audio.speech: %w", err)
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(s.cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create tts dir: %w", err)
	}
	name := "tts-" + uuid.NewString() + ".mp3"
	path := filepath.Join(s.cfg.Dir, name)
	f, err := os.Create(path) //nolint:gosec // G304: name is generated, not user input
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = errors.New("empty audio payload")
	}
	if err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("write artifact: %w", err)
	}
	return &Artifact{Path: path, Name: name, CreatedAt: time.Now()}, nil
}

// Prune deletes artifacts older than the retention window and returns how many were removed.
func (s *Synthesizer) Prune(now time.Time) (int, error) {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Dir, "tts-*.mp3"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range matches {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.cfg.Retention {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("tts prune remove failed", slog.String("path", p), slog.Any("err", err), slog.String("component", "tts"))
			continue
		}
		removed++
	}
	return removed, nil
}

// StartPruner runs Prune every interval until ctx is done.
func (s *Synthesizer) StartPruner(ctx context.Context, interval time.Duration) {
	if !s.Enabled() {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n, err := s.Prune(now); err != nil {
					slog.Warn("tts prune failed", slog.Any("err", err), slog.String("component", "tts"))
				} else if n > 0 {
					slog.Info("tts artifacts pruned", slog.Int("count", n), slog.String("component", "tts"))
				}
			}
		}
	}()
}
