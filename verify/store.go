// Package verify owns the set of users who agreed to the channel rules.
//
// The Store keeps the set in memory and mirrors every promotion to a Persister
// (Postgres, Pebble or a JSON file). A user absent from the set is unverified. Once
// verified, a user never reverts within the process lifetime.
//
// Promotion happens through MarkVerified (the !agree command) or through Check,
// which falls back to an external Roster when the local set has no entry.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/onnwee/chatgate/telemetry"
)

// Source records why a user was promoted.
type Source string

const (
	SourceAgree  Source = "agree"
	SourceRoster Source = "roster"
)

// Persister is the durable mirror of the verified set.
type Persister interface {
	Load(ctx context.Context) (map[string]bool, error)
	Put(ctx context.Context, login string, source Source) error
}

// Roster answers whether a login is pre-approved by an external list.
type Roster interface {
	IsListed(ctx context.Context, login string) bool
}

type Store struct {
	persist Persister
	roster  Roster

	mu       sync.Mutex
	verified map[string]bool

	// serializes Put calls so the durable mirror sees mutations in order
	saveMu sync.Mutex
}

// NewStore returns an empty store. roster may be nil to disable the fallback.
func NewStore(p Persister, roster Roster) *Store {
	return &Store{persist: p, roster: roster, verified: make(map[string]bool)}
}

// Normalize lowercases a login and strips whitespace and a leading '@'.
func Normalize(login string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(login), "@"))
}

// Load replaces the in-memory set with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	m, err := s.persist.Load(ctx)
	if err != nil {
		return fmt.Errorf("load verified users: %w", err)
	}
	s.mu.Lock()
	s.verified = make(map[string]bool, len(m))
	for k, v := range m {
		if v {
			s.verified[Normalize(k)] = true
		}
	}
	n := len(s.verified)
	s.mu.Unlock()
	telemetry.SetVerifiedUsers(n)
	slog.Info("verified users loaded", slog.Int("count", n), slog.String("component", "verify"))
	return nil
}

// IsVerified reports the local flag only; it never consults the roster.
func (s *Store) IsVerified(login string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified[Normalize(login)]
}

// Len returns the number of verified users.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.verified)
}

// MarkVerified promotes login. It returns false without persisting when the user
// was already verified. A persistence error is returned but the in-memory
// promotion stands.
func (s *Store) MarkVerified(ctx context.Context, login string) (bool, error) {
	return s.promote(ctx, login, SourceAgree)
}

// Check reports whether login may use gated commands. When the local set has no
// entry and a roster is configured, a roster hit promotes and persists the user.
func (s *Store) Check(ctx context.Context, login string) bool {
	if s.IsVerified(login) {
		return true
	}
	if s.roster == nil {
		return false
	}
	if !s.roster.IsListed(ctx, login) {
		return false
	}
	if _, err := s.promote(ctx, login, SourceRoster); err != nil {
		slog.Warn("persist roster promotion failed", slog.String("user", Normalize(login)), slog.Any("err", err), slog.String("component", "verify"))
	}
	return true
}

func (s *Store) promote(ctx context.Context, login string, src Source) (bool, error) {
	key := Normalize(login)
	if key == "" {
		return false, fmt.Errorf("empty login")
	}
	s.mu.Lock()
	if s.verified[key] {
		s.mu.Unlock()
		return false, nil
	}
	s.verified[key] = true
	n := len(s.verified)
	s.mu.Unlock()

	telemetry.SetVerifiedUsers(n)
	if telemetry.Verifications != nil {
		telemetry.Verifications.WithLabelValues(string(src)).Inc()
	}
	slog.Info("user verified", slog.String("user", key), slog.String("source", string(src)), slog.String("component", "verify"))

	if s.persist == nil {
		return true, nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if err := s.persist.Put(ctx, key, src); err != nil {
		return true, fmt.Errorf("persist %s: %w", key, err)
	}
	return true, nil
}
