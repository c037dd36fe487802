package verify

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/chatgate/testutil"
)

func TestFilePersisterRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	ctx := context.Background()

	s := NewStore(NewFilePersister(dir), nil)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load on missing file: %v", err)
	}
	for _, u := range []string{"alice", "Bob"} {
		if _, err := s.MarkVerified(ctx, u); err != nil {
			t.Fatalf("MarkVerified(%s): %v", u, err)
		}
	}

	b, err := os.ReadFile(filepath.Join(dir, "verified_users.json"))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	var onDisk map[string]bool
	if err := json.Unmarshal(b, &onDisk); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !onDisk["alice"] || !onDisk["bob"] || len(onDisk) != 2 {
		t.Errorf("on-disk set = %v", onDisk)
	}

	// simulate restart
	restarted := NewStore(NewFilePersister(dir), nil)
	if err := restarted.Load(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !restarted.IsVerified("alice") || !restarted.IsVerified("bob") {
		t.Error("verified users lost across restart")
	}
	if _, err := restarted.MarkVerified(ctx, "carol"); err != nil {
		t.Fatalf("MarkVerified after reload: %v", err)
	}
	again, _ := NewFilePersister(dir).Load(ctx)
	if len(again) != 3 {
		t.Errorf("rewrite after reload lost entries: %v", again)
	}
}

func TestFilePersisterCorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "verified_users.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFilePersister(dir).Load(context.Background()); err == nil {
		t.Error("expected decode error")
	}
}

func TestPostgresPersister(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	login := "test_pg_persister_user"
	t.Cleanup(func() {
		_, _ = database.ExecContext(context.Background(), `DELETE FROM verified_users WHERE login=$1`, login)
	})

	p := &PostgresPersister{DB: database}
	if err := p.Put(ctx, login, SourceRoster); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := p.Put(ctx, login, SourceAgree); err != nil {
		t.Fatalf("Put (upsert): %v", err)
	}
	m, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !m[login] {
		t.Errorf("expected %s in loaded set", login)
	}
	var src string
	if err := database.QueryRowContext(ctx, `SELECT source FROM verified_users WHERE login=$1`, login).Scan(&src); err != nil {
		t.Fatalf("select source: %v", err)
	}
	if src != string(SourceRoster) {
		t.Errorf("source = %q, first promotion source must be kept", src)
	}
}

func TestPebblePersister(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "pebble")
	ctx := context.Background()

	p, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("OpenPebble: %v", err)
	}
	s := NewStore(p, nil)
	if err := s.Load(ctx); err != nil {
		t.Fatalf("Load on empty db: %v", err)
	}
	for _, u := range []string{"alice", "@Bob"} {
		if _, err := s.MarkVerified(ctx, u); err != nil {
			t.Fatalf("MarkVerified(%s): %v", u, err)
		}
	}
	if err := p.Put(ctx, "alice", SourceRoster); err != nil {
		t.Fatalf("Put existing: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenPebble(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	m, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(m) != 2 || !m["alice"] || !m["bob"] {
		t.Errorf("loaded set = %v", m)
	}
}
