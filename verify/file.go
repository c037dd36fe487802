package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FilePersister stores the verified set as a JSON object {"login": true}.
// The whole file is rewritten on every Put through a temp file and rename.
type FilePersister struct {
	Path string

	mu     sync.Mutex
	mirror map[string]bool
}

// NewFilePersister returns a persister writing to dir/verified_users.json.
func NewFilePersister(dir string) *FilePersister {
	return &FilePersister{Path: filepath.Join(dir, "verified_users.json")}
}

func (f *FilePersister) Load(ctx context.Context) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mirror = make(map[string]bool)
	b, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	if len(b) == 0 {
		return map[string]bool{}, nil
	}
	if err := json.Unmarshal(b, &f.mirror); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	out := make(map[string]bool, len(f.mirror))
	for k, v := range f.mirror {
		out[k] = v
	}
	return out, nil
}

func (f *FilePersister) Put(ctx context.Context, login string, _ Source) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mirror == nil {
		f.mirror = make(map[string]bool)
	}
	f.mirror[login] = true
	b, err := json.MarshalIndent(f.mirror, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
