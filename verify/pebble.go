package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
)

var pebblePrefix = []byte("verified:")

// PebblePersister keeps one key per verified login in an embedded Pebble
// database. The value holds the promotion source.
type PebblePersister struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the database at dir.
func OpenPebble(dir string) (*PebblePersister, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble %s: %w", dir, err)
	}
	slog.Info("pebble store opened", slog.String("path", dir), slog.String("component", "verify"))
	return &PebblePersister{db: db}, nil
}

func (p *PebblePersister) Load(ctx context.Context) (map[string]bool, error) {
	upper := append([]byte{}, pebblePrefix...)
	upper[len(upper)-1]++
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: pebblePrefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("pebble iter: %w", err)
	}
	defer iter.Close()
	out := make(map[string]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[string(iter.Key()[len(pebblePrefix):])] = true
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble scan: %w", err)
	}
	return out, nil
}

// Put keeps the first recorded source when login already exists.
func (p *PebblePersister) Put(ctx context.Context, login string, source Source) error {
	key := append(append([]byte{}, pebblePrefix...), login...)
	_, closer, err := p.db.Get(key)
	if err == nil {
		return closer.Close()
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("pebble get %s: %w", login, err)
	}
	if err := p.db.Set(key, []byte(source), pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", login, err)
	}
	return nil
}

// Close flushes and closes the database.
func (p *PebblePersister) Close() error {
	return p.db.Close()
}
