package verify

import (
	"context"
	"database/sql"
)

// PostgresPersister stores one row per verified user in verified_users.
type PostgresPersister struct{ DB *sql.DB }

func (p *PostgresPersister) Load(ctx context.Context) (map[string]bool, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT login, verified FROM verified_users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var login string
		var ok bool
		if err := rows.Scan(&login, &ok); err != nil {
			return nil, err
		}
		out[login] = ok
	}
	return out, rows.Err()
}

func (p *PostgresPersister) Put(ctx context.Context, login string, src Source) error {
	_, err := p.DB.ExecContext(ctx, `INSERT INTO verified_users(login, verified, source, verified_at, updated_at)
		VALUES($1, TRUE, $2, NOW(), NOW())
		ON CONFLICT(login) DO UPDATE SET verified=TRUE, updated_at=NOW()`, login, string(src))
	return err
}
