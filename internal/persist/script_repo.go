package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vibe3d/scriptrt/internal/scripting"
)

// ScriptRepo serves external scripts out of the scripts table, keyed by
// location. It implements scripting.Source and scripting.Writer.
type ScriptRepo struct {
	db *DB
}

func NewScriptRepo(db *DB) *ScriptRepo {
	return &ScriptRepo{db: db}
}

func (r *ScriptRepo) Fetch(ctx context.Context, location string) (string, time.Time, error) {
	var (
		code string
		mod  time.Time
	)
	err := r.db.Pool.QueryRow(ctx,
		`SELECT code, updated_at FROM scripts WHERE location = $1`, location,
	).Scan(&code, &mod)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, fmt.Errorf("%s: %w", location, scripting.ErrNoSource)
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("fetch script %s: %w", location, err)
	}
	return code, mod, nil
}

func (r *ScriptRepo) Stat(ctx context.Context, location string) (time.Time, error) {
	var mod time.Time
	err := r.db.Pool.QueryRow(ctx,
		`SELECT updated_at FROM scripts WHERE location = $1`, location,
	).Scan(&mod)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, fmt.Errorf("%s: %w", location, scripting.ErrNoSource)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat script %s: %w", location, err)
	}
	return mod, nil
}

// Store upserts a script and returns its new modification time.
func (r *ScriptRepo) Store(ctx context.Context, location, code string) (time.Time, error) {
	var mod time.Time
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO scripts (location, code, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (location) DO UPDATE SET code = EXCLUDED.code, updated_at = now()
		 RETURNING updated_at`,
		location, code,
	).Scan(&mod)
	if err != nil {
		return time.Time{}, fmt.Errorf("store script %s: %w", location, err)
	}
	return mod, nil
}

// List returns every stored location.
func (r *ScriptRepo) List(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT location FROM scripts ORDER BY location`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
