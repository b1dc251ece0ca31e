package persist

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/scripting"
)

// GoodRepo persists last known good code. SaveGood only enqueues; Run
// drains the queue and writes each batch in one transaction, keeping the
// newest entry per script.
type GoodRepo struct {
	db    *DB
	queue chan scripting.GoodCode
	write func(ctx context.Context, batch []scripting.GoodCode) error
	log   *zap.Logger

	dropped int
}

func NewGoodRepo(db *DB, queueSize int, log *zap.Logger) *GoodRepo {
	r := &GoodRepo{
		db:    db,
		queue: make(chan scripting.GoodCode, queueSize),
		log:   log,
	}
	r.write = r.writeBatch
	return r
}

func (r *GoodRepo) LoadGood(ctx context.Context) ([]scripting.GoodCode, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT script_id, hash, code, saved_at FROM script_good`,
	)
	if err != nil {
		return nil, fmt.Errorf("load good code: %w", err)
	}
	defer rows.Close()

	var result []scripting.GoodCode
	for rows.Next() {
		var g scripting.GoodCode
		if err := rows.Scan(&g.ScriptID, &g.Hash, &g.Code, &g.SavedAt); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

// SaveGood queues g for writing. A full queue drops the entry; the next
// successful resolve of the script queues it again.
func (r *GoodRepo) SaveGood(g scripting.GoodCode) {
	select {
	case r.queue <- g:
	default:
		r.dropped++
		r.log.Warn("good code queue full, entry dropped", zap.String("script", g.ScriptID))
	}
}

// Run writes queued entries until ctx is done, then flushes what is left.
func (r *GoodRepo) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	pending := make(map[string]scripting.GoodCode)
	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		batch := make([]scripting.GoodCode, 0, len(pending))
		for _, g := range pending {
			batch = append(batch, g)
		}
		if err := r.write(ctx, batch); err != nil {
			r.log.Error("save good code", zap.Int("entries", len(batch)), zap.Error(err))
			return
		}
		clear(pending)
	}
	for {
		select {
		case g := <-r.queue:
			pending[g.ScriptID] = g
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
		drain:
			for {
				select {
				case g := <-r.queue:
					pending[g.ScriptID] = g
				default:
					break drain
				}
			}
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(final)
			cancel()
			return nil
		}
	}
}

func (r *GoodRepo) writeBatch(ctx context.Context, batch []scripting.GoodCode) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("good code begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, g := range batch {
		if _, err := tx.Exec(ctx,
			`INSERT INTO script_good (script_id, hash, code, saved_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (script_id) DO UPDATE
			 SET hash = EXCLUDED.hash, code = EXCLUDED.code, saved_at = EXCLUDED.saved_at`,
			g.ScriptID, g.Hash, g.Code, g.SavedAt,
		); err != nil {
			return fmt.Errorf("good code upsert %s: %w", g.ScriptID, err)
		}
	}
	return tx.Commit(ctx)
}
