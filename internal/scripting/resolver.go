package scripting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vibe3d/scriptrt/internal/component"
)

var (
	ErrNoDraft  = errors.New("no draft for script")
	ErrReadOnly = errors.New("script source is read-only")
)

// Source is a backing store for external scripts.
type Source interface {
	Fetch(ctx context.Context, location string) (code string, modTime time.Time, err error)
	Stat(ctx context.Context, location string) (time.Time, error)
}

// Writer is implemented by sources that accept saved drafts.
type Writer interface {
	Store(ctx context.Context, location, code string) (time.Time, error)
}

// GoodCode is the last source of a script that compiled.
type GoodCode struct {
	ScriptID string
	Hash     string
	Code     string
	SavedAt  time.Time
}

// GoodStore persists last known good code across restarts. SaveGood must
// not block the frame loop.
type GoodStore interface {
	LoadGood(ctx context.Context) ([]GoodCode, error)
	SaveGood(g GoodCode)
}

type Resolved struct {
	Code    string
	Hash    string
	ModTime time.Time
	// Stale is set when the source failed and last known good code was used.
	Stale bool
	// Draft is set when unsaved editor content was returned.
	Draft bool
}

type draft struct {
	code     string
	hash     string
	base     time.Time
	conflict bool
}

// Resolver produces the code to run for a ScriptReference. It never writes
// to a reference; saving, renaming and converting are author actions on the
// world.
type Resolver struct {
	src   Source
	store GoodStore
	log   *zap.Logger

	good    map[string]GoodCode
	fetched map[string][]GoodCode // per script, newest last; promoted by MarkGood
	seen    map[string]time.Time
	drafts  map[string]*draft

	// OnWarning, when set, receives fallbacks and draft conflicts.
	OnWarning func(scriptID string, err error)
}

func NewResolver(src Source, store GoodStore, log *zap.Logger) *Resolver {
	return &Resolver{
		src:     src,
		store:   store,
		log:     log,
		good:    make(map[string]GoodCode),
		fetched: make(map[string][]GoodCode),
		seen:    make(map[string]time.Time),
		drafts:  make(map[string]*draft),
	}
}

// Preload fills the last known good table from the store.
func (r *Resolver) Preload(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	rows, err := r.store.LoadGood(ctx)
	if err != nil {
		return 0, fmt.Errorf("preload good code: %w", err)
	}
	for _, g := range rows {
		r.good[g.ScriptID] = g
	}
	return len(rows), nil
}

func (r *Resolver) warn(scriptID string, err error) {
	r.log.Warn("script source", zap.String("script", scriptID), zap.Error(err))
	if r.OnWarning != nil {
		r.OnWarning(scriptID, err)
	}
}

// maxFetched bounds the fetched-but-not-yet-compiled sources kept per script.
const maxFetched = 4

// remember keeps fetched code as a candidate. It only becomes last known
// good once MarkGood confirms that it compiled.
func (r *Resolver) remember(scriptID, code, hash string) {
	if g, ok := r.good[scriptID]; ok && g.Hash == hash {
		return
	}
	c := r.fetched[scriptID]
	for i := range c {
		if c[i].Hash == hash {
			return
		}
	}
	if len(c) == maxFetched {
		c = append(c[:0], c[1:]...)
	}
	r.fetched[scriptID] = append(c, GoodCode{ScriptID: scriptID, Hash: hash, Code: code})
}

// MarkGood promotes fetched code with the given hash to last known good and
// persists it. Unknown hashes, such as inline code or drafts, are ignored.
func (r *Resolver) MarkGood(scriptID, hash string) bool {
	if g, ok := r.good[scriptID]; ok && g.Hash == hash {
		return false
	}
	c := r.fetched[scriptID]
	for i := range c {
		if c[i].Hash != hash {
			continue
		}
		g := c[i]
		g.SavedAt = time.Now()
		r.good[scriptID] = g
		if r.store != nil {
			r.store.SaveGood(g)
		}
		r.fetched[scriptID] = append(c[:i:i], c[i+1:]...)
		if len(r.fetched[scriptID]) == 0 {
			delete(r.fetched, scriptID)
		}
		return true
	}
	return false
}

// Good returns the last known good code of a script.
func (r *Resolver) Good(scriptID string) (GoodCode, bool) {
	g, ok := r.good[scriptID]
	return g, ok
}

// Resolve returns the code for ref. An open draft always wins. For external
// references a failed fetch falls back to the last known good code; with
// none, a *ResolutionError is returned and the script should be skipped.
func (r *Resolver) Resolve(ctx context.Context, ref component.ScriptReference) (Resolved, error) {
	id := ref.ScriptID
	if d, ok := r.drafts[id]; ok {
		r.checkConflict(ctx, ref, d)
		return Resolved{Code: d.code, Hash: d.hash, Draft: true}, nil
	}

	if !ref.External() {
		return Resolved{Code: ref.Code, Hash: Hash(ref.Code)}, nil
	}

	loc := ref.SourceLocation()
	var (
		code string
		mod  time.Time
		err  = ErrNoSource
	)
	if r.src != nil {
		code, mod, err = r.src.Fetch(ctx, loc)
	}
	if err != nil {
		if g, ok := r.good[id]; ok {
			r.warn(id, fmt.Errorf("using last known good code: %w", err))
			return Resolved{Code: g.Code, Hash: g.Hash, Stale: true}, nil
		}
		return Resolved{}, &ResolutionError{ScriptID: id, Location: loc, Err: err}
	}
	hash := Hash(code)
	r.seen[id] = mod
	r.remember(id, code, hash)
	return Resolved{Code: code, Hash: hash, ModTime: mod}, nil
}

// Changed reports whether an external source was modified since it was last
// fetched. Inline references and open drafts never report a change; a
// change under an open draft is recorded as a conflict instead.
func (r *Resolver) Changed(ctx context.Context, ref component.ScriptReference) bool {
	if !ref.External() || r.src == nil {
		return false
	}
	if d, ok := r.drafts[ref.ScriptID]; ok {
		r.checkConflict(ctx, ref, d)
		return false
	}
	mod, err := r.src.Stat(ctx, ref.SourceLocation())
	if err != nil {
		return false
	}
	return !mod.Equal(r.seen[ref.ScriptID])
}

// checkConflict records, once per draft, that the backing source changed
// after the draft was opened.
func (r *Resolver) checkConflict(ctx context.Context, ref component.ScriptReference, d *draft) {
	if !ref.External() || r.src == nil || d.conflict || d.base.IsZero() {
		return
	}
	if mod, err := r.src.Stat(ctx, ref.SourceLocation()); err == nil && mod.After(d.base) {
		d.conflict = true
		r.warn(ref.ScriptID, fmt.Errorf("source changed on disk while a draft is open; draft kept"))
	}
}

// SetDraft stores unsaved content for a script and returns its hash.
func (r *Resolver) SetDraft(scriptID, code string) string {
	hash := Hash(code)
	if d, ok := r.drafts[scriptID]; ok {
		d.code, d.hash = code, hash
		return hash
	}
	r.drafts[scriptID] = &draft{code: code, hash: hash, base: r.seen[scriptID]}
	return hash
}

// Draft returns the open draft of a script and whether its source changed
// underneath it.
func (r *Resolver) Draft(scriptID string) (code string, conflict, ok bool) {
	d, ok := r.drafts[scriptID]
	if !ok {
		return "", false, false
	}
	return d.code, d.conflict, true
}

func (r *Resolver) DiscardDraft(scriptID string) bool {
	if _, ok := r.drafts[scriptID]; !ok {
		return false
	}
	delete(r.drafts, scriptID)
	return true
}

// CommitDraft saves the draft. External references are written through the
// source; inline drafts are returned for the caller to store on the
// reference. The draft is kept when the write fails.
func (r *Resolver) CommitDraft(ctx context.Context, ref component.ScriptReference) (Resolved, error) {
	id := ref.ScriptID
	d, ok := r.drafts[id]
	if !ok {
		return Resolved{}, fmt.Errorf("commit %s: %w", id, ErrNoDraft)
	}
	out := Resolved{Code: d.code, Hash: d.hash, ModTime: time.Now()}
	if ref.External() {
		w, ok := r.src.(Writer)
		if !ok {
			return Resolved{}, fmt.Errorf("commit %s: %w", id, ErrReadOnly)
		}
		mod, err := w.Store(ctx, ref.SourceLocation(), d.code)
		if err != nil {
			return Resolved{}, fmt.Errorf("commit %s: %w", id, err)
		}
		out.ModTime = mod
		r.seen[id] = mod
		r.remember(id, d.code, d.hash)
	}
	delete(r.drafts, id)
	return out, nil
}

// Forget drops the fetch bookkeeping of a script id, e.g. after a rename.
func (r *Resolver) Forget(scriptID string) {
	delete(r.seen, scriptID)
	delete(r.fetched, scriptID)
}
