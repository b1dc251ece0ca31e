package system

import (
	"time"

	"github.com/google/uuid"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
	"github.com/vibe3d/scriptrt/internal/scripting"
)

// PlaySession lives from the rising to the falling edge of the play signal.
// It owns the started marks, so a new session starts every script again.
type PlaySession struct {
	ID        uuid.UUID
	StartedAt time.Time
	Frames    uint64
	Elapsed   time.Duration

	started map[scripting.Key]struct{}
	spawned []ecs.EntityID
}

func newPlaySession(now time.Time) *PlaySession {
	return &PlaySession{
		ID:        uuid.New(),
		StartedAt: now,
		started:   make(map[scripting.Key]struct{}, 64),
	}
}

func (p *PlaySession) Started(key scripting.Key) bool {
	_, ok := p.started[key]
	return ok
}

func (p *PlaySession) markStarted(key scripting.Key) { p.started[key] = struct{}{} }

func (p *PlaySession) unmark(key scripting.Key) { delete(p.started, key) }

// Spawned lists entities created while the session ran. They are removed
// when it ends.
func (p *PlaySession) Spawned() []ecs.EntityID { return p.spawned }
