package system

import (
	"time"

	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/world"
)

// CleanupSystem flushes the deferred entity destruction queue at frame end.
// Phase 5 (Cleanup). Scripts only ever queue destruction; the removals
// reach the registry on the next frame's discover phase.
type CleanupSystem struct {
	world *world.State
}

func NewCleanupSystem(ws *world.State) *CleanupSystem {
	return &CleanupSystem{world: ws}
}

func (s *CleanupSystem) Phase() coresys.Phase { return coresys.PhaseCleanup }

func (s *CleanupSystem) Update(_ time.Duration) {
	s.world.FlushDestroyQueue()
}
