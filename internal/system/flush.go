package system

import (
	"time"

	"go.uber.org/zap"

	coresys "github.com/vibe3d/scriptrt/internal/core/system"
	"github.com/vibe3d/scriptrt/internal/mutation"
	"github.com/vibe3d/scriptrt/internal/world"
)

// FlushSystem applies the frame's coalesced writes to the store, exactly
// once per frame. Phase 4 (Flush). This is the only store writer.
type FlushSystem struct {
	buf     *mutation.Buffer
	world   *world.State
	log     *zap.Logger
	applied uint64
	failed  uint64
}

func NewFlushSystem(buf *mutation.Buffer, ws *world.State, log *zap.Logger) *FlushSystem {
	return &FlushSystem{buf: buf, world: ws, log: log}
}

func (s *FlushSystem) Phase() coresys.Phase { return coresys.PhaseFlush }

func (s *FlushSystem) Update(_ time.Duration) {
	if s.buf.Len() == 0 {
		return
	}
	n, err := s.buf.Flush(s.world.SetField)
	s.applied += uint64(n)
	if err != nil {
		s.failed++
		// writes are validated when queued, so this means the target
		// vanished mid-frame
		s.log.Warn("mutation flush", zap.Int("applied", n), zap.Error(err))
	}
}
