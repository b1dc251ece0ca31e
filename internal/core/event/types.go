package event

import (
	"time"

	"github.com/vibe3d/scriptrt/internal/core/ecs"
)

// ScriptEvent is emitted by a script through the events API and delivered to
// listening scripts on the following frame.
type ScriptEvent struct {
	Name    string
	Source  ecs.EntityID
	Payload any
}

type SessionStarted struct {
	SessionID string
	At        time.Time
}

type SessionStopped struct {
	SessionID string
	Frames    uint64
	Duration  time.Duration
}
