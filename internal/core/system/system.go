package system

import "time"

// Phase defines execution ordering within a single frame.
type Phase int

const (
	PhaseDiscover Phase = iota // 0: diff script attachments against last frame
	PhaseCompile               // 1: resolve sources, submit and apply compiles
	PhaseExecute               // 2: lifecycle callbacks (play mode only)
	PhaseTimers                // 3: due timer callbacks (play mode only)
	PhaseFlush                 // 4: apply coalesced mutations to the store
	PhaseCleanup               // 5: destroy queued entities
)

var phaseNames = [...]string{"discover", "compile", "execute", "timers", "flush", "cleanup"}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return "unknown"
	}
	return phaseNames[p]
}

// System is the interface every frame system implements.
type System interface {
	Phase() Phase
	Update(dt time.Duration)
}
