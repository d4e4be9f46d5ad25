package agentloop

import "sync"

// State is the Agent Loop's coarse-grained machine state (spec §4.G).
type State int

const (
	StateIdle State = iota
	StateRunningStep
	StateAwaitingTool
	StateCompacting
	StateEnding
)

func (s State) String() string {
	switch s {
	case StateRunningStep:
		return "running_step"
	case StateAwaitingTool:
		return "awaiting_tool"
	case StateCompacting:
		return "compacting"
	case StateEnding:
		return "ending"
	default:
		return "idle"
	}
}

// Status is a snapshot of the Soul's current machine state, for the
// Slash-Command Layer's status display and tests.
type Status struct {
	State      State
	StepIndex  int
	ToolCallID string // set only while State == StateAwaitingTool
}

// statusBox holds the live Status under a mutex, since the Run goroutine
// writes it while any number of readers (status command, tests) may poll
// it concurrently.
type statusBox struct {
	mu sync.Mutex
	s  Status
}

func (b *statusBox) set(s Status) {
	b.mu.Lock()
	b.s = s
	b.mu.Unlock()
}

func (b *statusBox) get() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.s
}
