package worker

import "github.com/nmxmxh/simplane/internal/utils"

// Liveness tells a worker whether its orchestrator still exists.
type Liveness interface {
	Alive(pid int) bool
}

// ProcessLiveness probes the operating system.
type ProcessLiveness struct{}

func (ProcessLiveness) Alive(pid int) bool {
	return utils.ProcessAlive(pid)
}

// LivenessFunc adapts a function to Liveness.
type LivenessFunc func(pid int) bool

func (f LivenessFunc) Alive(pid int) bool {
	return f(pid)
}
