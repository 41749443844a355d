package control

import "fmt"

// Command is what the orchestrator asks a worker to do.
type Command uint32

const (
	CommandNone Command = iota
	CommandLoad
	CommandStart
	CommandPause
	CommandReset
	CommandUpdateParams
	CommandReleaseLog
	CommandExit
	CommandClose
)

var commandNames = map[Command]string{
	CommandNone:         "none",
	CommandLoad:         "load",
	CommandStart:        "start",
	CommandPause:        "pause",
	CommandReset:        "reset",
	CommandUpdateParams: "update-params",
	CommandReleaseLog:   "release-log",
	CommandExit:         "exit",
	CommandClose:        "close",
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return fmt.Sprintf("command(%d)", uint32(c))
}

// WorkerState is what a worker reports back.
type WorkerState uint32

const (
	StateUnset WorkerState = iota
	StateStarting
	StateReady
	StateRunning
	StateDone
	StateError
	StateKilled
	// StateComputingAccel marks a worker preparing its steppers during load.
	StateComputingAccel
)

var stateNames = map[WorkerState]string{
	StateUnset:          "unset",
	StateStarting:       "starting",
	StateReady:          "ready",
	StateRunning:        "running",
	StateDone:           "done",
	StateError:          "error",
	StateKilled:         "killed",
	StateComputingAccel: "computing-accel",
}

func (s WorkerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Terminal reports whether the state ends the worker's participation.
func (s WorkerState) Terminal() bool {
	return s == StateKilled
}

// transitions lists the legal moves. Error and Killed are left only through
// explicit commands (load/reset/exit), never by a silent status write.
var transitions = map[WorkerState][]WorkerState{
	StateUnset:          {StateStarting},
	StateStarting:       {StateComputingAccel, StateReady, StateError, StateKilled},
	StateComputingAccel: {StateReady, StateError, StateKilled},
	StateReady:          {StateComputingAccel, StateReady, StateRunning, StateError, StateKilled},
	StateRunning:        {StateReady, StateDone, StateError, StateKilled},
	StateDone:           {StateComputingAccel, StateReady, StateDone, StateError, StateKilled},
	StateError:          {StateComputingAccel, StateReady, StateError, StateKilled},
	StateKilled:         {},
}

// CanTransition reports whether a worker may move from one state to another.
func CanTransition(from, to WorkerState) bool {
	if from == to && from != StateKilled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
