// Package stepping runs Monte Carlo steppers on a worker's threads and folds
// their local counters into the shared result region.
package stepping

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/simstate"
)

// Stepper advances the simulation. Step traces up to n particles from
// desorption to their end, records them into acc and returns how many it
// completed. Each completed event is exactly one desorption. A stepper is
// used by one goroutine only.
type Stepper interface {
	Step(ctx context.Context, n uint64, acc *simstate.State) (completed uint64, err error)
}

// ThreadSpec identifies the thread a stepper is built for.
type ThreadSpec struct {
	Worker int
	Thread int
	Seed   uint64
	Params *control.LoadPayload
}

// Factory builds one stepper per thread.
type Factory func(spec ThreadSpec) (Stepper, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{
		KindRandomWalk: NewRandomWalk,
		KindWasm:       NewWasmStepper,
	}
)

// Register adds or replaces a stepper kind.
func Register(kind string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = factory
}

// Lookup returns the factory registered under kind.
func Lookup(kind string) (Factory, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	if !ok {
		return nil, fmt.Errorf("unknown stepper kind %q", kind)
	}
	return f, nil
}

// Kinds lists registered stepper kinds.
func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// ThreadSeed derives a distinct seed for each worker thread.
func ThreadSeed(base uint64, worker, thread int) uint64 {
	z := base + 0x9e3779b97f4a7c15*uint64(worker*1024+thread+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// SplitBudget divides total into parts that sum to total. The remainder
// goes one each to the first parts.
func SplitBudget(total uint64, parts int) []uint64 {
	if parts <= 0 {
		return nil
	}
	out := make([]uint64, parts)
	base := total / uint64(parts)
	rem := total % uint64(parts)
	for i := range out {
		out[i] = base
		if uint64(i) < rem {
			out[i]++
		}
	}
	return out
}
