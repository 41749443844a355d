package stepping

import (
	"context"
	"errors"
	"fmt"

	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/simplane/internal/simstate"
)

const KindWasm = "wasm"

// The geometry blob of a wasm run is a module exporting
//
//	step(n i64) -> i64      particles completed
//	seed(s i64)             optional, called once per thread
//	hits() -> i64           optional counters for the last step
//	absorbed() -> i64
//	leaks() -> i64
//
// Only the exported counters are recorded.
type WasmStepper struct {
	step     wasmer.NativeFunction
	counters []wasmCounter
}

type wasmCounter struct {
	fn  wasmer.NativeFunction
	add func(acc *simstate.State, v uint64)
}

// NewWasmStepper is the Factory for KindWasm. Each thread gets its own
// store and instance since instances are not safe for concurrent use.
func NewWasmStepper(spec ThreadSpec) (Stepper, error) {
	if spec.Params == nil || len(spec.Params.Geometry) == 0 {
		return nil, errors.New("wasm stepper needs a module in the geometry payload")
	}

	store := wasmer.NewStore(wasmer.NewEngine())
	module, err := wasmer.NewModule(store, spec.Params.Geometry)
	if err != nil {
		return nil, fmt.Errorf("compile wasm module: %w", err)
	}
	instance, err := wasmer.NewInstance(module, wasmer.NewImportObject())
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm module: %w", err)
	}

	step, err := instance.Exports.GetFunction("step")
	if err != nil {
		return nil, fmt.Errorf("wasm module must export step: %w", err)
	}
	if seed, err := instance.Exports.GetFunction("seed"); err == nil {
		if _, err := seed(int64(spec.Seed)); err != nil {
			return nil, fmt.Errorf("wasm seed: %w", err)
		}
	}

	s := &WasmStepper{step: step}
	optional := map[string]func(acc *simstate.State, v uint64){
		"hits":     func(acc *simstate.State, v uint64) { acc.Counters.Hits += v },
		"absorbed": func(acc *simstate.State, v uint64) { acc.Counters.Absorbed += v },
		"leaks":    func(acc *simstate.State, v uint64) { acc.Counters.Leaks += v },
	}
	for _, name := range []string{"hits", "absorbed", "leaks"} {
		if fn, err := instance.Exports.GetFunction(name); err == nil {
			s.counters = append(s.counters, wasmCounter{fn: fn, add: optional[name]})
		}
	}
	return s, nil
}

func (s *WasmStepper) Step(ctx context.Context, n uint64, acc *simstate.State) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	out, err := s.step(int64(n))
	if err != nil {
		return 0, fmt.Errorf("wasm step: %w", err)
	}
	completed, err := asCount(out)
	if err != nil {
		return 0, err
	}
	if completed > n {
		return 0, fmt.Errorf("wasm step completed %d of %d requested", completed, n)
	}
	acc.Counters.Desorbed += completed

	for _, c := range s.counters {
		v, err := c.fn()
		if err != nil {
			return completed, fmt.Errorf("wasm counter: %w", err)
		}
		count, err := asCount(v)
		if err != nil {
			return completed, err
		}
		c.add(acc, count)
	}
	return completed, nil
}

func asCount(v interface{}) (uint64, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("wasm returned negative count %d", x)
		}
		return uint64(x), nil
	case int32:
		if x < 0 {
			return 0, fmt.Errorf("wasm returned negative count %d", x)
		}
		return uint64(x), nil
	}
	return 0, fmt.Errorf("wasm returned %T, want i64", v)
}
