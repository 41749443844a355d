package stepping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wasmerio/wasmer-go/wasmer"

	"github.com/nmxmxh/simplane/internal/control"
	"github.com/nmxmxh/simplane/internal/simstate"
)

const kernelWat = `
(module
  (global $last (mut i64) (i64.const 0))
  (func (export "step") (param $n i64) (result i64)
    (global.set $last (local.get $n))
    (local.get $n))
  (func (export "hits") (result i64)
    (i64.mul (global.get $last) (i64.const 3))))
`

func TestWasmStepper(t *testing.T) {
	module, err := wasmer.Wat2Wasm(kernelWat)
	require.NoError(t, err)

	factory, err := Lookup(KindWasm)
	require.NoError(t, err)
	stepper, err := factory(ThreadSpec{Params: &control.LoadPayload{Geometry: module}})
	require.NoError(t, err)

	acc := simstate.New(simstate.Shape{})
	completed, err := stepper.Step(context.Background(), 250, acc)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), completed)
	assert.Equal(t, uint64(250), acc.Counters.Desorbed)
	assert.Equal(t, uint64(750), acc.Counters.Hits)
}

func TestWasmStepperRejectsBadModules(t *testing.T) {
	_, err := NewWasmStepper(ThreadSpec{Params: &control.LoadPayload{}})
	assert.Error(t, err)

	_, err = NewWasmStepper(ThreadSpec{Params: &control.LoadPayload{Geometry: []byte("not wasm")}})
	assert.Error(t, err)

	noStep, err := wasmer.Wat2Wasm(`(module (func (export "other")))`)
	require.NoError(t, err)
	_, err = NewWasmStepper(ThreadSpec{Params: &control.LoadPayload{Geometry: noStep}})
	assert.Error(t, err)
}
