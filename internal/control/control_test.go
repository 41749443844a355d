package control

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

func regionOptions() dataport.Options {
	return dataport.Options{RetryWindow: 100 * time.Millisecond, PollInterval: 100 * time.Microsecond, Logger: utils.NopLogger()}
}

func TestSlotLayout(t *testing.T) {
	beat := time.Unix(0, 1_700_000_000_123_456_789)
	in := StatusSlot{
		ID: 3, PID: 4242, Command: CommandStart, State: StateRunning, PrevState: StateReady,
		Param1: 11, Param2: 22, Seq: 5, AckSeq: 4, Heartbeat: beat, Status: "running 12%",
	}
	buf := make([]byte, SlotSize)
	require.NoError(t, EncodeSlot(buf, &in))

	out, err := DecodeSlot(buf)
	require.NoError(t, err)
	assert.True(t, out.Heartbeat.Equal(beat))
	out.Heartbeat = in.Heartbeat
	assert.Equal(t, in, out)
	assert.True(t, out.Pending())

	_, err = DecodeSlot(buf[:SlotSize-1])
	assert.Error(t, err)
}

func TestSlotStatusTruncatesOnRuneBoundary(t *testing.T) {
	status := strings.Repeat("a", StatusLen-1) + "é"
	buf := make([]byte, SlotSize)
	require.NoError(t, EncodeSlot(buf, &StatusSlot{Status: status}))

	out, err := DecodeSlot(buf)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", StatusLen-1), out.Status)
}

func TestTransitions(t *testing.T) {
	tests := []struct {
		from, to WorkerState
		ok       bool
	}{
		{StateStarting, StateReady, true},
		{StateReady, StateRunning, true},
		{StateRunning, StateReady, true},
		{StateRunning, StateDone, true},
		{StateDone, StateKilled, true},
		{StateError, StateKilled, true},
		{StateKilled, StateReady, false},
		{StateKilled, StateKilled, false},
		{StateStarting, StateRunning, false},
		{StateRunning, StateComputingAccel, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTableBroadcastAndUpdate(t *testing.T) {
	ns := dataport.NewMemNamespace()
	table, err := CreateTable(ns, "run.cmd", 3, 999, regionOptions())
	require.NoError(t, err)
	defer table.Close(true)

	worker, err := OpenTable(ns, "run.cmd", regionOptions())
	require.NoError(t, err)
	defer worker.Close(false)
	assert.Equal(t, 3, worker.Len())
	assert.Equal(t, 999, worker.OrchestratorPID())

	require.NoError(t, table.Broadcast(CommandLoad, 128, 0, time.Second))

	slots, err := worker.Snapshot(time.Second)
	require.NoError(t, err)
	for i, s := range slots {
		assert.Equal(t, uint64(i), s.ID)
		assert.Equal(t, CommandLoad, s.Command)
		assert.Equal(t, uint64(128), s.Param1)
		assert.True(t, s.Pending())
	}

	require.NoError(t, worker.Update(1, time.Second, func(s *StatusSlot) error {
		s.AckSeq = s.Seq
		s.Command = CommandNone
		s.State = StateReady
		return nil
	}))
	s, err := table.Read(1, time.Second)
	require.NoError(t, err)
	assert.False(t, s.Pending())
	assert.Equal(t, StateReady, s.State)

	require.NoError(t, table.Send(1, CommandStart, 0, 0, time.Second))
	s, err = table.Read(1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), s.Seq)
	assert.True(t, s.Pending())

	_, err = table.Read(7, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeInvalidArgument))
}

func TestParamsThroughRegion(t *testing.T) {
	ns := dataport.NewMemNamespace()
	region, err := dataport.Create(ns, "run.params", 4096, regionOptions())
	require.NoError(t, err)
	defer region.Close(true)

	in := &LoadPayload{
		DesorptionLimit:   1_000_000,
		Seed:              7,
		TimeLimit:         time.Minute,
		MergeInterval:     100 * time.Millisecond,
		FairnessTimeout:   400 * time.Millisecond,
		MergeTimeout:      20 * time.Millisecond,
		FinalMergeTimeout: 30 * time.Second,
		WorkerCount:       2,
		Threads:           4,
		Shape:             simstate.Shape{Facets: 6, BounceBins: 8, DistanceBins: 4, LeakCap: 2},
		AbsorbProbability: 0.25,
		LeakProbability:   0.01,
		StepperKind:       "randomwalk",
		Geometry:          []byte{1, 2, 3, 4},
	}
	require.NoError(t, in.Validate())

	n, err := WriteParams(region, in, time.Second)
	require.NoError(t, err)

	out, err := ReadParams(region, n, time.Second)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = ReadParams(region, n+1, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeDecodeFailed))
}

func TestParamsTooLarge(t *testing.T) {
	region, err := dataport.Create(dataport.NewMemNamespace(), "small", 64, regionOptions())
	require.NoError(t, err)
	defer region.Close(true)

	_, err = WriteParams(region, &LoadPayload{StepperKind: "wasm", Geometry: make([]byte, 256)}, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeAllocationFailed))

	_, err = ReadParams(region, 0, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeDecodeFailed))
}

func TestPayloadValidate(t *testing.T) {
	base := LoadPayload{WorkerCount: 1, Threads: 1, StepperKind: "randomwalk"}
	require.NoError(t, base.Validate())

	bad := base
	bad.Threads = 0
	assert.Error(t, bad.Validate())

	bad = base
	bad.AbsorbProbability = 1.5
	assert.Error(t, bad.Validate())
}

func TestRunLog(t *testing.T) {
	region, err := dataport.Create(dataport.NewMemNamespace(), "run.log", LogSize(3, 2), regionOptions())
	require.NoError(t, err)
	defer region.Close(true)

	entries := []ThreadLog{
		{Thread: 0, Budget: 10, Consumed: 10, Merges: 3, MaxMergeGap: time.Millisecond},
		{Thread: 1, Budget: 9, Consumed: 9, Merges: 2, FailedMerges: 1},
		{Thread: 2, Budget: 1},
	}
	require.NoError(t, WriteWorkerLog(region, 2, 2, entries, time.Second))
	assert.Error(t, WriteWorkerLog(region, 3, 2, entries, time.Second))

	logs, err := ReadRunLog(region, 3, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 2, logs[0].Ordinal)
	assert.Equal(t, entries[:2], logs[0].Threads)
}

func TestNames(t *testing.T) {
	n := Names("sp01")
	assert.Equal(t, "sp01.cmd", n.Command)
	assert.Equal(t, "sp01.results", n.Results)
}
