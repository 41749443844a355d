package control

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nmxmxh/simplane/internal/dataport"
)

// The run log region holds one block per worker with per-thread merge
// statistics, written by the worker when its threads stop.
const (
	logBlockHeader = 16 // u32 entries, u32 reserved, i64 written-at unix ns
	logEntrySize   = 48
)

// ThreadLog is one thread's entry in the run log.
type ThreadLog struct {
	Thread       int
	Budget       uint64
	Consumed     uint64
	Merges       uint64
	FailedMerges uint64
	MaxMergeGap  time.Duration
}

// WorkerLog is one worker's block.
type WorkerLog struct {
	Ordinal int
	Written time.Time
	Threads []ThreadLog
}

// LogBlockSize is the bytes reserved per worker.
func LogBlockSize(threads int) uint32 {
	return uint32(logBlockHeader + threads*logEntrySize)
}

// LogSize is the payload size of a run log for the given topology.
func LogSize(workers, threads int) uint32 {
	return uint32(workers) * LogBlockSize(threads)
}

// WriteWorkerLog stores entries in the block of ordinal. Entries beyond the
// block capacity are dropped.
func WriteWorkerLog(region *dataport.Region, ordinal, threads int, entries []ThreadLog, timeout time.Duration) error {
	block := LogBlockSize(threads)
	off := uint32(ordinal) * block
	if off+block > region.Size() {
		return fmt.Errorf("worker %d outside run log", ordinal)
	}
	if len(entries) > threads {
		entries = entries[:threads]
	}

	buf := make([]byte, block)
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(len(entries)))
	le.PutUint64(buf[8:], uint64(time.Now().UnixNano()))
	for i, e := range entries {
		b := buf[logBlockHeader+i*logEntrySize:]
		le.PutUint32(b[0:], uint32(e.Thread))
		le.PutUint64(b[8:], e.Budget)
		le.PutUint64(b[16:], e.Consumed)
		le.PutUint64(b[24:], e.Merges)
		le.PutUint64(b[32:], e.FailedMerges)
		le.PutUint64(b[40:], uint64(e.MaxMergeGap))
	}

	guard, err := region.Acquire(timeout)
	if err != nil {
		return err
	}
	defer guard.Release()
	return guard.WriteAt(off, buf)
}

// ReadRunLog decodes every worker block that has been written.
func ReadRunLog(region *dataport.Region, workers, threads int, timeout time.Duration) ([]WorkerLog, error) {
	guard, err := region.Acquire(timeout)
	if err != nil {
		return nil, err
	}
	buf, err := guard.Bytes()
	guard.Release()
	if err != nil {
		return nil, err
	}

	block := int(LogBlockSize(threads))
	if len(buf) < workers*block {
		return nil, fmt.Errorf("run log holds %d bytes, need %d", len(buf), workers*block)
	}
	le := binary.LittleEndian
	var out []WorkerLog
	for w := 0; w < workers; w++ {
		b := buf[w*block : (w+1)*block]
		written := int64(le.Uint64(b[8:]))
		if written == 0 {
			continue
		}
		n := int(le.Uint32(b[0:]))
		if n > threads {
			n = threads
		}
		wl := WorkerLog{Ordinal: w, Written: time.Unix(0, written), Threads: make([]ThreadLog, n)}
		for i := 0; i < n; i++ {
			e := b[logBlockHeader+i*logEntrySize:]
			wl.Threads[i] = ThreadLog{
				Thread:       int(le.Uint32(e[0:])),
				Budget:       le.Uint64(e[8:]),
				Consumed:     le.Uint64(e[16:]),
				Merges:       le.Uint64(e[24:]),
				FailedMerges: le.Uint64(e[32:]),
				MaxMergeGap:  time.Duration(le.Uint64(e[40:])),
			}
		}
		out = append(out, wl)
	}
	return out, nil
}
