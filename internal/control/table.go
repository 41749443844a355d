package control

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/utils"
)

// Table header layout, little-endian.
const (
	OFFSET_TABLE_SLOTS    = 0 // u32 slot count
	OFFSET_TABLE_VERSION  = 4 // u32
	OFFSET_TABLE_ORCH_PID = 8 // u64 orchestrator pid

	TableHeaderSize = 32
	TableVersion    = 1
)

// TableSize returns the payload size for a table of n slots.
func TableSize(n int) uint32 {
	return uint32(TableHeaderSize + n*SlotSize)
}

func lockTimeout(opts dataport.Options) time.Duration {
	if opts.RetryWindow > 0 {
		return opts.RetryWindow
	}
	return 2 * time.Second
}

func slotOffset(ordinal int) uint32 {
	return uint32(TableHeaderSize + ordinal*SlotSize)
}

// StatusTable is the command region: one StatusSlot per worker, all access
// under the region lock.
type StatusTable struct {
	region          *dataport.Region
	slots           int
	orchestratorPID int
}

// CreateTable allocates a table of n slots with slot IDs set to ordinals.
func CreateTable(ns dataport.Namespace, name string, n int, orchestratorPID int, opts dataport.Options) (*StatusTable, error) {
	if n <= 0 {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "table needs at least one slot")
	}
	region, err := dataport.Create(ns, name, TableSize(n), opts)
	if err != nil {
		return nil, err
	}

	guard, err := region.Acquire(lockTimeout(opts))
	if err != nil {
		_ = region.Close(true)
		return nil, err
	}
	defer guard.Release()

	buf := make([]byte, TableSize(n))
	binary.LittleEndian.PutUint32(buf[OFFSET_TABLE_SLOTS:], uint32(n))
	binary.LittleEndian.PutUint32(buf[OFFSET_TABLE_VERSION:], TableVersion)
	binary.LittleEndian.PutUint64(buf[OFFSET_TABLE_ORCH_PID:], uint64(orchestratorPID))
	for i := 0; i < n; i++ {
		slot := StatusSlot{ID: uint64(i)}
		if err := EncodeSlot(buf[slotOffset(i):], &slot); err != nil {
			_ = region.Close(true)
			return nil, err
		}
	}
	if err := guard.WriteAt(0, buf); err != nil {
		_ = region.Close(true)
		return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "write table")
	}

	return &StatusTable{region: region, slots: n, orchestratorPID: orchestratorPID}, nil
}

// OpenTable attaches to a table created by the orchestrator.
func OpenTable(ns dataport.Namespace, name string, opts dataport.Options) (*StatusTable, error) {
	region, err := dataport.Open(ns, name, 0, opts)
	if err != nil {
		return nil, err
	}
	if region.Size() < TableHeaderSize {
		_ = region.Close(false)
		return nil, utils.Fatal(utils.CodeDecodeFailed, "command region too small").WithContext("region", name)
	}

	guard, err := region.Acquire(lockTimeout(opts))
	if err != nil {
		_ = region.Close(false)
		return nil, err
	}
	var hdr [TableHeaderSize]byte
	err = guard.ReadAt(0, hdr[:])
	guard.Release()
	if err != nil {
		_ = region.Close(false)
		return nil, utils.WrapFatal(utils.CodeDecodeFailed, err, "read table header")
	}

	n := int(binary.LittleEndian.Uint32(hdr[OFFSET_TABLE_SLOTS:]))
	if TableSize(n) != region.Size() {
		_ = region.Close(false)
		return nil, utils.Fatal(utils.CodeDecodeFailed, "table header disagrees with region size").
			WithContext("slots", n).WithContext("size", region.Size())
	}
	return &StatusTable{
		region:          region,
		slots:           n,
		orchestratorPID: int(binary.LittleEndian.Uint64(hdr[OFFSET_TABLE_ORCH_PID:])),
	}, nil
}

// Len returns the number of slots.
func (t *StatusTable) Len() int {
	return t.slots
}

// OrchestratorPID returns the pid recorded by the table creator.
func (t *StatusTable) OrchestratorPID() int {
	return t.orchestratorPID
}

// Region exposes the underlying region.
func (t *StatusTable) Region() *dataport.Region {
	return t.region
}

func (t *StatusTable) checkOrdinal(ordinal int) error {
	if ordinal < 0 || ordinal >= t.slots {
		return utils.Fatal(utils.CodeInvalidArgument, fmt.Sprintf("ordinal %d outside table of %d", ordinal, t.slots))
	}
	return nil
}

// Snapshot copies every slot under one lock hold.
func (t *StatusTable) Snapshot(timeout time.Duration) ([]StatusSlot, error) {
	guard, err := t.region.Acquire(timeout)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	buf := make([]byte, t.slots*SlotSize)
	if err := guard.ReadAt(TableHeaderSize, buf); err != nil {
		return nil, err
	}
	slots := make([]StatusSlot, t.slots)
	for i := range slots {
		if slots[i], err = DecodeSlot(buf[i*SlotSize:]); err != nil {
			return nil, err
		}
	}
	return slots, nil
}

// Read copies one slot.
func (t *StatusTable) Read(ordinal int, timeout time.Duration) (StatusSlot, error) {
	if err := t.checkOrdinal(ordinal); err != nil {
		return StatusSlot{}, err
	}
	guard, err := t.region.Acquire(timeout)
	if err != nil {
		return StatusSlot{}, err
	}
	defer guard.Release()

	buf := make([]byte, SlotSize)
	if err := guard.ReadAt(slotOffset(ordinal), buf); err != nil {
		return StatusSlot{}, err
	}
	return DecodeSlot(buf)
}

// Update applies fn to one slot and writes it back under the lock.
func (t *StatusTable) Update(ordinal int, timeout time.Duration, fn func(*StatusSlot) error) error {
	if err := t.checkOrdinal(ordinal); err != nil {
		return err
	}
	guard, err := t.region.Acquire(timeout)
	if err != nil {
		return err
	}
	defer guard.Release()

	buf := make([]byte, SlotSize)
	if err := guard.ReadAt(slotOffset(ordinal), buf); err != nil {
		return err
	}
	slot, err := DecodeSlot(buf)
	if err != nil {
		return err
	}
	if err := fn(&slot); err != nil {
		return err
	}
	if err := EncodeSlot(buf, &slot); err != nil {
		return err
	}
	return guard.WriteAt(slotOffset(ordinal), buf)
}

// Send posts a command to one worker.
func (t *StatusTable) Send(ordinal int, cmd Command, param1, param2 uint64, timeout time.Duration) error {
	return t.Update(ordinal, timeout, func(s *StatusSlot) error {
		post(s, cmd, param1, param2)
		return nil
	})
}

// Broadcast posts the same command to every slot under one lock hold.
func (t *StatusTable) Broadcast(cmd Command, param1, param2 uint64, timeout time.Duration) error {
	guard, err := t.region.Acquire(timeout)
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.Update(func(payload []byte) error {
		for i := 0; i < t.slots; i++ {
			raw := payload[slotOffset(i) : slotOffset(i)+SlotSize]
			slot, err := DecodeSlot(raw)
			if err != nil {
				return err
			}
			post(&slot, cmd, param1, param2)
			if err := EncodeSlot(raw, &slot); err != nil {
				return err
			}
		}
		return nil
	})
}

func post(s *StatusSlot, cmd Command, param1, param2 uint64) {
	s.Command = cmd
	s.Param1 = param1
	s.Param2 = param2
	s.Seq++
}

// Close detaches from the table region.
func (t *StatusTable) Close(unlink bool) error {
	return t.region.Close(unlink)
}
