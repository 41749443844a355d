package control

import (
	"encoding/binary"
	"errors"
	"time"
	"unicode/utf8"
)

// StatusSlot layout, little-endian.
const (
	OFFSET_SLOT_ID         = 0  // u64
	OFFSET_SLOT_PID        = 8  // u64
	OFFSET_SLOT_COMMAND    = 16 // u32
	OFFSET_SLOT_STATE      = 20 // u32
	OFFSET_SLOT_PREV_STATE = 24 // u32
	OFFSET_SLOT_PARAM1     = 32 // u64
	OFFSET_SLOT_PARAM2     = 40 // u64
	OFFSET_SLOT_SEQ        = 48 // u64 bumped by the orchestrator per command
	OFFSET_SLOT_ACK_SEQ    = 56 // u64 last Seq the worker applied
	OFFSET_SLOT_HEARTBEAT  = 64 // i64 unix nanos
	OFFSET_SLOT_STATUS     = 72 // [StatusLen]byte

	StatusLen = 64
	SlotSize  = OFFSET_SLOT_STATUS + StatusLen
)

// StatusSlot is one worker's entry in the command table.
type StatusSlot struct {
	ID        uint64
	PID       uint64
	Command   Command
	State     WorkerState
	PrevState WorkerState
	Param1    uint64
	Param2    uint64
	Seq       uint64
	AckSeq    uint64
	Heartbeat time.Time
	Status    string
}

// Pending reports whether the slot carries a command the worker has not
// applied yet.
func (s *StatusSlot) Pending() bool {
	return s.Seq != s.AckSeq && s.Command != CommandNone
}

var errShortSlot = errors.New("slot buffer too small")

// EncodeSlot writes s into buf[:SlotSize].
func EncodeSlot(buf []byte, s *StatusSlot) error {
	if len(buf) < SlotSize {
		return errShortSlot
	}
	le := binary.LittleEndian
	le.PutUint64(buf[OFFSET_SLOT_ID:], s.ID)
	le.PutUint64(buf[OFFSET_SLOT_PID:], s.PID)
	le.PutUint32(buf[OFFSET_SLOT_COMMAND:], uint32(s.Command))
	le.PutUint32(buf[OFFSET_SLOT_STATE:], uint32(s.State))
	le.PutUint32(buf[OFFSET_SLOT_PREV_STATE:], uint32(s.PrevState))
	le.PutUint32(buf[OFFSET_SLOT_PREV_STATE+4:], 0)
	le.PutUint64(buf[OFFSET_SLOT_PARAM1:], s.Param1)
	le.PutUint64(buf[OFFSET_SLOT_PARAM2:], s.Param2)
	le.PutUint64(buf[OFFSET_SLOT_SEQ:], s.Seq)
	le.PutUint64(buf[OFFSET_SLOT_ACK_SEQ:], s.AckSeq)
	var beat int64
	if !s.Heartbeat.IsZero() {
		beat = s.Heartbeat.UnixNano()
	}
	le.PutUint64(buf[OFFSET_SLOT_HEARTBEAT:], uint64(beat))

	status := buf[OFFSET_SLOT_STATUS:SlotSize]
	clear(status)
	copy(status, truncateStatus(s.Status))
	return nil
}

// DecodeSlot reads a slot from buf[:SlotSize].
func DecodeSlot(buf []byte) (StatusSlot, error) {
	if len(buf) < SlotSize {
		return StatusSlot{}, errShortSlot
	}
	le := binary.LittleEndian
	s := StatusSlot{
		ID:        le.Uint64(buf[OFFSET_SLOT_ID:]),
		PID:       le.Uint64(buf[OFFSET_SLOT_PID:]),
		Command:   Command(le.Uint32(buf[OFFSET_SLOT_COMMAND:])),
		State:     WorkerState(le.Uint32(buf[OFFSET_SLOT_STATE:])),
		PrevState: WorkerState(le.Uint32(buf[OFFSET_SLOT_PREV_STATE:])),
		Param1:    le.Uint64(buf[OFFSET_SLOT_PARAM1:]),
		Param2:    le.Uint64(buf[OFFSET_SLOT_PARAM2:]),
		Seq:       le.Uint64(buf[OFFSET_SLOT_SEQ:]),
		AckSeq:    le.Uint64(buf[OFFSET_SLOT_ACK_SEQ:]),
	}
	if beat := int64(le.Uint64(buf[OFFSET_SLOT_HEARTBEAT:])); beat != 0 {
		s.Heartbeat = time.Unix(0, beat)
	}

	status := buf[OFFSET_SLOT_STATUS:SlotSize]
	n := 0
	for n < len(status) && status[n] != 0 {
		n++
	}
	s.Status = string(status[:n])
	return s, nil
}

// truncateStatus cuts s to fit the status field without splitting a rune.
func truncateStatus(s string) string {
	if len(s) <= StatusLen {
		return s
	}
	cut := StatusLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
