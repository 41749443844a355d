package control

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	capnp "zombiezen.com/go/capnproto2"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/simstate"
	"github.com/nmxmxh/simplane/internal/utils"
)

// LoadPayload is what a worker reads from the parameter region on load and
// update-params. The geometry is opaque to the control plane and handed to
// the stepper factory as is.
type LoadPayload struct {
	DesorptionLimit   uint64
	Seed              uint64
	TimeLimit         time.Duration
	MergeInterval     time.Duration
	FairnessTimeout   time.Duration
	MergeTimeout      time.Duration
	FinalMergeTimeout time.Duration
	WorkerCount       int
	Threads           int
	Shape             simstate.Shape
	AbsorbProbability float64
	LeakProbability   float64
	StepperKind       string
	Geometry          []byte
}

// Struct layout of the capnp root.
const (
	paramDesorptionLimit = 0
	paramSeed            = 8
	paramTimeLimit       = 16
	paramMergeInterval   = 24
	paramFairness        = 32
	paramMergeTimeout    = 40
	paramFinalMerge      = 48
	paramWorkerCount     = 56
	paramThreads         = 60
	paramFacets          = 64
	paramBounceBins      = 68
	paramDistanceBins    = 72
	paramLeakCap         = 76
	paramAbsorbProb      = 80
	paramLeakProb        = 88

	paramPtrStepperKind = 0
	paramPtrGeometry    = 1
)

var paramSize = capnp.ObjectSize{DataSize: 96, PointerCount: 2}

// MarshalCapnp encodes the payload as a single-segment capnp message.
func (p *LoadPayload) MarshalCapnp() ([]byte, error) {
	msg, seg, err := capnp.NewMessage(capnp.SingleSegment(nil))
	if err != nil {
		return nil, err
	}
	root, err := capnp.NewRootStruct(seg, paramSize)
	if err != nil {
		return nil, err
	}

	root.SetUint64(paramDesorptionLimit, p.DesorptionLimit)
	root.SetUint64(paramSeed, p.Seed)
	root.SetUint64(paramTimeLimit, uint64(p.TimeLimit))
	root.SetUint64(paramMergeInterval, uint64(p.MergeInterval))
	root.SetUint64(paramFairness, uint64(p.FairnessTimeout))
	root.SetUint64(paramMergeTimeout, uint64(p.MergeTimeout))
	root.SetUint64(paramFinalMerge, uint64(p.FinalMergeTimeout))
	root.SetUint32(paramWorkerCount, uint32(p.WorkerCount))
	root.SetUint32(paramThreads, uint32(p.Threads))
	root.SetUint32(paramFacets, uint32(p.Shape.Facets))
	root.SetUint32(paramBounceBins, uint32(p.Shape.BounceBins))
	root.SetUint32(paramDistanceBins, uint32(p.Shape.DistanceBins))
	root.SetUint32(paramLeakCap, uint32(p.Shape.LeakCap))
	root.SetUint64(paramAbsorbProb, math.Float64bits(p.AbsorbProbability))
	root.SetUint64(paramLeakProb, math.Float64bits(p.LeakProbability))

	if err := root.SetText(paramPtrStepperKind, p.StepperKind); err != nil {
		return nil, err
	}
	if len(p.Geometry) > 0 {
		if err := root.SetData(paramPtrGeometry, p.Geometry); err != nil {
			return nil, err
		}
	}
	return msg.Marshal()
}

// UnmarshalCapnp decodes a message produced by MarshalCapnp.
func (p *LoadPayload) UnmarshalCapnp(data []byte) error {
	msg, err := capnp.Unmarshal(data)
	if err != nil {
		return err
	}
	ptr, err := msg.RootPtr()
	if err != nil {
		return err
	}
	root := ptr.Struct()

	out := LoadPayload{
		DesorptionLimit:   root.Uint64(paramDesorptionLimit),
		Seed:              root.Uint64(paramSeed),
		TimeLimit:         time.Duration(root.Uint64(paramTimeLimit)),
		MergeInterval:     time.Duration(root.Uint64(paramMergeInterval)),
		FairnessTimeout:   time.Duration(root.Uint64(paramFairness)),
		MergeTimeout:      time.Duration(root.Uint64(paramMergeTimeout)),
		FinalMergeTimeout: time.Duration(root.Uint64(paramFinalMerge)),
		WorkerCount:       int(root.Uint32(paramWorkerCount)),
		Threads:           int(root.Uint32(paramThreads)),
		Shape: simstate.Shape{
			Facets:       int(root.Uint32(paramFacets)),
			BounceBins:   int(root.Uint32(paramBounceBins)),
			DistanceBins: int(root.Uint32(paramDistanceBins)),
			LeakCap:      int(root.Uint32(paramLeakCap)),
		},
		AbsorbProbability: math.Float64frombits(root.Uint64(paramAbsorbProb)),
		LeakProbability:   math.Float64frombits(root.Uint64(paramLeakProb)),
	}

	kind, err := root.Ptr(paramPtrStepperKind)
	if err != nil {
		return err
	}
	out.StepperKind = kind.Text()

	geometry, err := root.Ptr(paramPtrGeometry)
	if err != nil {
		return err
	}
	if data := geometry.Data(); len(data) > 0 {
		out.Geometry = append([]byte(nil), data...)
	}

	*p = out
	return nil
}

// Validate checks the fields a worker cannot run without.
func (p *LoadPayload) Validate() error {
	switch {
	case p.WorkerCount <= 0:
		return fmt.Errorf("worker count must be positive, got %d", p.WorkerCount)
	case p.Threads <= 0:
		return fmt.Errorf("thread count must be positive, got %d", p.Threads)
	case p.StepperKind == "":
		return fmt.Errorf("stepper kind required")
	case p.AbsorbProbability < 0 || p.AbsorbProbability > 1:
		return fmt.Errorf("absorb probability %v outside [0,1]", p.AbsorbProbability)
	case p.LeakProbability < 0 || p.LeakProbability > 1:
		return fmt.Errorf("leak probability %v outside [0,1]", p.LeakProbability)
	}
	return p.Shape.Validate()
}

// Parameter region layout: u64 message length then the message.
const paramLengthSize = 8

// WriteParams stores p in the parameter region and returns the message
// length, which the orchestrator passes as Param1 of load/update-params.
func WriteParams(region *dataport.Region, p *LoadPayload, timeout time.Duration) (uint64, error) {
	data, err := p.MarshalCapnp()
	if err != nil {
		return 0, utils.WrapFatal(utils.CodeInvalidArgument, err, "encode parameters")
	}
	if uint64(len(data))+paramLengthSize > uint64(region.Size()) {
		return 0, utils.Fatal(utils.CodeAllocationFailed, "parameters exceed region").
			WithContext("bytes", len(data)).
			WithContext("capacity", region.Size())
	}

	guard, err := region.Acquire(timeout)
	if err != nil {
		return 0, err
	}
	defer guard.Release()

	var hdr [paramLengthSize]byte
	binary.LittleEndian.PutUint64(hdr[:], uint64(len(data)))
	if err := guard.WriteAt(0, hdr[:]); err != nil {
		return 0, err
	}
	if err := guard.WriteAt(paramLengthSize, data); err != nil {
		return 0, err
	}
	return uint64(len(data)), nil
}

// ReadParams decodes the parameter region. If expected is non-zero the
// stored length must match it.
func ReadParams(region *dataport.Region, expected uint64, timeout time.Duration) (*LoadPayload, error) {
	guard, err := region.Acquire(timeout)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	var hdr [paramLengthSize]byte
	if err := guard.ReadAt(0, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint64(hdr[:])
	if n == 0 || n+paramLengthSize > uint64(region.Size()) {
		return nil, utils.Fatal(utils.CodeDecodeFailed, "parameter region empty or corrupt").WithContext("length", n)
	}
	if expected != 0 && n != expected {
		return nil, utils.Fatal(utils.CodeDecodeFailed, "parameter length does not match command").
			WithContext("length", n).WithContext("expected", expected)
	}

	data := make([]byte, n)
	if err := guard.ReadAt(paramLengthSize, data); err != nil {
		return nil, err
	}
	var p LoadPayload
	if err := p.UnmarshalCapnp(data); err != nil {
		return nil, utils.WrapFatal(utils.CodeDecodeFailed, err, "decode parameters")
	}
	return &p, nil
}
