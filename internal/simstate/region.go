package simstate

import (
	"fmt"
	"time"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/utils"
)

// InitRegion writes an empty state of shape into a result region.
func InitRegion(region *dataport.Region, shape Shape, timeout time.Duration) error {
	if need := ByteSize(shape); uint64(need) > uint64(region.Size()) {
		return utils.Fatal(utils.CodeAllocationFailed, fmt.Sprintf("result region holds %d bytes, shape needs %d", region.Size(), need))
	}
	guard, err := region.Acquire(timeout)
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.Update(func(p []byte) error {
		clear(p)
		return WriteEmpty(p, shape)
	})
}

// ReadRegion decodes the state held in a result region.
func ReadRegion(region *dataport.Region, timeout time.Duration) (*State, error) {
	guard, err := region.Acquire(timeout)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	buf, err := guard.Bytes()
	if err != nil {
		return nil, err
	}
	s, err := DecodeFixed(buf)
	if err != nil {
		return nil, utils.WrapFatal(utils.CodeDecodeFailed, err, "decode result region").
			WithContext("region", region.Name())
	}
	return s, nil
}

// VerifyRegion checks the result region header and checksum.
func VerifyRegion(region *dataport.Region, timeout time.Duration) error {
	guard, err := region.Acquire(timeout)
	if err != nil {
		return err
	}
	defer guard.Release()

	buf, err := guard.Bytes()
	if err != nil {
		return err
	}
	if err := VerifyFixed(buf); err != nil {
		return utils.WrapFatal(utils.CodeDecodeFailed, err, "verify result region").
			WithContext("region", region.Name())
	}
	return nil
}

// MergeIntoRegion folds local into the region's state under its lock and
// counts the fold. A busy lock yields a retryable error and leaves the
// region untouched.
func MergeIntoRegion(region *dataport.Region, local *State, timeout time.Duration) error {
	guard, err := region.Acquire(timeout)
	if err != nil {
		return err
	}
	defer guard.Release()

	return guard.Update(func(p []byte) error {
		global, err := DecodeFixed(p)
		if err != nil {
			return utils.WrapFatal(utils.CodeDecodeFailed, err, "decode result region")
		}
		if err := global.Merge(local); err != nil {
			return utils.WrapFatal(utils.CodeMergeFailed, err, "merge into result region")
		}
		global.Counters.Merges++
		return global.EncodeFixed(p)
	})
}
