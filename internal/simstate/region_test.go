package simstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simplane/internal/dataport"
	"github.com/nmxmxh/simplane/internal/utils"
)

func TestMergeIntoRegion(t *testing.T) {
	ns := dataport.NewMemNamespace()
	region, err := dataport.Create(ns, "results", uint32(ByteSize(testShape)), dataport.Options{Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer region.Close(true)

	require.NoError(t, InitRegion(region, testShape, time.Second))

	local := New(testShape)
	local.Counters.Desorbed = 10
	local.Facets[2].Hits = 4
	require.NoError(t, MergeIntoRegion(region, local, time.Second))
	require.NoError(t, MergeIntoRegion(region, local, time.Second))

	got, err := ReadRegion(region, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), got.Counters.Desorbed)
	assert.Equal(t, uint64(8), got.Facets[2].Hits)
	assert.Equal(t, uint64(2), got.Counters.Merges)
	assert.NoError(t, VerifyRegion(region, time.Second))

	wrong := New(Shape{Facets: 1})
	err = MergeIntoRegion(region, wrong, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeMergeFailed))
}

func TestMergeIntoRegionBusy(t *testing.T) {
	ns := dataport.NewMemNamespace()
	region, err := dataport.Create(ns, "results", uint32(ByteSize(testShape)), dataport.Options{Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer region.Close(true)
	require.NoError(t, InitRegion(region, testShape, time.Second))

	held, err := region.Acquire(time.Second)
	require.NoError(t, err)
	defer held.Release()

	err = MergeIntoRegion(region, New(testShape), time.Millisecond)
	assert.True(t, utils.IsRetryable(err))
}

func TestInitRegionTooSmall(t *testing.T) {
	region, err := dataport.Create(dataport.NewMemNamespace(), "results", 16, dataport.Options{Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer region.Close(true)

	err = InitRegion(region, testShape, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeAllocationFailed))
}

func TestTornMergeIsDetectedNotRepaired(t *testing.T) {
	ns := dataport.NewMemNamespace()
	region, err := dataport.Create(ns, "results", uint32(ByteSize(testShape)), dataport.Options{Logger: utils.NopLogger()})
	require.NoError(t, err)
	defer region.Close(true)
	require.NoError(t, InitRegion(region, testShape, time.Second))

	local := New(testShape)
	local.Counters.Desorbed = 10
	local.Facets[2].Hits = 4
	require.NoError(t, MergeIntoRegion(region, local, time.Second))

	// A writer dying mid-copy leaves the new header and the start of the
	// new body over the old tail.
	next, err := ReadRegion(region, time.Second)
	require.NoError(t, err)
	require.NoError(t, next.Merge(local))
	next.Counters.Merges++
	buf := make([]byte, ByteSize(testShape))
	require.NoError(t, next.EncodeFixed(buf))

	guard, err := region.Acquire(time.Second)
	require.NoError(t, err)
	require.NoError(t, guard.WriteAt(0, buf[:FixedHeaderSize+8]))
	require.NoError(t, guard.Release())

	err = VerifyRegion(region, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeDecodeFailed))
	assert.ErrorIs(t, err, ErrChecksum)

	_, err = ReadRegion(region, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeDecodeFailed))

	err = MergeIntoRegion(region, local, time.Second)
	assert.True(t, utils.HasCode(err, utils.CodeDecodeFailed))
	assert.ErrorIs(t, VerifyRegion(region, time.Second), ErrChecksum, "a refused merge leaves the region as it was")
}
