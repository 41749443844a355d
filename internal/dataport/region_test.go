package dataport

import (
	"encoding/binary"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/simplane/internal/utils"
)

func testOptions() Options {
	return Options{RetryWindow: 200 * time.Millisecond, PollInterval: 200 * time.Microsecond, Logger: utils.NopLogger()}
}

func namespaces(t *testing.T) map[string]Namespace {
	return map[string]Namespace{
		"mem":  NewMemNamespace(),
		"file": NewFileNamespace(t.TempDir()),
	}
}

func TestCreateOpenShareBytes(t *testing.T) {
	for name, ns := range namespaces(t) {
		t.Run(name, func(t *testing.T) {
			created, err := Create(ns, "cmd", 128, testOptions())
			require.NoError(t, err)
			defer created.Close(true)

			opened, err := Open(ns, "cmd", 128, testOptions())
			require.NoError(t, err)
			defer opened.Close(false)

			g, err := created.Acquire(10 * time.Millisecond)
			require.NoError(t, err)
			require.NoError(t, g.WriteAt(8, []byte("hello")))
			require.NoError(t, g.Release())

			g, err = opened.Acquire(10 * time.Millisecond)
			require.NoError(t, err)
			buf := make([]byte, 5)
			require.NoError(t, g.ReadAt(8, buf))
			require.NoError(t, g.Release())
			assert.Equal(t, "hello", string(buf))
			assert.Equal(t, uint32(128), opened.Size())
		})
	}
}

func TestCreateSizeMismatchIsFatal(t *testing.T) {
	for name, ns := range namespaces(t) {
		t.Run(name, func(t *testing.T) {
			r, err := Create(ns, "results", 64, testOptions())
			require.NoError(t, err)
			defer r.Close(true)

			_, err = Create(ns, "results", 96, testOptions())
			require.Error(t, err)
			assert.True(t, utils.IsFatal(err))
			assert.True(t, utils.HasCode(err, utils.CodeAllocationFailed))
		})
	}
}

func TestCreateReuseZeroFills(t *testing.T) {
	ns := NewMemNamespace()
	r, err := Create(ns, "results", 16, testOptions())
	require.NoError(t, err)
	g, err := r.Acquire(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, g.WriteAt(0, []byte{1, 2, 3}))
	require.NoError(t, g.Release())

	again, err := Create(ns, "results", 16, testOptions())
	require.NoError(t, err)
	g, err = again.Acquire(time.Millisecond)
	require.NoError(t, err)
	payload, err := g.Bytes()
	require.NoError(t, err)
	require.NoError(t, g.Release())
	assert.Equal(t, make([]byte, 16), payload)
}

func TestOpenMissingRegion(t *testing.T) {
	opts := testOptions()
	opts.RetryWindow = 20 * time.Millisecond

	_, err := Open(NewMemNamespace(), "absent", 0, opts)
	require.Error(t, err)
	assert.True(t, utils.IsFatal(err))
	assert.True(t, utils.HasCode(err, utils.CodeRegionNotFound))
}

func TestOpenWaitsForCreator(t *testing.T) {
	ns := NewFileNamespace(t.TempDir())
	done := make(chan *Region, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		r, err := Create(ns, "late", 32, testOptions())
		if err != nil {
			done <- nil
			return
		}
		done <- r
	}()

	opened, err := Open(ns, "late", 32, testOptions())
	require.NoError(t, err)
	defer opened.Close(false)

	created := <-done
	require.NotNil(t, created)
	defer created.Close(true)
}

func TestOpenSizeMismatch(t *testing.T) {
	ns := NewMemNamespace()
	r, err := Create(ns, "params", 32, testOptions())
	require.NoError(t, err)
	defer r.Close(true)

	_, err = Open(ns, "params", 48, testOptions())
	assert.True(t, utils.HasCode(err, utils.CodeAllocationFailed))

	loose, err := Open(ns, "params", 0, testOptions())
	require.NoError(t, err)
	assert.Equal(t, uint32(32), loose.Size())
	require.NoError(t, loose.Close(false))
}

func TestAcquireTimeoutThenRetry(t *testing.T) {
	ns := NewMemNamespace()
	r, err := Create(ns, "cmd", 64, testOptions())
	require.NoError(t, err)
	defer r.Close(true)

	start := time.Now()
	holder, err := r.Acquire(time.Millisecond)
	require.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		holder.Release()
	}()

	_, err = r.Acquire(time.Millisecond)
	require.Error(t, err)
	assert.True(t, utils.IsRetryable(err))
	assert.True(t, utils.HasCode(err, utils.CodeAcquireTimeout))

	time.Sleep(60*time.Millisecond - time.Since(start))
	g, err := r.Acquire(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, g.Release())
}

func TestGuardUnusableAfterRelease(t *testing.T) {
	r, err := Create(NewMemNamespace(), "cmd", 8, testOptions())
	require.NoError(t, err)
	defer r.Close(true)

	g, err := r.Acquire(time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, g.Release())
	require.NoError(t, g.Release())

	assert.ErrorIs(t, g.WriteAt(0, []byte{1}), ErrReleased)
	assert.ErrorIs(t, g.ReadAt(0, make([]byte, 1)), ErrReleased)
	assert.ErrorIs(t, g.WriteAt(4, make([]byte, 8)), ErrReleased)
}

func TestGuardBounds(t *testing.T) {
	r, err := Create(NewMemNamespace(), "cmd", 8, testOptions())
	require.NoError(t, err)
	defer r.Close(true)

	g, err := r.Acquire(time.Millisecond)
	require.NoError(t, err)
	defer g.Release()
	assert.ErrorIs(t, g.WriteAt(4, make([]byte, 8)), ErrOutOfBounds)
}

func TestMutualExclusion(t *testing.T) {
	ns := NewFileNamespace(t.TempDir())
	r, err := Create(ns, "counter", 8, testOptions())
	require.NoError(t, err)
	defer r.Close(true)

	const workers, rounds = 8, 200
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := Open(ns, "counter", 8, testOptions())
			if !assert.NoError(t, err) {
				return
			}
			defer handle.Close(false)
			for j := 0; j < rounds; j++ {
				g, err := handle.Acquire(5 * time.Second)
				if !assert.NoError(t, err) {
					return
				}
				err = g.Update(func(p []byte) error {
					binary.LittleEndian.PutUint64(p, binary.LittleEndian.Uint64(p)+1)
					return nil
				})
				assert.NoError(t, err)
				assert.NoError(t, g.Release())
			}
		}()
	}
	wg.Wait()

	g, err := r.Acquire(time.Second)
	require.NoError(t, err)
	defer g.Release()
	buf := make([]byte, 8)
	require.NoError(t, g.ReadAt(0, buf))
	assert.Equal(t, uint64(workers*rounds), binary.LittleEndian.Uint64(buf))
}

func TestStaleLockRecovered(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPID := cmd.Process.Pid

	r, err := Create(NewMemNamespace(), "cmd", 8, testOptions())
	require.NoError(t, err)
	defer r.Close(true)

	require.NoError(t, r.mem.AtomicStore64(OFFSET_LOCK, uint64(deadPID)<<32|7))
	pid, held := r.Holder()
	require.True(t, held)
	require.Equal(t, deadPID, pid)

	g, err := r.Acquire(50 * time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, g.Release())
}

func TestCloseUnlinksOnLastReference(t *testing.T) {
	dir := t.TempDir()
	ns := NewFileNamespace(dir)
	created, err := Create(ns, "results", 16, testOptions())
	require.NoError(t, err)
	opened, err := Open(ns, "results", 16, testOptions())
	require.NoError(t, err)

	require.NoError(t, created.Close(true))
	_, err = os.Stat(filepath.Join(dir, "results"))
	require.NoError(t, err, "still referenced by the second handle")

	require.NoError(t, opened.Close(true))
	_, err = os.Stat(filepath.Join(dir, "results"))
	assert.True(t, os.IsNotExist(err))

	_, err = created.Acquire(time.Millisecond)
	assert.True(t, utils.HasCode(err, utils.CodeInvalidState))
}

func TestInvalidNames(t *testing.T) {
	for _, name := range []string{"", "a/b", ".."} {
		_, err := Create(NewMemNamespace(), name, 8, testOptions())
		assert.Error(t, err, name)
	}
}
