package dataport

import (
	"errors"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/simplane/internal/utils"
)

// ErrReleased is returned by Guard methods after Release.
var ErrReleased = errors.New("guard already released")

// ErrLockLost is returned by Release when the lock word no longer holds the
// guard's token (another process recovered it as stale).
var ErrLockLost = errors.New("region lock no longer owned")

const spinAttempts = 16

var (
	ownPID   = os.Getpid()
	tokenSeq atomic.Uint32
)

// newToken encodes the owning pid in the high half so a waiter can tell
// whether the holder is still alive. The low half separates holders that
// share a process.
func newToken() uint64 {
	seq := tokenSeq.Add(1)
	if seq == 0 {
		seq = tokenSeq.Add(1)
	}
	return uint64(uint32(ownPID))<<32 | uint64(seq)
}

func tokenPID(token uint64) int {
	return int(token >> 32)
}

// Acquire takes the region lock, polling until timeout expires. The wait
// starts with a short spin, then sleeps with doubling backoff capped at the
// poll interval. A lock held by a pid that no longer exists is taken over.
// Expiry yields a retryable ACQUIRE_TIMEOUT error. The lock is not
// reentrant.
func (r *Region) Acquire(timeout time.Duration) (*Guard, error) {
	if r.closed.Load() {
		return nil, utils.Fatal(utils.CodeInvalidState, "region closed").WithContext("region", r.name)
	}

	token := newToken()
	deadline := time.Now().Add(timeout)
	backoff := 20 * time.Microsecond

	for attempt := 0; ; attempt++ {
		ok, err := r.mem.CompareAndSwap64(OFFSET_LOCK, 0, token)
		if err != nil {
			return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "lock word").WithContext("region", r.name)
		}
		if ok {
			return &Guard{region: r, token: token}, nil
		}

		if r.recoverStale(token) {
			return &Guard{region: r, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			holder, _ := r.Holder()
			return nil, utils.Retryable(utils.CodeAcquireTimeout, "region lock busy").
				WithContext("region", r.name).
				WithContext("timeout", timeout.String()).
				WithContext("holder", holder)
		}

		if attempt < spinAttempts {
			runtime.Gosched()
			continue
		}
		sleep := backoff
		if sleep > r.opts.PollInterval {
			sleep = r.opts.PollInterval
		}
		if sleep > remaining {
			sleep = remaining
		}
		time.Sleep(sleep)
		if backoff < r.opts.PollInterval {
			backoff *= 2
		}
	}
}

func (r *Region) recoverStale(token uint64) bool {
	current, err := r.mem.AtomicLoad64(OFFSET_LOCK)
	if err != nil || current == 0 {
		return false
	}
	pid := tokenPID(current)
	if pid == ownPID || utils.ProcessAlive(pid) {
		return false
	}
	ok, err := r.mem.CompareAndSwap64(OFFSET_LOCK, current, token)
	if err != nil || !ok {
		return false
	}
	r.logger.Warn("Recovered region lock from dead owner", utils.Int("owner_pid", pid))
	return true
}

// Guard is proof of holding a region lock. All payload access goes through
// it and stops working once released.
type Guard struct {
	region   *Region
	token    uint64
	released atomic.Bool
}

func (g *Guard) check() error {
	if g.released.Load() {
		return ErrReleased
	}
	return nil
}

// Size returns the payload size.
func (g *Guard) Size() uint32 {
	return g.region.size
}

// ReadAt copies payload bytes starting at offset into dest.
func (g *Guard) ReadAt(offset uint32, dest []byte) error {
	if err := g.check(); err != nil {
		return err
	}
	if err := checkRange(g.region.size, offset, len(dest)); err != nil {
		return err
	}
	return g.region.mem.ReadAt(HeaderSize+offset, dest)
}

// WriteAt copies src into the payload starting at offset.
func (g *Guard) WriteAt(offset uint32, src []byte) error {
	if err := g.check(); err != nil {
		return err
	}
	if err := checkRange(g.region.size, offset, len(src)); err != nil {
		return err
	}
	return g.region.mem.WriteAt(HeaderSize+offset, src)
}

// Bytes returns a copy of the whole payload.
func (g *Guard) Bytes() ([]byte, error) {
	buf := make([]byte, g.region.size)
	if err := g.ReadAt(0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Zero clears the payload.
func (g *Guard) Zero() error {
	return g.WriteAt(0, make([]byte, g.region.size))
}

// Update reads the payload, lets fn modify the copy, and writes it back if
// fn succeeds.
func (g *Guard) Update(fn func(payload []byte) error) error {
	buf, err := g.Bytes()
	if err != nil {
		return err
	}
	if err := fn(buf); err != nil {
		return err
	}
	return g.WriteAt(0, buf)
}

// Release frees the lock. Calling it again is a no-op.
func (g *Guard) Release() error {
	if !g.released.CompareAndSwap(false, true) {
		return nil
	}
	ok, err := g.region.mem.CompareAndSwap64(OFFSET_LOCK, g.token, 0)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLockLost
	}
	return nil
}
