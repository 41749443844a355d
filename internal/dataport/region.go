package dataport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/simplane/internal/utils"
)

const (
	defaultRetryWindow  = 2 * time.Second
	defaultPollInterval = time.Millisecond
)

// Options tunes region attachment and lock polling.
type Options struct {
	// RetryWindow bounds how long Open waits for a region to appear.
	RetryWindow time.Duration
	// PollInterval caps the sleep between lock and open attempts.
	PollInterval time.Duration
	Logger       *utils.Logger
}

func (o Options) withDefaults() Options {
	if o.RetryWindow <= 0 {
		o.RetryWindow = defaultRetryWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = utils.DefaultLogger("dataport")
	}
	return o
}

// Region is a named block of shared memory guarded by an in-band lock word.
// Payload bytes are reachable only through a Guard returned by Acquire.
type Region struct {
	name   string
	ns     Namespace
	mem    MemoryProvider
	size   uint32
	opts   Options
	logger *utils.Logger
	closed atomic.Bool
}

// Create allocates a region with size payload bytes and zero-fills it. An
// existing region of the same size is reused; any other size is an
// allocation failure.
func Create(ns Namespace, name string, size uint32, opts Options) (*Region, error) {
	opts = opts.withDefaults()
	if size == 0 {
		return nil, utils.Fatal(utils.CodeInvalidArgument, "region size must be positive").
			WithContext("region", name)
	}
	if uint64(size)+HeaderSize > uint64(^uint32(0)) {
		return nil, utils.Fatal(utils.CodeAllocationFailed, "region too large").
			WithContext("region", name).WithContext("size", size)
	}

	mem, existed, err := ns.Create(name, size+HeaderSize)
	if err != nil {
		return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "create region").
			WithContext("region", name).WithContext("size", size)
	}

	r := &Region{name: name, ns: ns, mem: mem, size: size, opts: opts, logger: opts.Logger.With(utils.String("region", name))}

	if existed {
		if err := r.reuse(); err != nil {
			_ = mem.Close()
			return nil, err
		}
		return r, nil
	}

	if err := r.initHeader(); err != nil {
		_ = mem.Close()
		_ = ns.Unlink(name)
		return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "initialize region").
			WithContext("region", name)
	}
	r.logger.Debug("Region created", utils.Int64("size", int64(size)))
	return r, nil
}

func (r *Region) initHeader() error {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[OFFSET_VERSION:], RegionVersion)
	binary.LittleEndian.PutUint64(hdr[OFFSET_SIZE:], uint64(r.size))
	binary.LittleEndian.PutUint32(hdr[OFFSET_REFCOUNT:], 1)
	if err := r.mem.WriteAt(0, hdr[:]); err != nil {
		return err
	}
	if err := r.mem.WriteAt(HeaderSize, make([]byte, r.size)); err != nil {
		return err
	}
	return r.mem.AtomicStore32(OFFSET_MAGIC, RegionMagic)
}

// reuse attaches to a same-sized leftover region and clears its payload.
func (r *Region) reuse() error {
	magic, err := r.mem.AtomicLoad32(OFFSET_MAGIC)
	if err != nil {
		return utils.WrapFatal(utils.CodeAllocationFailed, err, "read region header")
	}
	if magic != RegionMagic {
		// Leftover without a valid header: nobody can be using it.
		if err := r.initHeader(); err != nil {
			return utils.WrapFatal(utils.CodeAllocationFailed, err, "initialize region")
		}
		return nil
	}
	if _, err := r.mem.AtomicAdd32(OFFSET_REFCOUNT, 1); err != nil {
		return utils.WrapFatal(utils.CodeAllocationFailed, err, "attach region")
	}
	guard, err := r.Acquire(r.opts.RetryWindow)
	if err != nil {
		return err
	}
	defer guard.Release()
	r.logger.Debug("Region reused")
	return guard.Zero()
}

// Open attaches to an existing region. It retries within the configured
// window while the name is missing or the creator has not finished. A size
// of 0 accepts whatever size the creator chose.
func Open(ns Namespace, name string, size uint32, opts Options) (*Region, error) {
	opts = opts.withDefaults()
	deadline := time.Now().Add(opts.RetryWindow)

	var lastErr error
	for {
		mem, err := ns.Open(name)
		if err == nil {
			r, attachErr := attach(ns, name, mem, size, opts)
			if attachErr == nil {
				return r, nil
			}
			_ = mem.Close()
			if !errors.Is(attachErr, errNotReady) {
				return nil, attachErr
			}
			lastErr = attachErr
		} else if errors.Is(err, ErrNotExist) {
			lastErr = err
		} else {
			return nil, utils.WrapFatal(utils.CodeRegionNotFound, err, "open region").
				WithContext("region", name)
		}

		if time.Now().After(deadline) {
			return nil, utils.WrapFatal(utils.CodeRegionNotFound, lastErr, "region did not appear").
				WithContext("region", name).
				WithContext("window", opts.RetryWindow.String())
		}
		time.Sleep(opts.PollInterval)
	}
}

var errNotReady = errors.New("region header not initialized")

func attach(ns Namespace, name string, mem MemoryProvider, size uint32, opts Options) (*Region, error) {
	if mem.Size() < HeaderSize {
		return nil, errNotReady
	}
	magic, err := mem.AtomicLoad32(OFFSET_MAGIC)
	if err != nil {
		return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "read region header")
	}
	if magic != RegionMagic {
		return nil, errNotReady
	}
	actual, err := mem.AtomicLoad64(OFFSET_SIZE)
	if err != nil {
		return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "read region header")
	}
	if uint64(mem.Size()) != actual+HeaderSize {
		return nil, utils.Fatal(utils.CodeAllocationFailed, "region header disagrees with mapping").
			WithContext("region", name)
	}
	if size != 0 && actual != uint64(size) {
		return nil, utils.Fatal(utils.CodeAllocationFailed, "region size mismatch").
			WithContext("region", name).
			WithContext("size", actual).
			WithContext("expected", size)
	}
	if _, err := mem.AtomicAdd32(OFFSET_REFCOUNT, 1); err != nil {
		return nil, utils.WrapFatal(utils.CodeAllocationFailed, err, "attach region")
	}
	return &Region{
		name:   name,
		ns:     ns,
		mem:    mem,
		size:   uint32(actual),
		opts:   opts,
		logger: opts.Logger.With(utils.String("region", name)),
	}, nil
}

// Name returns the region name.
func (r *Region) Name() string {
	return r.name
}

// Size returns the payload size in bytes.
func (r *Region) Size() uint32 {
	return r.size
}

// Holder reports the pid recorded in the lock word, if the lock is held.
func (r *Region) Holder() (pid int, held bool) {
	token, err := r.mem.AtomicLoad64(OFFSET_LOCK)
	if err != nil || token == 0 {
		return 0, false
	}
	return tokenPID(token), true
}

// Close detaches from the region. With unlink, the name is removed once the
// last attached handle closes.
func (r *Region) Close(unlink bool) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	remaining, err := r.mem.AtomicAdd32(OFFSET_REFCOUNT, ^uint32(0))
	if err != nil {
		remaining = 0
	}

	var errs []error
	if err := r.mem.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close region %s: %w", r.name, err))
	}
	if unlink && remaining == 0 {
		if err := r.ns.Unlink(r.name); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("unlink region %s: %w", r.name, err))
		}
	}
	r.logger.Debug("Region closed", utils.Bool("unlink", unlink), utils.Int("refs", int(remaining)))
	return errors.Join(errs...)
}

// Unlink removes the region name regardless of attached handles.
func (r *Region) Unlink() error {
	return r.ns.Unlink(r.name)
}
