package dataport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotExist is returned by Namespace.Open when no region has the name.
var ErrNotExist = errors.New("region does not exist")

// ErrSizeMismatch is returned by Namespace.Create when a region exists
// under the name with a different size.
var ErrSizeMismatch = errors.New("region exists with a different size")

// Namespace resolves region names to memory. Regions created in one process
// are visible to every process (or goroutine) sharing the namespace.
type Namespace interface {
	// Create allocates size bytes under name, or attaches to an existing
	// allocation of exactly that size, reporting existed=true.
	Create(name string, size uint32) (mem MemoryProvider, existed bool, err error)
	// Open attaches to an existing allocation.
	Open(name string) (MemoryProvider, error)
	// Unlink removes the name. Attached providers stay valid.
	Unlink(name string) error
	// Locator identifies the namespace to another process ("" if it is
	// process-local).
	Locator() string
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("invalid region name %q", name)
	}
	return nil
}

// FileNamespace places regions in files under Dir and maps them shared.
type FileNamespace struct {
	Dir string
}

// DefaultDir returns /dev/shm when present, otherwise the temp dir.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// NewFileNamespace returns a namespace rooted at dir (DefaultDir if empty).
func NewFileNamespace(dir string) *FileNamespace {
	if dir == "" {
		dir = DefaultDir()
	}
	return &FileNamespace{Dir: filepath.Clean(dir)}
}

func (n *FileNamespace) path(name string) string {
	return filepath.Join(n.Dir, name)
}

func (n *FileNamespace) Create(name string, size uint32) (MemoryProvider, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}
	if size == 0 {
		return nil, false, errors.New("shared memory size required when creating")
	}

	path := n.path(name)
	existed := false
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, os.ErrExist) {
		existed = true
		file, err = os.OpenFile(path, os.O_RDWR, 0o600)
	}
	if err != nil {
		return nil, false, fmt.Errorf("open shared memory file: %w", err)
	}

	if existed {
		info, err := file.Stat()
		if err != nil {
			_ = file.Close()
			return nil, false, fmt.Errorf("stat shared memory file: %w", err)
		}
		if info.Size() != int64(size) {
			_ = file.Close()
			return nil, true, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, name, info.Size(), size)
		}
	} else if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return nil, false, fmt.Errorf("truncate shared memory file: %w", err)
	}

	mem, err := mapFile(file)
	if err != nil {
		_ = file.Close()
		if !existed {
			_ = os.Remove(path)
		}
		return nil, existed, err
	}
	return mem, existed, nil
}

func (n *FileNamespace) Open(name string) (MemoryProvider, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(n.path(name), os.O_RDWR, 0o600)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("open shared memory file: %w", err)
	}
	mem, err := mapFile(file)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return mem, nil
}

func (n *FileNamespace) Unlink(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	err := os.Remove(n.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (n *FileNamespace) Locator() string {
	return n.Dir
}

// MemNamespace keeps regions in process memory. Used when workers run as
// goroutines of the orchestrator process.
type MemNamespace struct {
	mu      sync.Mutex
	regions map[string]*InMemoryProvider
}

// NewMemNamespace returns an empty in-process namespace.
func NewMemNamespace() *MemNamespace {
	return &MemNamespace{regions: make(map[string]*InMemoryProvider)}
}

func (n *MemNamespace) Create(name string, size uint32) (MemoryProvider, bool, error) {
	if err := validName(name); err != nil {
		return nil, false, err
	}
	if size == 0 {
		return nil, false, errors.New("shared memory size required when creating")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if mem, ok := n.regions[name]; ok {
		if mem.Size() != size {
			return nil, true, fmt.Errorf("%w: %s has %d bytes, want %d", ErrSizeMismatch, name, mem.Size(), size)
		}
		return mem, true, nil
	}
	mem := NewInMemoryProvider(size)
	n.regions[name] = mem
	return mem, false, nil
}

func (n *MemNamespace) Open(name string) (MemoryProvider, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	mem, ok := n.regions[name]
	if !ok {
		return nil, ErrNotExist
	}
	return mem, nil
}

func (n *MemNamespace) Unlink(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.regions, name)
	return nil
}

func (n *MemNamespace) Locator() string {
	return ""
}

// Names lists the regions currently linked.
func (n *MemNamespace) Names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	names := make([]string, 0, len(n.regions))
	for name := range n.regions {
		names = append(names, name)
	}
	return names
}
