//go:build unix

package dataport

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MmapProvider maps a file with MAP_SHARED so every process that maps the
// same path sees the same bytes.
type MmapProvider struct {
	words
	path string
	file *os.File
}

func mapFile(file *os.File) (*MmapProvider, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat shared memory file: %w", err)
	}
	if info.Size() == 0 {
		return nil, errors.New("shared memory file has zero size")
	}
	if info.Size() > int64(^uint32(0)) {
		return nil, fmt.Errorf("shared memory file too large: %d bytes", info.Size())
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap shared memory file: %w", err)
	}

	return &MmapProvider{
		words: words{data: data},
		path:  file.Name(),
		file:  file,
	}, nil
}

// Path returns the backing file path.
func (s *MmapProvider) Path() string {
	return s.path
}

func (s *MmapProvider) Close() error {
	var err error
	if s.data != nil {
		if unmapErr := unix.Munmap(s.data); unmapErr != nil {
			err = unmapErr
		}
		s.data = nil
	}
	if s.file != nil {
		if closeErr := s.file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
		s.file = nil
	}
	return err
}
