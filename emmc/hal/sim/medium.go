package sim

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/ardnew/softmmc/pkg"
)

// Medium is the flash array behind a simulated card.
type Medium interface {
	io.ReaderAt
	io.WriterAt

	// Size returns the capacity in bytes.
	Size() int64

	// Sync flushes buffered writes.
	Sync() error
}

// MemoryMedium is a Medium held in memory.
type MemoryMedium struct {
	data  []byte
	mutex sync.RWMutex
}

// NewMemoryMedium creates a zero-filled medium of the given number of
// 512-byte blocks.
func NewMemoryMedium(blocks uint32) *MemoryMedium {
	return &MemoryMedium{data: make([]byte, int64(blocks)*BlockSize)}
}

// Size returns the capacity in bytes.
func (m *MemoryMedium) Size() int64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return int64(len(m.data))
}

// ReadAt implements io.ReaderAt.
func (m *MemoryMedium) ReadAt(p []byte, off int64) (int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.EOF
	}
	return copy(p, m.data[off:]), nil
}

// WriteAt implements io.WriterAt.
func (m *MemoryMedium) WriteAt(p []byte, off int64) (int, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if off < 0 || off+int64(len(p)) > int64(len(m.data)) {
		return 0, io.ErrShortWrite
	}
	return copy(m.data[off:], p), nil
}

// Sync is a no-op for memory.
func (m *MemoryMedium) Sync() error {
	return nil
}

// Bytes returns the backing array. Tests use it to inspect the flash
// contents without going through the card.
func (m *MemoryMedium) Bytes() []byte {
	return m.data
}

// FileMedium is a Medium backed by a disk image.
type FileMedium struct {
	file  *os.File
	size  int64
	mutex sync.RWMutex
}

// OpenFileMedium opens an existing image. The image size is truncated down
// to a whole number of blocks.
func OpenFileMedium(path string) (*FileMedium, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	size := stat.Size() / BlockSize * BlockSize
	if size == 0 {
		file.Close()
		return nil, fmt.Errorf("image %s: %w", path, pkg.ErrInvalidParameter)
	}

	return &FileMedium{file: file, size: size}, nil
}

// CreateFileMedium creates (or truncates) an image of the given number of
// blocks.
func CreateFileMedium(path string, blocks uint32) (*FileMedium, error) {
	if blocks == 0 {
		return nil, pkg.ErrInvalidParameter
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	size := int64(blocks) * BlockSize
	if err := file.Truncate(size); err != nil {
		file.Close()
		return nil, fmt.Errorf("size image: %w", err)
	}

	return &FileMedium{file: file, size: size}, nil
}

// Size returns the capacity in bytes.
func (f *FileMedium) Size() int64 {
	return f.size
}

// ReadAt implements io.ReaderAt.
func (f *FileMedium) ReadAt(p []byte, off int64) (int, error) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return 0, pkg.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > f.size {
		return 0, io.EOF
	}
	return f.file.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (f *FileMedium) WriteAt(p []byte, off int64) (int, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return 0, pkg.ErrClosed
	}
	if off < 0 || off+int64(len(p)) > f.size {
		return 0, io.ErrShortWrite
	}
	return f.file.WriteAt(p, off)
}

// Sync flushes the image to disk.
func (f *FileMedium) Sync() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return pkg.ErrClosed
	}
	return f.file.Sync()
}

// Close closes the image.
func (f *FileMedium) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
