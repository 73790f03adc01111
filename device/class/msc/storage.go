package msc

import (
	"fmt"
	"os"
	"sync"

	"github.com/ardnew/pmausb/pkg"
)

// Storage is the block device served to the host. Blocks are BlockSize
// bytes.
type Storage interface {
	// Open reports the number of blocks on the medium, or false when no
	// medium is mounted.
	Open() (blocks uint32, ok bool)

	// Read fills buf with count blocks starting at lba.
	Read(buf []byte, lba, count uint32) error
}

// Writer is implemented by storage that accepts writes. Storage without it
// is reported to the host as write protected.
type Writer interface {
	Write(buf []byte, lba, count uint32) error
}

// writable reports whether s accepts WRITE10.
func writable(s Storage) bool {
	if _, ok := s.(Writer); !ok {
		return false
	}
	if ro, ok := s.(interface{ ReadOnly() bool }); ok {
		return !ro.ReadOnly()
	}
	return true
}

// span validates a block range against a medium of size blocks and returns
// its byte offset and length.
func span(blocks, lba, count uint32, buf []byte) (int64, int, error) {
	if uint64(lba)+uint64(count) > uint64(blocks) {
		return 0, 0, fmt.Errorf("%w: %d+%d > %d", pkg.ErrOutOfRange, lba, count, blocks)
	}
	n := int(count) * BlockSize
	if len(buf) < n {
		return 0, 0, fmt.Errorf("%w: need %d bytes", pkg.ErrBufferTooSmall, n)
	}
	return int64(lba) * BlockSize, n, nil
}

// MemoryStorage implements Storage and Writer using an in-memory buffer.
type MemoryStorage struct {
	data     []byte
	readOnly bool
	present  bool
	mutex    sync.RWMutex
}

// NewMemoryStorage creates an in-memory medium of the given number of
// blocks.
func NewMemoryStorage(blocks uint32) *MemoryStorage {
	return &MemoryStorage{
		data:    make([]byte, int(blocks)*BlockSize),
		present: true,
	}
}

// Open returns the block count while media is present.
func (m *MemoryStorage) Open() (uint32, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if !m.present {
		return 0, false
	}
	return uint32(len(m.data) / BlockSize), true
}

// Read reads blocks from memory.
func (m *MemoryStorage) Read(buf []byte, lba, count uint32) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	if !m.present {
		return pkg.ErrNoMedium
	}
	off, n, err := span(uint32(len(m.data)/BlockSize), lba, count, buf)
	if err != nil {
		return err
	}
	copy(buf, m.data[off:off+int64(n)])
	return nil
}

// Write writes blocks to memory.
func (m *MemoryStorage) Write(buf []byte, lba, count uint32) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.present {
		return pkg.ErrNoMedium
	}
	if m.readOnly {
		return pkg.ErrWriteProtected
	}
	off, n, err := span(uint32(len(m.data)/BlockSize), lba, count, buf)
	if err != nil {
		return err
	}
	copy(m.data[off:off+int64(n)], buf)
	return nil
}

// ReadOnly reports whether writes are refused.
func (m *MemoryStorage) ReadOnly() bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.readOnly
}

// SetReadOnly sets the read-only flag.
func (m *MemoryStorage) SetReadOnly(readOnly bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.readOnly = readOnly
}

// SetPresent sets the media presence flag. It takes effect at the next
// SET_CONFIGURATION, when the medium is opened.
func (m *MemoryStorage) SetPresent(present bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.present = present
}

// Bytes returns the backing buffer.
func (m *MemoryStorage) Bytes() []byte {
	return m.data
}

// FileStorage implements Storage and Writer over a disk image file.
type FileStorage struct {
	file     *os.File
	blocks   uint32
	readOnly bool
	mutex    sync.RWMutex
}

// NewFileStorage opens a disk image. If readOnly is true, the file is
// opened in read-only mode. Trailing bytes beyond the last whole block are
// not served.
func NewFileStorage(path string, readOnly bool) (*FileStorage, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	return &FileStorage{
		file:     file,
		blocks:   uint32(stat.Size() / BlockSize),
		readOnly: readOnly,
	}, nil
}

// Open returns the block count of the image.
func (f *FileStorage) Open() (uint32, bool) {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.blocks, f.file != nil
}

// Read reads blocks from the file.
func (f *FileStorage) Read(buf []byte, lba, count uint32) error {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	if f.file == nil {
		return pkg.ErrNoMedium
	}
	off, n, err := span(f.blocks, lba, count, buf)
	if err != nil {
		return err
	}
	_, err = f.file.ReadAt(buf[:n], off)
	return err
}

// Write writes blocks to the file.
func (f *FileStorage) Write(buf []byte, lba, count uint32) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return pkg.ErrNoMedium
	}
	if f.readOnly {
		return pkg.ErrWriteProtected
	}
	off, n, err := span(f.blocks, lba, count, buf)
	if err != nil {
		return err
	}
	_, err = f.file.WriteAt(buf[:n], off)
	return err
}

// ReadOnly reports whether the image was opened read-only.
func (f *FileStorage) ReadOnly() bool {
	return f.readOnly
}

// Close syncs and closes the underlying file.
func (f *FileStorage) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.file == nil {
		return nil
	}
	var err error
	if !f.readOnly {
		err = f.file.Sync()
	}
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	f.file = nil
	return err
}

// readOnlyStorage hides the Writer of the storage it wraps.
type readOnlyStorage struct {
	s Storage
}

// ReadOnly wraps s so the host sees the medium as write protected.
func ReadOnly(s Storage) Storage {
	return readOnlyStorage{s: s}
}

func (r readOnlyStorage) Open() (uint32, bool) { return r.s.Open() }

func (r readOnlyStorage) Read(buf []byte, lba, count uint32) error {
	return r.s.Read(buf, lba, count)
}
