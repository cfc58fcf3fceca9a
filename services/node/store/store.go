// Package store provides the small non-volatile byte store the node keeps its
// sleep settings in. Addresses are EEPROM style; unwritten cells read 0xFF.
package store

import (
	"io"
	"os"
	"sync"

	"nodemanager-go/errcode"

	"github.com/pkg/errors"
)

// Erased is the value of a cell that was never written.
const Erased = 0xFF

// DefaultSize is the number of addressable cells.
const DefaultSize = 256

type Store interface {
	Read(addr uint16) (byte, error)
	Write(addr uint16, v byte) error
	// Clear erases every cell.
	Clear() error
}

func outOfRange(addr uint16, size int) error {
	if int(addr) >= size {
		return errcode.Wrap(errcode.InvalidParams, "store", "address out of range", nil)
	}
	return nil
}

// ---- Memory ----

type Memory struct {
	mu    sync.Mutex
	cells []byte
}

func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultSize
	}
	m := &Memory{cells: make([]byte, size)}
	erase(m.cells)
	return m
}

func (m *Memory) Read(addr uint16) (byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := outOfRange(addr, len(m.cells)); err != nil {
		return 0, err
	}
	return m.cells[addr], nil
}

func (m *Memory) Write(addr uint16, v byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := outOfRange(addr, len(m.cells)); err != nil {
		return err
	}
	m.cells[addr] = v
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	erase(m.cells)
	m.mu.Unlock()
	return nil
}

func erase(b []byte) {
	for i := range b {
		b[i] = Erased
	}
}

// ---- File ----

// File keeps the cells in a fixed-size file, written through on every Write.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size int
}

// OpenFile opens or creates path, padding it to size erased cells.
func OpenFile(path string, size int) (*File, error) {
	if size <= 0 {
		size = DefaultSize
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "store: open %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "store: stat")
	}
	if n := int(st.Size()); n < size {
		pad := make([]byte, size-n)
		erase(pad)
		if _, err := f.WriteAt(pad, int64(n)); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "store: pad")
		}
	}
	return &File{f: f, size: size}, nil
}

func (s *File) Read(addr uint16) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := outOfRange(addr, s.size); err != nil {
		return 0, err
	}
	var b [1]byte
	if _, err := s.f.ReadAt(b[:], int64(addr)); err != nil && err != io.EOF {
		return 0, errors.Wrap(err, "store: read")
	}
	return b[0], nil
}

func (s *File) Write(addr uint16, v byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := outOfRange(addr, s.size); err != nil {
		return err
	}
	if _, err := s.f.WriteAt([]byte{v}, int64(addr)); err != nil {
		return errors.Wrap(err, "store: write")
	}
	return s.f.Sync()
}

func (s *File) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, s.size)
	erase(buf)
	if _, err := s.f.WriteAt(buf, 0); err != nil {
		return errors.Wrap(err, "store: clear")
	}
	return s.f.Sync()
}

func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
