// Package pci models PCI devices through sysfs: config space access,
// capability walking, BAR mapping, device enumeration and selectors, and the
// bridge operations needed for secondary bus resets.
package pci

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/NVIDIA/go-nvlib/pkg/nvpci/mmio"
	"golang.org/x/sys/unix"

	"github.com/leptonai/gpuctl/pkg/errdefs"
)

// Region is a byte-addressable device address space: a config space file, a
// mapped BAR, or an in-memory fake. All offsets are in bytes and all values
// little endian. Accesses outside [0, Size()) fail with errdefs.ErrOutOfRange.
type Region interface {
	Size() int

	Read8(offset int) (uint8, error)
	Read16(offset int) (uint16, error)
	Read32(offset int) (uint32, error)
	Read64(offset int) (uint64, error)

	Write8(offset int, value uint8) error
	Write16(offset int, value uint16) error
	Write32(offset int, value uint32) error
	Write64(offset int, value uint64) error

	Close() error
}

func checkRange(offset, width, size int) error {
	if offset < 0 || width <= 0 || offset+width > size {
		return fmt.Errorf("offset %#x width %d exceeds region size %#x: %w",
			offset, width, size, errdefs.ErrOutOfRange)
	}
	return nil
}

// classifyIOError maps OS-level access failures onto the shared error
// classes. Permission failures come up routinely when running without root or
// with kernel lockdown enabled.
func classifyIOError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) || errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%v: %w", err, errdefs.ErrAccessDenied)
	}
	return err
}

// fileRegion accesses a region through pread/pwrite on a file, the transport
// for sysfs "config" files where the kernel mediates each access.
type fileRegion struct {
	f    *os.File
	size int
}

// OpenFileRegion opens path for read/write positional access. The region size
// is the current file size, e.g. 256 or 4096 for PCI config space depending
// on kernel support for extended config access.
func OpenFileRegion(path string) (Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, classifyIOError(err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &fileRegion{f: f, size: int(fi.Size())}, nil
}

func (r *fileRegion) Size() int { return r.size }

func (r *fileRegion) read(offset, width int) ([]byte, error) {
	if err := checkRange(offset, width, r.size); err != nil {
		return nil, err
	}
	buf := make([]byte, width)
	if _, err := r.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, classifyIOError(err)
	}
	return buf, nil
}

func (r *fileRegion) write(offset int, buf []byte) error {
	if err := checkRange(offset, len(buf), r.size); err != nil {
		return err
	}
	if _, err := r.f.WriteAt(buf, int64(offset)); err != nil {
		return classifyIOError(err)
	}
	return nil
}

func (r *fileRegion) Read8(offset int) (uint8, error) {
	b, err := r.read(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *fileRegion) Read16(offset int) (uint16, error) {
	b, err := r.read(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *fileRegion) Read32(offset int) (uint32, error) {
	b, err := r.read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *fileRegion) Read64(offset int) (uint64, error) {
	b, err := r.read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *fileRegion) Write8(offset int, value uint8) error {
	return r.write(offset, []byte{value})
}

func (r *fileRegion) Write16(offset int, value uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return r.write(offset, b)
}

func (r *fileRegion) Write32(offset int, value uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return r.write(offset, b)
}

func (r *fileRegion) Write64(offset int, value uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return r.write(offset, b)
}

func (r *fileRegion) Close() error { return r.f.Close() }

// mmioRegion accesses a region through a memory mapping, the transport for
// BARs mapped either from sysfs resourceN files or from /dev/mem.
type mmioRegion struct {
	m    mmio.Mmio
	size int
}

// OpenMmioRegion maps size bytes of path starting at offset for read/write.
// Use offset 0 for sysfs resourceN files and the physical BAR address for
// /dev/mem.
func OpenMmioRegion(path string, offset, size int) (Region, error) {
	m, err := mmio.OpenRW(path, offset, size)
	if err != nil {
		return nil, classifyIOError(err)
	}
	return &mmioRegion{m: m.LittleEndian(), size: size}, nil
}

func (r *mmioRegion) Size() int { return r.size }

func (r *mmioRegion) Read8(offset int) (uint8, error) {
	if err := checkRange(offset, 1, r.size); err != nil {
		return 0, err
	}
	return r.m.Read8(offset), nil
}

func (r *mmioRegion) Read16(offset int) (uint16, error) {
	if err := checkRange(offset, 2, r.size); err != nil {
		return 0, err
	}
	return r.m.Read16(offset), nil
}

func (r *mmioRegion) Read32(offset int) (uint32, error) {
	if err := checkRange(offset, 4, r.size); err != nil {
		return 0, err
	}
	return r.m.Read32(offset), nil
}

func (r *mmioRegion) Read64(offset int) (uint64, error) {
	if err := checkRange(offset, 8, r.size); err != nil {
		return 0, err
	}
	return r.m.Read64(offset), nil
}

func (r *mmioRegion) Write8(offset int, value uint8) error {
	if err := checkRange(offset, 1, r.size); err != nil {
		return err
	}
	r.m.Write8(offset, value)
	return nil
}

func (r *mmioRegion) Write16(offset int, value uint16) error {
	if err := checkRange(offset, 2, r.size); err != nil {
		return err
	}
	r.m.Write16(offset, value)
	return nil
}

func (r *mmioRegion) Write32(offset int, value uint32) error {
	if err := checkRange(offset, 4, r.size); err != nil {
		return err
	}
	r.m.Write32(offset, value)
	return nil
}

func (r *mmioRegion) Write64(offset int, value uint64) error {
	if err := checkRange(offset, 8, r.size); err != nil {
		return err
	}
	r.m.Write64(offset, value)
	return nil
}

func (r *mmioRegion) Close() error { return r.m.Close() }
