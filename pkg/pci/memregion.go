package pci

import "encoding/binary"

// MemRegion is an in-memory Region used by tests and by the device
// simulators under pkg/nvidia. Reads and writes can be intercepted with
// hooks, and the whole region can be switched into an "unresponsive" state
// where every read returns the all-ones pattern a PCIe fabric substitutes
// for a device that has dropped off the bus.
type MemRegion struct {
	data []byte

	// Unresponsive makes all reads return 0xff bytes without touching data.
	Unresponsive bool

	// ReadHook, if set, runs before a read and may override the value at a
	// 32-bit aligned offset. WriteHook runs after the write landed.
	ReadHook  func(offset int) (uint32, bool)
	WriteHook func(offset int, value uint32)
}

func NewMemRegion(size int) *MemRegion {
	return &MemRegion{data: make([]byte, size)}
}

// NewMemRegionFrom copies initial into a new region.
func NewMemRegionFrom(initial []byte) *MemRegion {
	data := make([]byte, len(initial))
	copy(data, initial)
	return &MemRegion{data: data}
}

func (r *MemRegion) Size() int { return len(r.data) }

// SetRaw patches bytes directly, bypassing hooks. Panics on out of range,
// it is test setup code.
func (r *MemRegion) SetRaw(offset int, b []byte) {
	copy(r.data[offset:offset+len(b)], b)
}

// SetUint32 patches a 32-bit little-endian value directly, bypassing hooks.
func (r *MemRegion) SetUint32(offset int, v uint32) {
	binary.LittleEndian.PutUint32(r.data[offset:offset+4], v)
}

// Uint32 reads back a 32-bit value directly, bypassing hooks.
func (r *MemRegion) Uint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(r.data[offset : offset+4])
}

func (r *MemRegion) read(offset, width int) ([]byte, error) {
	if err := checkRange(offset, width, len(r.data)); err != nil {
		return nil, err
	}
	if r.Unresponsive {
		b := make([]byte, width)
		for i := range b {
			b[i] = 0xff
		}
		return b, nil
	}
	if r.ReadHook != nil && width == 4 {
		if v, ok := r.ReadHook(offset); ok {
			b := make([]byte, 4)
			binary.LittleEndian.PutUint32(b, v)
			return b, nil
		}
	}
	return r.data[offset : offset+width], nil
}

func (r *MemRegion) write(offset int, b []byte) error {
	if err := checkRange(offset, len(b), len(r.data)); err != nil {
		return err
	}
	if r.Unresponsive {
		// Writes to a fallen-off device are dropped on the floor.
		return nil
	}
	copy(r.data[offset:offset+len(b)], b)
	if r.WriteHook != nil && len(b) == 4 {
		r.WriteHook(offset, binary.LittleEndian.Uint32(b))
	}
	return nil
}

func (r *MemRegion) Read8(offset int) (uint8, error) {
	b, err := r.read(offset, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *MemRegion) Read16(offset int) (uint16, error) {
	b, err := r.read(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *MemRegion) Read32(offset int) (uint32, error) {
	b, err := r.read(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *MemRegion) Read64(offset int) (uint64, error) {
	b, err := r.read(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *MemRegion) Write8(offset int, value uint8) error {
	return r.write(offset, []byte{value})
}

func (r *MemRegion) Write16(offset int, value uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, value)
	return r.write(offset, b)
}

func (r *MemRegion) Write32(offset int, value uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, value)
	return r.write(offset, b)
}

func (r *MemRegion) Write64(offset int, value uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, value)
	return r.write(offset, b)
}

func (r *MemRegion) Close() error { return nil }
