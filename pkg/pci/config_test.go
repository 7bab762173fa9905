package pci

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuctl/pkg/errdefs"
)

func TestCapWalkTerminatesOnCycle(t *testing.T) {
	mem := NewMemRegion(CfgSpaceSize)
	mem.SetRaw(RegCapPointer, []byte{0x40})
	// 0x40 -> 0x50 -> 0x40, a loop.
	mem.SetUint32(0x40, uint32(CapIDPM)|0x50<<8)
	mem.SetUint32(0x50, uint32(CapIDExp)|0x40<<8)

	cfg, err := NewConfigSpace(mem)
	require.NoError(t, err)
	assert.Equal(t, 0x40, cfg.CapOffset(CapIDPM))
	assert.Equal(t, 0x50, cfg.CapOffset(CapIDExp))
}

func TestExtCapWalkTerminatesOnCycle(t *testing.T) {
	mem := NewMemRegion(CfgSpaceExpSize)
	// 0x100 -> 0x140 -> 0x100, a loop in extended space.
	mem.SetUint32(0x100, uint32(ExtCapIDErr)|0x140<<20)
	mem.SetUint32(0x140, uint32(ExtCapIDACS)|0x100<<20)

	cfg, err := NewConfigSpace(mem)
	require.NoError(t, err)
	assert.Equal(t, 0x100, cfg.ExtCapOffset(ExtCapIDErr))
	assert.Equal(t, 0x140, cfg.ExtCapOffset(ExtCapIDACS))
}

func TestBrokenCapPointer(t *testing.T) {
	mem := NewMemRegion(CfgSpaceSize)
	mem.SetRaw(RegCapPointer, []byte{0xff})

	cfg, err := NewConfigSpace(mem)
	require.NoError(t, err)
	assert.True(t, cfg.Broken)
	assert.Empty(t, cfg.Caps)
}

func TestAllOnesDeviceDoesNotHang(t *testing.T) {
	mem := NewMemRegion(CfgSpaceExpSize)
	for i := 0; i < CfgSpaceExpSize; i++ {
		mem.SetRaw(i, []byte{0xff})
	}

	cfg, err := NewConfigSpace(mem)
	require.NoError(t, err)
	assert.True(t, cfg.Broken)
	assert.False(t, cfg.Responsive())
}

func TestDVSECLookup(t *testing.T) {
	mem := NewMemRegion(CfgSpaceExpSize)
	mem.SetUint32(0x100, uint32(ExtCapIDDVSEC)) // next 0
	mem.SetUint32(0x104, uint32(VendorNVIDIA))
	mem.SetUint32(0x108, 0x0000)
	mem.SetUint32(0x10c, 0xdeadbeef)

	cfg, err := NewConfigSpace(mem)
	require.NoError(t, err)

	v, err := cfg.ReadDVSEC(VendorNVIDIA, 0, 0xc)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), v)

	_, err = cfg.ReadDVSEC(VendorNVIDIA, 7, 0x8)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestSetCommandMemory(t *testing.T) {
	mem := NewMemRegion(CfgSpaceSize)
	cfg, err := NewConfigSpace(mem)
	require.NoError(t, err)

	require.NoError(t, cfg.SetCommandMemory(true))
	v, err := cfg.Read16(RegCommand)
	require.NoError(t, err)
	assert.Equal(t, uint16(CmdMemory), v)

	require.NoError(t, cfg.SetBusMaster(true))
	v, _ = cfg.Read16(RegCommand)
	assert.Equal(t, uint16(CmdMemory|CmdBusMaster), v)

	require.NoError(t, cfg.SetCommandMemory(false))
	v, _ = cfg.Read16(RegCommand)
	assert.Equal(t, uint16(CmdBusMaster), v)
}

func TestRegionOutOfRange(t *testing.T) {
	mem := NewMemRegion(16)
	_, err := mem.Read32(14)
	assert.True(t, errdefs.IsOutOfRange(err))
	err = mem.Write32(16, 1)
	assert.True(t, errdefs.IsOutOfRange(err))
	_, err = mem.Read32(-1)
	assert.True(t, errdefs.IsOutOfRange(err))
}
