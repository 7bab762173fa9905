package nvlink

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp/fsptest"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
	"github.com/leptonai/gpuctl/pkg/pci"
)

func newAmpereGPU() (*device.Device, *pci.MemRegion) {
	mem := pci.NewMemRegion(device.Bar0Size)
	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchAmpere, Chip: "ga100", Name: "NVIDIA A100-SXM4-40GB"},
		nil, mem, nil)
	return d, mem
}

func TestLinkCount(t *testing.T) {
	tests := []struct {
		kind  device.Kind
		arch  product.Arch
		links int
	}{
		{device.KindGPU, product.ArchAmpere, 12},
		{device.KindGPU, product.ArchHopper, 18},
		{device.KindNVSwitch, product.ArchLaguna, 64},
	}
	for _, tt := range tests {
		d := device.NewFromRegions(tt.kind, product.Info{Arch: tt.arch}, nil, pci.NewMemRegion(16), nil)
		count, err := LinkCount(d)
		require.NoError(t, err)
		assert.Equal(t, tt.links, count)
	}

	turing := device.NewFromRegions(device.KindGPU, product.Info{Arch: product.ArchTuring}, nil, pci.NewMemRegion(16), nil)
	_, err := LinkCount(turing)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestAmpereBlockAndQuery(t *testing.T) {
	d, mem := newAmpereGPU()
	ctx := context.Background()

	require.NoError(t, Block(ctx, d, 0b101, false))

	// Link 0 and 2 must have both the block and the lock bit set.
	for _, link := range []int{0, 2} {
		base := ampereLinkOffsetOf(link)
		assert.Equal(t, uint32(1), mem.Uint32(base+regLinkBlock), "link %d block", link)
		assert.Equal(t, uint32(1), mem.Uint32(base+regLinkLock), "link %d lock", link)
	}
	assert.Equal(t, uint32(0), mem.Uint32(ampereLinkOffsetOf(1)+regLinkBlock))

	mask, err := Blocked(d)
	require.NoError(t, err)
	assert.Equal(t, uint64(0b101), mask)
}

func TestAmpereBlockAll(t *testing.T) {
	d, _ := newAmpereGPU()
	require.NoError(t, BlockAll(context.Background(), d, false))

	mask, err := Blocked(d)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<12-1), mask)
}

func TestAmperePersistentUnsupported(t *testing.T) {
	d, _ := newAmpereGPU()
	err := Block(context.Background(), d, 0x1, true)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestBlockMaskOutOfRange(t *testing.T) {
	d, _ := newAmpereGPU()
	err := Block(context.Background(), d, 1<<12, false)
	assert.True(t, errdefs.IsOutOfRange(err))
}

func TestHopperBlocksThroughFirmware(t *testing.T) {
	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(0x200bc, 0xff) // boot complete
	sim := &fsptest.Simulator{}
	sim.Attach(mem, 2)

	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchHopper, Chip: "gh100", Name: "NVIDIA H100 80GB HBM3"},
		nil, mem, nil)

	require.NoError(t, Block(context.Background(), d, 0x2a, true))
	assert.Equal(t, uint64(0x2a), sim.BlockedMask)
	assert.True(t, sim.BlockPersisted)
	assert.True(t, ClearedByFLR(d))
}

func TestAmpereNotClearedByFLR(t *testing.T) {
	d, _ := newAmpereGPU()
	assert.False(t, ClearedByFLR(d))
}
