package knobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp/fsptest"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
	"github.com/leptonai/gpuctl/pkg/pci"
)

const (
	regBootDoneHopper = 0x200bc
	regCCHopper       = 0x1182cc
)

func newHopper(t *testing.T) (*device.Device, *fsptest.Simulator, *pci.MemRegion) {
	t.Helper()

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(regBootDoneHopper, 0xff)

	sim := &fsptest.Simulator{}
	sim.Attach(mem, 2)

	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchHopper, Chip: "gh100", Name: "NVIDIA H100 80GB HBM3",
			Flags: product.Flags{IsSXM: true}},
		nil, mem, nil)
	return d, sim, mem
}

// applyStagedKnobs mimics what a reset does: the staged CC knob values
// become the live mode register content.
func applyStagedKnobs(sim *fsptest.Simulator, mem *pci.MemRegion) {
	var mode uint32
	if sim.Knobs[uint32(fsp.KnobCCM)] == 1 {
		mode = 0x1
		if sim.Knobs[uint32(fsp.KnobCCD)] == 1 {
			mode = 0x3
		}
	}
	mem.SetUint32(regCCHopper, mode)
}

func TestSetCCModeOn(t *testing.T) {
	d, sim, _ := newHopper(t)
	ctx := context.Background()

	for _, id := range []uint32{2, 4, 34, uint32(fsp.KnobPPCIe)} {
		sim.Knobs[id] = 1
	}

	require.NoError(t, SetCCMode(ctx, d, device.CCModeOn))

	for _, id := range []uint32{2, 4, 34, uint32(fsp.KnobPPCIe)} {
		assert.Equal(t, uint16(0), sim.Knobs[id], "conflicting knob %d must be disabled", id)
	}
	assert.Equal(t, uint16(0x2), sim.Knobs[uint32(fsp.KnobBar0Decoupler)])
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobCCM)])
	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobCCD)])

	mode, err := PendingCCMode(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, device.CCModeOn, mode)
}

func TestSetCCModeDevtools(t *testing.T) {
	d, sim, _ := newHopper(t)
	ctx := context.Background()

	require.NoError(t, SetCCMode(ctx, d, device.CCModeDevtools))
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobCCM)])
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobCCD)])
	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobBar0Decoupler)])

	mode, err := PendingCCMode(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, device.CCModeDevtools, mode)
}

func TestCCModeCycleAcrossReset(t *testing.T) {
	d, sim, mem := newHopper(t)
	ctx := context.Background()

	for _, mode := range []device.CCMode{device.CCModeOn, device.CCModeDevtools, device.CCModeOff} {
		require.NoError(t, SetCCMode(ctx, d, mode))

		pending, err := PendingCCMode(ctx, d)
		require.NoError(t, err)
		assert.Equal(t, mode, pending)

		applyStagedKnobs(sim, mem)
		live, err := d.QueryCCMode(ctx)
		require.NoError(t, err)
		assert.Equal(t, mode, live, "live mode after reset")
	}
}

func TestSetCCModeToleratesOldFirmware(t *testing.T) {
	d, sim, _ := newHopper(t)
	sim.InvalidKnobs = map[uint32]bool{
		uint32(fsp.KnobPPCIe): true,
	}

	require.NoError(t, SetCCMode(context.Background(), d, device.CCModeOn))
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobCCM)])
}

func TestSetPPCIeModeDisablesCC(t *testing.T) {
	d, sim, _ := newHopper(t)
	ctx := context.Background()

	require.NoError(t, SetCCMode(ctx, d, device.CCModeOn))
	require.NoError(t, SetPPCIeMode(ctx, d, true))

	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobCCM)])
	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobCCD)])
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobPPCIe)])

	on, err := PendingPPCIeMode(ctx, d)
	require.NoError(t, err)
	assert.True(t, on)
}

func TestCCSettingsList(t *testing.T) {
	d, sim, _ := newHopper(t)
	sim.Knobs[uint32(fsp.KnobCCM)] = 1

	settings, err := CCSettings(context.Background(), d)
	require.NoError(t, err)
	require.Len(t, settings, 6)
	for _, s := range settings {
		if s.Knob == fsp.KnobCCM {
			assert.Equal(t, uint16(1), s.Value)
		}
	}
}

func TestResetToDefaults(t *testing.T) {
	d, sim, _ := newHopper(t)
	ctx := context.Background()

	require.NoError(t, SetCCMode(ctx, d, device.CCModeDevtools))
	require.NoError(t, ResetToDefaults(ctx, d, false))

	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobCCM)])
	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobCCD)])
	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobBar0Decoupler)])
}

func TestResetToDefaultsAssumeNoPending(t *testing.T) {
	d, sim, mem := newHopper(t)
	ctx := context.Background()

	// Live CC is off, PPCIe is off: nothing should be written.
	mem.SetUint32(regCCHopper, 0)
	sim.Knobs[uint32(fsp.KnobPPCIe)] = 1
	before := sim.Requests

	require.NoError(t, ResetToDefaults(ctx, d, true))
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobPPCIe)], "knob must not be touched")
	assert.Equal(t, before, sim.Requests)

	// With CC live, the CC knobs are written blindly.
	mem.SetUint32(regCCHopper, 0x1)
	sim.Knobs[uint32(fsp.KnobCCM)] = 1
	require.NoError(t, ResetToDefaults(ctx, d, true))
	assert.Equal(t, uint16(0), sim.Knobs[uint32(fsp.KnobCCM)])
}

func TestCCUnsupportedBelowHopper(t *testing.T) {
	mem := pci.NewMemRegion(device.Bar0Size)
	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchAmpere, Chip: "ga100"}, nil, mem, nil)

	err := SetCCMode(context.Background(), d, device.CCModeOn)
	assert.True(t, errdefs.IsNotSupported(err))

	_, err = PendingCCMode(context.Background(), d)
	assert.True(t, errdefs.IsNotSupported(err))
}
