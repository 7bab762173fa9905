package fsp

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuctl/pkg/errdefs"
	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp/fsptest"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
	"github.com/leptonai/gpuctl/pkg/pci"
)

const bootDoneHopper = 0x200bc

func newTestClient(t *testing.T) (*Client, *fsptest.Simulator) {
	t.Helper()

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(bootDoneHopper, 0xff)

	sim := &fsptest.Simulator{}
	sim.Attach(mem, 2)

	dev := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchHopper, Chip: "gh100", Name: "NVIDIA H100 80GB HBM3"},
		nil, mem, nil)

	client, err := New(context.Background(), dev)
	require.NoError(t, err)
	return client, sim
}

func TestKnobReadWrite(t *testing.T) {
	client, sim := newTestClient(t)
	ctx := context.Background()

	sim.Knobs[uint32(KnobPPCIe)] = 1
	v, err := client.ReadKnob(ctx, KnobPPCIe)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), v)

	require.NoError(t, client.WriteKnob(ctx, KnobCCM, 1))
	assert.Equal(t, uint16(1), sim.Knobs[uint32(KnobCCM)])
}

func TestCheckAndWriteKnob(t *testing.T) {
	client, sim := newTestClient(t)
	ctx := context.Background()

	sim.Knobs[uint32(KnobCCD)] = 1
	written, err := client.CheckAndWriteKnob(ctx, KnobCCD, 1)
	require.NoError(t, err)
	assert.False(t, written, "matching value must not be rewritten")

	written, err = client.CheckAndWriteKnob(ctx, KnobCCD, 0)
	require.NoError(t, err)
	assert.True(t, written)
	assert.Equal(t, uint16(0), sim.Knobs[uint32(KnobCCD)])
}

func TestQueryKnobsSkipsInvalid(t *testing.T) {
	client, sim := newTestClient(t)

	sim.Knobs[uint32(KnobCCM)] = 1
	sim.InvalidKnobs = map[uint32]bool{
		uint32(KnobPPCIe):            true,
		uint32(KnobPPCIeAllowInband): true,
	}

	states, err := client.QueryKnobs(context.Background())
	require.NoError(t, err)
	assert.Len(t, states, 44)
	for _, state := range states {
		assert.NotEqual(t, KnobPPCIe, state.Knob)
		if state.Knob == KnobCCM {
			assert.Equal(t, uint16(1), state.Value)
		}
	}
}

func TestRPCErrorSurfacesCode(t *testing.T) {
	client, sim := newTestClient(t)
	sim.ErrCode = 0x1e3

	_, err := client.ReadKnob(context.Background(), KnobCCM)
	require.Error(t, err)
	var rpcErr *Error
	require.True(t, errors.As(err, &rpcErr))
	assert.True(t, rpcErr.IsInvalidKnob())
}

func TestECCAndNVLinkAndCoupleCommands(t *testing.T) {
	client, sim := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.SetECC(ctx, true, true))
	require.NotNil(t, sim.ECCPending)
	assert.True(t, *sim.ECCPending)
	assert.True(t, sim.ECCPersistent)

	require.NoError(t, client.BlockNVLinks(ctx, 0x3ffff, false))
	assert.Equal(t, uint64(0x3ffff), sim.BlockedMask)
	assert.False(t, sim.BlockPersisted)

	require.NoError(t, client.CoupleReset(ctx))
	assert.True(t, sim.CoupleArmed)
}

func TestEnableResetCoupling(t *testing.T) {
	client, sim := newTestClient(t)
	ctx := context.Background()

	// Coupling off and in-band control not granted by the out-of-band owner.
	err := client.EnableResetCoupling(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsAccessDenied(err))

	sim.Knobs[uint32(KnobForceResetCouplingAllowInband)] = 1
	require.NoError(t, client.EnableResetCoupling(ctx))
	assert.Equal(t, uint16(1), sim.Knobs[uint32(KnobForceResetCoupling)])

	// Already enabled: nothing left to check or write.
	sim.Knobs[uint32(KnobForceResetCouplingAllowInband)] = 0
	require.NoError(t, client.EnableResetCoupling(ctx))
}

func TestMultiPacketCommand(t *testing.T) {
	client, sim := newTestClient(t)

	// A payload larger than one 1 KiB packet must be reassembled into a
	// single message on the other side.
	payload := make([]uint32, 600)
	payload[0] = 0x4 | 0x1<<8 | 0x1<<16
	_, err := client.SendCmd(context.Background(), NvdmTypePRC, payload, prcTimeout)
	require.NoError(t, err)
	assert.Equal(t, 1, sim.Requests)
	assert.True(t, sim.CoupleArmed)
}

func TestBlackwellEmemUnsupported(t *testing.T) {
	mem := pci.NewMemRegion(device.Bar0Size)
	dev := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchBlackwell, Chip: "gb100"}, nil, mem, nil)

	_, err := New(context.Background(), dev)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestTuringHasNoFSP(t *testing.T) {
	mem := pci.NewMemRegion(device.Bar0Size)
	dev := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchTuring, Chip: "tu102"}, nil, mem, nil)

	_, err := New(context.Background(), dev)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestParseKnob(t *testing.T) {
	knob, err := ParseKnob("ppcie")
	require.NoError(t, err)
	assert.Equal(t, KnobPPCIe, knob)

	knob, err = ParseKnob("CCM")
	require.NoError(t, err)
	assert.Equal(t, KnobCCM, knob)

	knob, err = ParseKnob("0x2e")
	require.NoError(t, err)
	assert.Equal(t, Knob(46), knob)

	for _, s := range []string{"", "0", "47", "bogus"} {
		_, err := ParseKnob(s)
		assert.Error(t, err, "input %q", s)
	}
}
