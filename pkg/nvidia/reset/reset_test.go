package reset

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
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

// gpuConfig builds a minimal endpoint config space: express capability at
// 0x40 with FLR support, BARs programmed.
func gpuConfig() []byte {
	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[0x00:], 0x10de)
	binary.LittleEndian.PutUint16(cfg[0x02:], 0x2330)
	// Command: memory + bus master. Status: capability list present.
	binary.LittleEndian.PutUint16(cfg[0x04:], 0x0006)
	binary.LittleEndian.PutUint16(cfg[0x06:], 0x0010)
	// Display controller class.
	cfg[0x0b] = 0x03
	cfg[0x0a] = 0x02
	// Express capability at 0x40, end of list, FLR capable.
	cfg[0x34] = 0x40
	cfg[0x40] = 0x10
	binary.LittleEndian.PutUint32(cfg[0x44:], 0x10000000)
	// BAR0 and a 64-bit BAR1.
	binary.LittleEndian.PutUint32(cfg[0x10:], 0xf0000000)
	binary.LittleEndian.PutUint32(cfg[0x14:], 0xe0000004)
	return cfg
}

// bridgeConfig builds a type 1 header with the link reporting up.
func bridgeConfig() []byte {
	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[0x00:], 0x1000)
	binary.LittleEndian.PutUint16(cfg[0x02:], 0xc030)
	binary.LittleEndian.PutUint16(cfg[0x04:], 0x0006)
	binary.LittleEndian.PutUint16(cfg[0x06:], 0x0010)
	// PCI bridge class with a type 1 header.
	cfg[0x0b] = 0x06
	cfg[0x0a] = 0x04
	cfg[0x0e] = 0x01
	cfg[0x34] = 0x40
	cfg[0x40] = 0x10
	// Link status: data link layer active, link speed 1, not training.
	binary.LittleEndian.PutUint16(cfg[0x40+0x12:], 0x2001)
	return cfg
}

func writeSysfsDevice(t *testing.T, dir string, cfg []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config"), cfg, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "resource"), nil, 0o644))
}

// newTestDevice builds an Ampere GPU over a fake sysfs tree. withBridge puts
// a bridge directory above the device so Parent() resolves.
func newTestDevice(t *testing.T, withBridge bool) (*device.Device, *pci.MemRegion) {
	t.Helper()

	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	parent := devicesRoot
	if withBridge {
		parent = filepath.Join(devicesRoot, "0000:00:01.0")
		writeSysfsDevice(t, parent, bridgeConfig())
	}
	devDir := filepath.Join(parent, "0000:01:00.0")
	writeSysfsDevice(t, devDir, gpuConfig())

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mem := pci.NewMemRegion(device.Bar0Size)
	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchAmpere, Chip: "ga100", Name: "NVIDIA A100-SXM4-40GB"},
		p, mem, nil)
	return d, mem
}

func TestFLR(t *testing.T) {
	d, mem := newTestDevice(t, false)

	require.NoError(t, FLR(context.Background(), d))

	// The reset trigger bit must have been written.
	devctl, err := d.PCI.Config.Read16(0x40 + pci.ExpDevCtl)
	require.NoError(t, err)
	assert.NotZero(t, devctl&pci.ExpDevCtlBCRFLR)

	// Scratch markers were placed before the reset.
	assert.Equal(t, uint32(1), mem.Uint32(d.FLRScratch()))
	assert.Equal(t, uint32(1), mem.Uint32(d.SBRScratch()))
}

func TestSBRThroughBridge(t *testing.T) {
	d, _ := newTestDevice(t, true)

	require.NoError(t, SBR(context.Background(), d))

	// Command register must be restored with MMIO decoding on.
	cmd, err := d.PCI.Config.Read16(pci.RegCommand)
	require.NoError(t, err)
	assert.NotZero(t, cmd&pci.CmdMemory)
}

func TestSBRWithoutBridgeFails(t *testing.T) {
	d, _ := newTestDevice(t, false)
	err := SBR(context.Background(), d)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestOSReset(t *testing.T) {
	d, _ := newTestDevice(t, false)

	require.NoError(t, OSReset(context.Background(), d))

	raw, err := os.ReadFile(filepath.Join(d.PCI.Path, "reset"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(raw))
}

func TestAnyPrefersFLR(t *testing.T) {
	d, mem := newTestDevice(t, false)

	require.NoError(t, Any(context.Background(), d))
	assert.Equal(t, uint32(1), mem.Uint32(d.FLRScratch()))
}

func TestCoupledFLR(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	devDir := filepath.Join(devicesRoot, "0000:01:00.0")
	writeSysfsDevice(t, devDir, gpuConfig())

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(0x200bc, 0xff) // boot complete
	sim := &fsptest.Simulator{}
	sim.Attach(mem, 2)
	sim.Knobs[uint32(fsp.KnobForceResetCouplingAllowInband)] = 1

	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchHopper, Chip: "gh100", Name: "NVIDIA H100 80GB HBM3"},
		p, mem, nil)

	require.NoError(t, CoupledFLR(context.Background(), d))
	assert.True(t, sim.CoupleArmed)
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobForceResetCoupling)])
}

func TestCoupledFLRUnsupported(t *testing.T) {
	d, _ := newTestDevice(t, false)
	err := CoupledFLR(context.Background(), d)
	assert.True(t, errdefs.IsNotSupported(err))
}

func newHopperWithSim(t *testing.T) (*device.Device, *fsptest.Simulator) {
	t.Helper()

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(0x200bc, 0xff) // boot complete
	sim := &fsptest.Simulator{}
	sim.Attach(mem, 2)

	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchHopper, Chip: "gh100", Name: "NVIDIA H100 80GB HBM3"},
		nil, mem, nil)
	return d, sim
}

func TestArmFundamentalSBR(t *testing.T) {
	d, sim := newHopperWithSim(t)
	sim.Knobs[uint32(fsp.KnobForceResetCouplingAllowInband)] = 1

	require.NoError(t, ArmFundamentalSBR(context.Background(), d))
	assert.True(t, sim.CoupleArmed)
	assert.Equal(t, uint16(1), sim.Knobs[uint32(fsp.KnobForceResetCoupling)])
}

func TestArmFundamentalSBRDisallowedInband(t *testing.T) {
	d, sim := newHopperWithSim(t)

	// Coupling off and in-band control of the knob not granted.
	err := ArmFundamentalSBR(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errdefs.IsAccessDenied(err))
	assert.False(t, sim.CoupleArmed)
}

func TestArmFundamentalSBRUnsupported(t *testing.T) {
	d, _ := newTestDevice(t, false)
	err := ArmFundamentalSBR(context.Background(), d)
	assert.True(t, errdefs.IsNotSupported(err))
}

func TestRecoverViaBusReset(t *testing.T) {
	d, _ := newTestDevice(t, true)

	recovered, err := Recover(context.Background(), d)
	require.NoError(t, err)
	assert.Same(t, d, recovered, "a successful bus reset keeps the same device")
}

// TestRecoverBrokenDeviceByBusReset drives the degraded path end to end: a
// device that failed the normal open is wrapped with OpenBroken, revived by
// the bus reset, and handed back as a freshly opened device with its BARs
// mapped.
func TestRecoverBrokenDeviceByBusReset(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	bridgeDir := filepath.Join(devicesRoot, "0000:00:01.0")
	writeSysfsDevice(t, bridgeDir, bridgeConfig())
	devDir := filepath.Join(bridgeDir, "0000:01:00.0")
	writeSysfsDevice(t, devDir, gpuConfig())

	// A real BAR0 backing so the reopen after the bus reset can map it.
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "resource"),
		[]byte("0x00000000f0000000 0x00000000f0ffffff 0x0000000000040200\n"), 0o644))
	bar0, err := os.Create(filepath.Join(devDir, "resource0"))
	require.NoError(t, err)
	require.NoError(t, bar0.Truncate(device.Bar0Size))
	require.NoError(t, bar0.Close())

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)

	d := device.OpenBroken(p)
	require.Nil(t, d.Bar0)
	require.NotNil(t, d.Saved, "config space answers, so a snapshot is captured")

	recovered, err := Recover(context.Background(), d)
	require.NoError(t, err)
	require.NotSame(t, d, recovered, "a degraded device must come back reopened")
	assert.NotNil(t, recovered.Bar0)

	recovered.Close()
	_ = recovered.PCI.Close()
}

func TestRecoverFailsWhenDeviceStaysDead(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	devDir := filepath.Join(devicesRoot, "0000:01:00.0")

	// Config space reads all-ones at the responsiveness check: the device
	// stays dead across remove and rescan.
	cfg := gpuConfig()
	cfg[0xf0] = 0xff
	cfg[0xf1] = 0xff
	writeSysfsDevice(t, devDir, cfg)

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.Unresponsive = true
	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchAmpere, Chip: "ga100"}, p, mem, nil)

	_, err = Recover(context.Background(), d)
	require.Error(t, err)
	assert.True(t, errdefs.IsRecoveryFailed(err))

	// The recovery path must have removed and rescanned.
	_, err = os.Stat(filepath.Join(devDir, "remove"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(root, "rescan"))
	assert.NoError(t, err)
}
