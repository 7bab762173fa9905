package knobs

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuctl/pkg/nvidia/device"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp"
	"github.com/leptonai/gpuctl/pkg/nvidia/fsp/fsptest"
	"github.com/leptonai/gpuctl/pkg/nvidia/product"
	"github.com/leptonai/gpuctl/pkg/pci"
)

func newCatalogueDevice(t *testing.T) (*device.Device, *fsptest.Simulator) {
	t.Helper()

	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	devDir := filepath.Join(devicesRoot, "0000:01:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[0x00:], 0x10de)
	binary.LittleEndian.PutUint16(cfg[0x02:], 0x2330)
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "config"), cfg, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "resource"), nil, 0o644))

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(0x200bc, 0xff) // boot complete
	mem.SetUint32(0x100b20, 0x1) // memory clear finished
	sim := &fsptest.Simulator{}
	sim.Attach(mem, 2)

	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchHopper, Chip: "gh100", Name: "NVIDIA H100 80GB HBM3"},
		p, mem, nil)
	return d, sim
}

func entryByName(entries []knobEntry, name string) *knobEntry {
	for i := range entries {
		if entries[i].Knob == name {
			return &entries[i]
		}
	}
	return nil
}

func TestBuildCatalogue(t *testing.T) {
	d, sim := newCatalogueDevice(t)
	sim.Knobs[uint32(fsp.KnobCCM)] = 1

	r, err := buildCatalogue(context.Background(), d)
	require.NoError(t, err)
	assert.Equal(t, "0000:01:00.0", r.Address)

	cc := entryByName(r.Knobs, "cc-mode")
	require.NotNil(t, cc)
	assert.Equal(t, "off", cc.Default)
	assert.Equal(t, "off", cc.Current)
	assert.Equal(t, "on", cc.Pending, "the staged knob differs from the live mode until a reset")
	assert.True(t, cc.RequiresReset)

	ppcie := entryByName(r.Knobs, "ppcie-mode")
	require.NotNil(t, ppcie)
	assert.Equal(t, "off", ppcie.Current)
	assert.Equal(t, "off", ppcie.Pending)

	ecc := entryByName(r.Knobs, "ecc")
	require.NotNil(t, ecc)
	assert.Equal(t, "on", ecc.Default)
	assert.Equal(t, "off", ecc.Current)

	assert.NotNil(t, entryByName(r.Knobs, "nvlink-block"))
	assert.Nil(t, entryByName(r.Knobs, "mig"), "MIG is GA100 only")
	assert.Nil(t, entryByName(r.Knobs, "bar0-firewall"), "the firewall is Blackwell only")

	// Every knob the firmware implements follows the named modes, staged
	// value only.
	ccm := entryByName(r.Knobs, fsp.KnobCCM.String())
	require.NotNil(t, ccm)
	assert.Equal(t, "0x0", ccm.Default)
	assert.Equal(t, "-", ccm.Current)
	assert.Equal(t, "0x1", ccm.Pending)
}

func TestBuildCatalogueSkipsFirmwareRowsWithoutFSP(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	devDir := filepath.Join(devicesRoot, "0000:02:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	cfg := make([]byte, 256)
	binary.LittleEndian.PutUint16(cfg[0x00:], 0x10de)
	binary.LittleEndian.PutUint16(cfg[0x02:], 0x20b0)
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "config"), cfg, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "resource"), nil, 0o644))

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	mem := pci.NewMemRegion(device.Bar0Size)
	mem.SetUint32(0x118234, 0x3ff) // boot complete
	mem.SetUint32(0x100b20, 0x1)   // memory clear finished
	d := device.NewFromRegions(device.KindGPU,
		product.Info{Arch: product.ArchAmpere, Chip: "ga100", Name: "NVIDIA A100-SXM4-40GB"},
		p, mem, nil)

	r, err := buildCatalogue(context.Background(), d)
	require.NoError(t, err)

	assert.Nil(t, entryByName(r.Knobs, "cc-mode"))
	assert.NotNil(t, entryByName(r.Knobs, "ecc"))
	assert.NotNil(t, entryByName(r.Knobs, "mig"))
	for _, e := range r.Knobs {
		assert.NotEqual(t, "-", e.Pending, "no FSP, so no staged-only rows")
	}
}
