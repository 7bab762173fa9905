package common

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leptonai/gpuctl/pkg/pci"
)

func TestParseOnOff(t *testing.T) {
	for _, value := range []string{"on", "ON", " enable ", "1"} {
		got, err := ParseOnOff("ecc", value)
		require.NoError(t, err, "value %q", value)
		assert.True(t, got)
	}
	for _, value := range []string{"off", "Disabled", "0"} {
		got, err := ParseOnOff("ecc", value)
		require.NoError(t, err, "value %q", value)
		assert.False(t, got)
	}

	_, err := ParseOnOff("ecc", "maybe")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--ecc")
}

// TestOpenForRecoveryDegradesUnresponsiveDevice pins the recovery contract:
// a device whose config space reads all-ones still yields a handle instead
// of failing the selection.
func TestOpenForRecoveryDegradesUnresponsiveDevice(t *testing.T) {
	root := t.TempDir()
	devicesRoot := filepath.Join(root, "devices")
	devDir := filepath.Join(devicesRoot, "0000:2a:00.0")
	require.NoError(t, os.MkdirAll(devDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "config"),
		bytes.Repeat([]byte{0xff}, 256), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(devDir, "resource"), nil, 0o644))

	p, err := pci.NewDevice(devDir, pci.WithDevicesRoot(devicesRoot))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	d, err := openForRecovery(p)
	require.NoError(t, err)
	assert.Nil(t, d.Bar0, "degraded open maps no BARs")
	d.Close()
}

func TestParseOutputFormat(t *testing.T) {
	for raw, want := range map[string]string{
		"":      OutputFormatPlain,
		"plain": OutputFormatPlain,
		"JSON":  OutputFormatJSON,
		" yaml": OutputFormatYAML,
	} {
		got, err := ParseOutputFormat(raw)
		require.NoError(t, err, "raw %q", raw)
		assert.Equal(t, want, got)
	}

	_, err := ParseOutputFormat("xml")
	assert.Error(t, err)
}

func TestWriteJSONToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSONToWriter(&buf, map[string]string{"mode": "on"}))
	assert.JSONEq(t, `{"mode":"on"}`, buf.String())

	assert.Error(t, WriteJSONToWriter(nil, "x"))
}

func TestWriteYAMLToWriter(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteYAMLToWriter(&buf, map[string]string{"mode": "on"}))
	assert.Equal(t, "mode: \"on\"\n", buf.String())

	assert.Error(t, WriteYAMLToWriter(nil, "x"))
}
