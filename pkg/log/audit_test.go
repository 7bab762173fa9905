package log

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogApplyOpts(t *testing.T) {
	ev := &AuditLog{}
	ev.applyOpts([]AuditOption{
		WithKind("reset"),
		WithDevice("0000:01:00.0"),
		WithVerb("flr"),
		WithData(map[string]string{"mode": "flr"}),
	})

	assert.Equal(t, "reset", ev.Kind)
	assert.Equal(t, "0000:01:00.0", ev.Device)
	assert.Equal(t, "flr", ev.Verb)
	assert.NotEmpty(t, ev.AuditID, "audit ID must be generated when not given")
}

func TestAuditLogDefaults(t *testing.T) {
	ev := &AuditLog{}
	ev.applyOpts(nil)
	assert.Equal(t, "Event", ev.Kind)
	assert.NotEmpty(t, ev.AuditID)

	ev = &AuditLog{}
	ev.applyOpts([]AuditOption{WithAuditID("fixed")})
	assert.Equal(t, "fixed", ev.AuditID)
}

func TestAuditLoggerWritesJSONLines(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "mutations.audit")
	logger := NewAuditLogger(logFile)

	logger.Log(
		WithKind("set"),
		WithDevice("0000:2a:00.0"),
		WithVerb("cc-mode"),
		WithData(map[string]string{"mode": "on"}),
	)

	raw, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, "set", entry["kind"])
	assert.Equal(t, "0000:2a:00.0", entry["device"])
	assert.Equal(t, "cc-mode", entry["verb"])
	assert.NotEmpty(t, entry["auditID"])
}

func TestNopAuditLoggerDoesNotPanic(t *testing.T) {
	NewNopAuditLogger().Log(WithVerb("noop"))
}

func TestCreateAuditLogFilepath(t *testing.T) {
	assert.Equal(t, "/var/log/gpuctl.audit", CreateAuditLogFilepath("/var/log/gpuctl.log"))
	assert.Equal(t, "gpuctl.audit", CreateAuditLogFilepath("gpuctl"))
}
