package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureDefault(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	prev := *defaultLogger.level
	t.Cleanup(func() {
		SetOutput(os.Stderr)
		SetLevel(prev)
		SetRedactPII(true)
	})
	return &buf
}

func TestWithCarriesFieldsAndRedacts(t *testing.T) {
	buf := captureDefault(t)
	SetLevel(DEBUG)

	log := With("component", "sender", "tenant", "t1")
	log.Warn("send failed", "email", "jane.doe@example.com", "err", "bounce from bob@example.org")

	var entry map[string]string
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "WARN", entry["level"])
	assert.Equal(t, "sender", entry["component"])
	assert.Equal(t, "t1", entry["tenant"])
	assert.Equal(t, "ja***@example.com", entry["email"])
	assert.Equal(t, "bounce from bo***@example.org", entry["err"])
}

func TestLevelFilter(t *testing.T) {
	buf := captureDefault(t)
	SetLevel(WARN)

	Info("dropped")
	Error("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"kept"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, DEBUG, ParseLevel("debug"))
	assert.Equal(t, WARN, ParseLevel(" warning "))
	assert.Equal(t, ERROR, ParseLevel("ERROR"))
	assert.Equal(t, INFO, ParseLevel("verbose"))
}

func TestRedactEmail(t *testing.T) {
	assert.Equal(t, "jo***@example.com", RedactEmail("john.doe@example.com"))
	assert.Equal(t, "***@example.com", RedactEmail("ab@example.com"))
	assert.Equal(t, "***@***", RedactEmail("not-an-email"))
}
