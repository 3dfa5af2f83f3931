package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesComponentAndID(t *testing.T) {
	var buf bytes.Buffer
	Init("debug", &buf)
	t.Cleanup(func() { Init("info", nil) })

	New("tester").Info("abcd1234", "sweep finished: %d proxies", 5)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tester", entry["component"])
	assert.Equal(t, "abcd1234", entry["id"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "sweep finished: 5 proxies", entry["message"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init("warn", &buf)
	t.Cleanup(func() { Init("info", nil) })

	l := New("getter")
	l.InfoBg("dropped")
	assert.Zero(t, buf.Len())

	l.WarnBg("kept")
	assert.Contains(t, buf.String(), `"id":"xxxxxxxx"`)
}

func TestInitUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init("loud", &buf)
	t.Cleanup(func() { Init("info", nil) })

	New("x").DebugBg("hidden")
	assert.Zero(t, buf.Len())
	New("x").InfoBg("shown")
	assert.NotZero(t, buf.Len())
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}
