package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_JSONLines(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("info", &buf)

	log.With("organization", 42).Info("webhook event applied", "event", "evt_123")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "webhook event applied", line["msg"])
	assert.EqualValues(t, 42, line["organization"])
	assert.Equal(t, "evt_123", line["event"])
	assert.Equal(t, "INFO", line["level"])
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("warn", &buf)

	log.Debug("not emitted")
	log.Info("not emitted either")
	log.Warn("emitted")

	out := buf.String()
	assert.NotContains(t, out, "not emitted")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel_UnknownFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter("verbose", &buf)

	log.Debug("below info")
	log.Info("at info")

	assert.NotContains(t, buf.String(), "below info")
	assert.Contains(t, buf.String(), "at info")
}
