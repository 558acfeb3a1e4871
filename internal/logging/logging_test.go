package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New("warn", "json", &buf)
	l.Info().Msg("hidden")
	l.Warn().Str("node", "n1").Msg("shown")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	var m map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &m))
	assert.Equal(t, "shown", m["message"])
	assert.Equal(t, "n1", m["node"])
	assert.Equal(t, "warn", m["level"])
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New("loud", "", &buf)
	l.Debug().Msg("no")
	l.Info().Msg("yes")
	assert.NotContains(t, buf.String(), `"no"`)
	assert.Contains(t, buf.String(), `"yes"`)
}

func TestLeveledKeyValues(t *testing.T) {
	var buf bytes.Buffer
	lv := Leveled{L: New("debug", "json", &buf)}
	lv.Warn("retrying", "url", "http://x", "attempt", 2, "dangling")
	var m map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &m))
	assert.Equal(t, "http://x", m["url"])
	assert.EqualValues(t, 2, m["attempt"])
	assert.NotContains(t, m, "dangling")
}
