package frontdoor

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_ParseLevel(t *testing.T) {
	for in, want := range map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"TRACE":    zerolog.TraceLevel,
		"debug":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
	} {
		lvl, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, lvl, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func Test_NewLogger_json(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "info"}, &buf)
	require.NoError(t, err)
	log.Debug().Msg("hidden")
	log.Info().Str("k", "v").Msg("shown")
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "shown", m["message"])
	assert.Equal(t, "frontdoor", m["component"])
	assert.Equal(t, "v", m["k"])
	assert.Contains(t, m, "time")
}

func Test_NewLogger_console(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewLogger(LogConfig{Level: "debug", Format: "console"}, &buf)
	require.NoError(t, err)
	log.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	_, err = NewLogger(LogConfig{Format: "xml"}, &buf)
	assert.Error(t, err)
}
