package redisstream

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestSettings_Validate(t *testing.T) {
	require.NoError(t, Settings{}.Validate())

	s := DefaultSettings()
	s.Enabled = true
	require.NoError(t, s.Validate())

	s.Addr = " "
	require.Error(t, s.Validate())
}

func TestAddFlags_Defaults(t *testing.T) {
	fs := pflag.NewFlagSet("t", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--redis-enabled", "--redis-addr", "redis:6380"}))

	enabled, err := fs.GetBool("redis-enabled")
	require.NoError(t, err)
	require.True(t, enabled)
	group, err := fs.GetString("redis-group")
	require.NoError(t, err)
	require.Equal(t, "chat-ui", group)
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	a.With(watermill.LogFields{"topic": "chat.alice"}).Error("publish failed", errors.New("boom"), nil)
	a.Trace("hidden", nil)

	out := buf.String()
	require.Contains(t, out, `"topic":"chat.alice"`)
	require.Contains(t, out, `"error":"boom"`)
	require.Contains(t, out, `"component":"watermill"`)
	require.NotContains(t, out, "hidden")
}
