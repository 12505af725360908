package plog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetLogger(t *testing.T) {
	for _, level := range []string{LogLevelInfo, LogLevelDebug, LogLevelNone, ""} {
		l, err := GetLogger(level)
		require.NoError(t, err)
		require.NotNil(t, l)
	}

	_, err := GetLogger("shout")
	require.Error(t, err)

	require.NotPanics(t, func() { MustGetLogger(LogLevelNone) })
	require.Panics(t, func() { MustGetLogger("shout") })
	require.NotNil(t, Default())
}
