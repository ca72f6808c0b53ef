package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriterLogger(t *testing.T) {
	var out bytes.Buffer
	logger := NewWriterLogger(&out, Info)

	logger.Debug("hidden: n=%d", 1)
	logger.Info("shown: n=%d", 2)
	logger.Error("shown: n=%d", 3)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "INFO\tshown: n=2")
	require.Contains(t, lines[1], "ERROR\tshown: n=3")
	require.Equal(t, Info, logger.Level())
}

func TestNoopLogger(t *testing.T) {
	logger := NewNoopLogger()

	require.NotPanics(t, func() { logger.Error("dropped: n=%d", 1) })
	require.Equal(t, Error, logger.Level())
}
