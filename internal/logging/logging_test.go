package logging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesLogfmt(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Info).With(F("component", "reconciler"))
	logger.Info("sweep done",
		F("reconciled", 97),
		F("ids", []string{"a", "b"}),
		F("took", 1500*time.Millisecond),
		Err(errors.New("partial result")),
	)

	line := buf.String()
	assert.True(t, strings.HasPrefix(line, "ts="))
	assert.Contains(t, line, `level=info msg="sweep done" component=reconciler reconciled=97 ids=a,b took=1.5s error="partial result"`)
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, Warn)
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
	assert.True(t, logger.Enabled(Error))
	assert.False(t, logger.Enabled(Info))
	assert.False(t, Nop().Enabled(Error))
}

func TestWithDoesNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, Debug)
	a := base.With(F("runner_id", "a"))
	_ = base.With(F("runner_id", "b"))
	a.Debug("x")
	assert.Contains(t, buf.String(), "runner_id=a")
	assert.NotContains(t, buf.String(), "runner_id=b")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, Debug, ParseLevel(" DEBUG "))
	assert.Equal(t, Warn, ParseLevel("warning"))
	assert.Equal(t, Error, ParseLevel("error"))
	assert.Equal(t, Info, ParseLevel("verbose"))
	assert.Equal(t, "warn", Warn.String())
}

func TestOpenFileAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	logger, closer, err := OpenFile(path, Info)
	require.NoError(t, err)
	logger.Info("first")
	require.NoError(t, closer.Close())

	logger, closer, err = OpenFile(path, Info)
	require.NoError(t, err)
	logger.Info("second")
	require.NoError(t, closer.Close())

	data, err := readFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(data, "\n"))
}

func TestNewRequestID(t *testing.T) {
	a, b := NewRequestID(), NewRequestID()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
}

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}
