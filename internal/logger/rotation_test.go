package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	t.Run("creates the live file", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "weave.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("creates missing directories", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "logs", "weave.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(filepath.Dir(logFile))
		assert.NoError(t, err)
	})

	t.Run("non-positive size falls back to the default", func(t *testing.T) {
		tmpDir := t.TempDir()
		rw, err := NewRotatingWriter(filepath.Join(tmpDir, "weave.log"), 0, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		assert.Equal(t, int64(DefaultMaxSizeMB)*1024*1024, rw.maxSize)
	})
}

func TestRotatingWriterWrite(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "weave.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	data := []byte("test log message\n")
	n, err := rw.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "test log message")
}

func TestRotatingWriterRotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "weave.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	defer rw.Close()
	rw.maxSize = 64

	_, err = rw.Write([]byte(strings.Repeat("a", 60) + "\n"))
	require.NoError(t, err)
	_, err = rw.Write([]byte("after rotation\n"))
	require.NoError(t, err)

	rotated, err := filepath.Glob(logFile + ".*")
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	// The live file starts over with the write that triggered rotation.
	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "after rotation\n", string(content))
}

func TestRotatingWriterClose(t *testing.T) {
	tmpDir := t.TempDir()
	rw, err := NewRotatingWriter(filepath.Join(tmpDir, "weave.log"), 10, 7, false)
	require.NoError(t, err)
	assert.NoError(t, rw.Close())
}

func TestCompressFile(t *testing.T) {
	tmpDir := t.TempDir()
	rotated := filepath.Join(tmpDir, "weave.log.20260101-120000")
	require.NoError(t, os.WriteFile(rotated, []byte("rotated content"), 0644))

	rw := &RotatingWriter{compress: true}
	require.NoError(t, rw.compressFile(rotated))

	_, err := os.Stat(rotated + ".gz")
	assert.NoError(t, err)

	_, err = os.Stat(rotated)
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRemovesExpiredFiles(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "weave.log")

	oldFile := logFile + ".20200101-120000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old log"), 0644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	recentFile := logFile + "." + time.Now().Format(rotatedTimeFormat)
	require.NoError(t, os.WriteFile(recentFile, []byte("recent log"), 0644))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	rw.sweep()

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recentFile)
	assert.NoError(t, err)
}
