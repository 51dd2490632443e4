package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shepherd-project/shepherd-fetch/internal/config"
)

func newBufferLogger(t *testing.T, level string) (*Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	l, err := newLogger(&config.LogConfig{Level: level, Format: "json", Output: "stdout"}, "test", buf)
	require.NoError(t, err)
	return l, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &m), scanner.Text())
		lines = append(lines, m)
	}
	return lines
}

func TestNewLogger(t *testing.T) {
	t.Run("Initialize with stdout output", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stdout"}, "standalone")
		require.NoError(t, err)
		assert.Equal(t, DEBUG, logger.level)
		assert.Empty(t, logger.FilePath())
	})

	t.Run("Initialize with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logger, err := NewLogger(&config.LogConfig{Level: "info", Format: "text", Output: "file", Directory: tmpDir}, "serve")
		require.NoError(t, err)

		logger.Info("test message")
		require.NoError(t, logger.Close())

		path := logger.FilePath()
		assert.True(t, strings.HasPrefix(path, tmpDir))
		assert.Contains(t, path, "fetch-serve-")

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"message":"test message"`)
	})

	t.Run("Initialize with both outputs", func(t *testing.T) {
		logger, err := NewLogger(&config.LogConfig{Level: "warn", Format: "json", Output: "both", Directory: t.TempDir()}, "standalone")
		require.NoError(t, err)
		defer logger.Close()
		assert.Equal(t, WARN, logger.level)
		assert.NotEmpty(t, logger.FilePath())
	})

	t.Run("File output without directory fails", func(t *testing.T) {
		_, err := NewLogger(&config.LogConfig{Level: "info", Output: "file"}, "standalone")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log directory")
	})
}

func TestLogLevels(t *testing.T) {
	logger, buf := newBufferLogger(t, "debug")

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 4)
	assert.Equal(t, "debug", lines[0]["level"])
	assert.Equal(t, "info", lines[1]["level"])
	assert.Equal(t, "warn", lines[2]["level"])
	assert.Equal(t, "error", lines[3]["level"])
	assert.Equal(t, "test", lines[0]["mode"])
	assert.NotEmpty(t, lines[0]["time"])
}

func TestLogFormats(t *testing.T) {
	t.Run("JSON format", func(t *testing.T) {
		logger, buf := newBufferLogger(t, "info")
		logger.Info("json entry")

		lines := decodeLines(t, buf)
		require.Len(t, lines, 1)
		assert.Equal(t, "json entry", lines[0]["message"])
	})

	t.Run("Text format", func(t *testing.T) {
		buf := &bytes.Buffer{}
		logger, err := newLogger(&config.LogConfig{Level: "info", Format: "text", Output: "stdout"}, "test", buf)
		require.NoError(t, err)

		logger.WithField("task", "abc").Info("text entry")

		out := buf.String()
		assert.Contains(t, out, "text entry")
		assert.Contains(t, out, "task=abc")
		assert.NotContains(t, out, "{")
	})
}

func TestLogWithFields(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	logger.WithFields(map[string]interface{}{
		"task":  "t-1",
		"bytes": 1024,
	}).Info("with fields")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "t-1", lines[0]["task"])
	assert.Equal(t, float64(1024), lines[0]["bytes"])
}

func TestLogWithError(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	logger.WithError(errors.New("boom")).Error("failed")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "boom", lines[0]["error"])
	assert.Equal(t, "failed", lines[0]["message"])
}

func TestFormattedLogging(t *testing.T) {
	logger, buf := newBufferLogger(t, "debug")

	logger.Infof("downloaded %d of %d", 5, 10)
	logger.WithField("part", 2).Warnf("retry %d", 1)

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "downloaded 5 of 10", lines[0]["message"])
	assert.Equal(t, "retry 1", lines[1]["message"])
	assert.Equal(t, float64(2), lines[1]["part"])
}

func TestLogLevelString(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{LogLevel(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warn", WARN},
		{"warning", WARN},
		{"error", ERROR},
		{"fatal", INFO},
		{"", INFO},
		{"bogus", INFO},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLevel(tt.in))
		})
	}
}

func TestGlobalLogger(t *testing.T) {
	err := InitLogger(&config.LogConfig{Level: "debug", Format: "json", Output: "stdout"}, "standalone")
	require.NoError(t, err)

	l := GetLogger()
	require.NotNil(t, l)
	assert.Equal(t, DEBUG, l.level)

	// Global helpers must not panic
	Info("global info")
	Debugf("global %s", "debug")
	WithField("k", "v").Info("global field")
	WithError(errors.New("x")).Warn("global error")
}

func TestGetLogger(t *testing.T) {
	loggerMu.Lock()
	old := defaultLogger
	defaultLogger = nil
	loggerMu.Unlock()
	defer func() {
		loggerMu.Lock()
		defaultLogger = old
		loggerMu.Unlock()
	}()

	l := GetLogger()
	require.NotNil(t, l)
	assert.Equal(t, INFO, l.level)
	assert.Same(t, l, GetLogger())
}

func TestLogLevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, "warn")

	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")
	logger.Error("shown")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, "shown", line["message"])
	}
}

func TestLogEntryChaining(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	logger.WithField("a", 1).
		WithFields(map[string]interface{}{"b": "two"}).
		WithError(errors.New("three")).
		Info("chained")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, float64(1), lines[0]["a"])
	assert.Equal(t, "two", lines[0]["b"])
	assert.Equal(t, "three", lines[0]["error"])
}

func TestLogFeedsStream(t *testing.T) {
	InitLogStream(100)
	stream := GetLogStream()
	ch := stream.Subscribe()
	defer stream.Unsubscribe(ch)

	logger, _ := newBufferLogger(t, "info")
	logger.WithField("task", "t-9").WithError(errors.New("bad")).Error("streamed")

	entry := <-ch
	assert.Equal(t, "ERROR", entry.Level)
	assert.Equal(t, "streamed", entry.Message)
	assert.Equal(t, "t-9", entry.Fields["task"])
	assert.Equal(t, "bad", entry.Fields["error"])
}

func TestConcurrency(t *testing.T) {
	logger, buf := newBufferLogger(t, "info")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				logger.WithField("worker", id).Info(fmt.Sprintf("message %d", j))
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, decodeLines(t, buf), 200)
}
