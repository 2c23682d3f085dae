package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.viam.com/test"
)

func newBufferLogger(buf *bytes.Buffer) Logger {
	logger := NewBlankLogger("buf")
	logger.AddAppender(NewWriterAppender(buf))
	return logger
}

func TestConsoleFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)

	logger.Info("hello ", "world")
	line, err := buf.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	parts := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, parts, test.ShouldHaveLength, 5)
	test.That(t, parts[1], test.ShouldEqual, "INFO")
	test.That(t, parts[2], test.ShouldEqual, "buf")
	test.That(t, parts[3], test.ShouldStartWith, "logging/impl_test.go:")
	test.That(t, parts[4], test.ShouldEqual, "hello world")

	logger.Warnw("batch", "id", 7, "size", 4)
	line, err = buf.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	parts = strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, parts, test.ShouldHaveLength, 6)
	test.That(t, parts[1], test.ShouldEqual, "WARN")
	fields := map[string]any{}
	test.That(t, json.Unmarshal([]byte(parts[5]), &fields), test.ShouldBeNil)
	test.That(t, fields, test.ShouldResemble, map[string]any{"id": 7.0, "size": 4.0})
}

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := newBufferLogger(&buf)
	logger.SetLevel(WARN)

	logger.Debug("nope")
	logger.Info("nope")
	test.That(t, buf.Len(), test.ShouldEqual, 0)
	logger.Error("yes")
	test.That(t, buf.String(), test.ShouldContainSubstring, "yes")

	sub := logger.Sublogger("scheduler")
	test.That(t, sub.GetLevel(), test.ShouldEqual, WARN)
	sub.SetLevel(DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)
	sub.Debugf("flush %d", 3)
	test.That(t, buf.String(), test.ShouldContainSubstring, "buf.scheduler")
	test.That(t, buf.String(), test.ShouldContainSubstring, "flush 3")
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"Warning", WARN},
		{"error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	var cfg Config
	test.That(t, json.Unmarshal([]byte(`{"level":"warn"}`), &cfg), test.ShouldBeNil)
	test.That(t, cfg.Level, test.ShouldEqual, WARN)
}

func TestObservedLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Errorw("detector failed", "batch_id", 3)
	test.That(t, logs.FilterMessage("detector failed").Len(), test.ShouldEqual, 1)
	entry := logs.All()[0]
	test.That(t, entry.ContextMap()["batch_id"], test.ShouldEqual, int64(3))

	logger.AsZap().Infow("via zap", "k", "v")
	test.That(t, logs.FilterMessage("via zap").Len(), test.ShouldEqual, 1)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "batchvision.log")
	logger, closer := NewFromConfig("file", Config{Level: INFO, File: &FileConfig{Path: path}})
	logger.Infow("written", "stage", "primary")
	test.That(t, closer.Close(), test.ShouldBeNil)

	//nolint:gosec
	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(contents), test.ShouldContainSubstring, "written")
	test.That(t, string(contents), test.ShouldContainSubstring, `"stage":"primary"`)
}
