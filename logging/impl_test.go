package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"go.viam.com/test"
)

type linkSummary struct {
	Parent string
	Child  string
	rms    float64
}

// assertLogMatches will fuzzy match log lines. Notably, this checks the time format, but ignores
// the exact time. And it expects a match on the filename, but the exact line number can be wrong.
func assertLogMatches(t *testing.T, actual *bytes.Buffer, expected string) {
	t.Helper()

	output, err := actual.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)

	actualTrimmed := strings.TrimSuffix(output, "\n")
	actualParts := strings.Split(actualTrimmed, "\t")
	expectedParts := strings.Split(expected, "\t")
	// Use the length of the first string as a weak verification of checking that the result looks like a date.
	test.That(t, len(actualParts[0]), test.ShouldEqual, len(expectedParts[0]))
	test.That(t, actualParts[1], test.ShouldEqual, expectedParts[1])

	actualFilename, actualLineNumber, found := strings.Cut(actualParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	expectedFilename, _, found := strings.Cut(expectedParts[2], ":")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, actualFilename, test.ShouldEqual, expectedFilename)
	_, err = strconv.Atoi(actualLineNumber)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualParts[3], test.ShouldEqual, expectedParts[3])

	test.That(t, len(actualParts), test.ShouldEqual, len(expectedParts))
	if len(actualParts) == 4 {
		return
	}

	expectedMap := make(map[string]any)
	err = json.Unmarshal([]byte(expectedParts[4]), &expectedMap)
	test.That(t, err, test.ShouldBeNil)

	actualMap := make(map[string]any)
	err = json.Unmarshal([]byte(actualParts[4]), &actualMap)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, actualMap, test.ShouldResemble, expectedMap)
}

func newBufferLogger(name string, level Level) (Logger, *bytes.Buffer) {
	notStdout := &bytes.Buffer{}
	return newLogger(name, level, true, NewWriterAppender(notStdout)), notStdout
}

func TestConsoleOutputFormat(t *testing.T) {
	logger, notStdout := newBufferLogger("", DEBUG)

	logger.Info("impl Info log")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	INFO	logging/impl_test.go:67	impl Info log`)

	logger.Infof("solved %s", "link")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:45:20.764-0400	INFO	logging/impl_test.go:131	solved link`)

	logger.Infow("link solved", "parent", "base_link", "iterations", 3)
	assertLogMatches(t, notStdout,
		`2023-10-30T13:19:45.806-0400	INFO	logging/impl_test.go:132	link solved	{"parent":"base_link","iterations":3}`)

	// Only public fields of structs are serialized.
	logger.Warnw("result", "link", linkSummary{"arm", "camera", 0.2})
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	WARN	logging/impl_test.go:125	result	{"link":{"Parent":"arm","Child":"camera"}}`)

	// A dangling key is reported instead of dropped.
	logger.Errorw("dangling", "key")
	assertLogMatches(t, notStdout,
		`2023-10-30T13:20:47.129-0400	ERROR	logging/impl_test.go:125	dangling	{"key":"unpaired log key"}`)
}

func TestLevelFiltering(t *testing.T) {
	logger, notStdout := newBufferLogger("", WARN)

	logger.Debug("hidden")
	logger.Info("hidden")
	test.That(t, notStdout.Len(), test.ShouldEqual, 0)

	logger.Warn("shown")
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	WARN	logging/impl_test.go:67	shown`)

	logger.SetLevel(DEBUG)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
	logger.Debugf("iteration %d", 4)
	assertLogMatches(t, notStdout,
		`2023-10-30T09:12:09.459-0400	DEBUG	logging/impl_test.go:67	iteration 4`)
}

func TestSubloggerNaming(t *testing.T) {
	logger, notStdout := newBufferLogger("chaincal", INFO)
	sub := logger.Sublogger("solver")
	sub.Info("hello")

	line, err := notStdout.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	parts := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, parts[2], test.ShouldEqual, "chaincal.solver")
	test.That(t, parts[len(parts)-1], test.ShouldEqual, "hello")

	// Subloggers keep their own level.
	sub.SetLevel(ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, INFO)
}

func TestObservedTestLogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Warnw("configuration skipped", "index", 2)
	logger.Debug("noise")

	test.That(t, logs.FilterMessage("configuration skipped").Len(), test.ShouldEqual, 1)
	entry := logs.FilterMessage("configuration skipped").All()[0]
	test.That(t, entry.ContextMap()["index"], test.ShouldEqual, int64(2))
	test.That(t, logs.Len(), test.ShouldEqual, 2)
}

func TestWithFields(t *testing.T) {
	logger, notStdout := newBufferLogger("chaincal", INFO)
	session := logger.WithFields("session", "4f1c")

	session.Sublogger("solver").Infow("link solved", "iterations", 3)
	line, err := notStdout.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	parts := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, parts[2], test.ShouldEqual, "chaincal.solver")
	test.That(t, parts[len(parts)-1], test.ShouldEqual, `{"session":"4f1c","iterations":3}`)

	// The parent is unchanged and the copy follows its level.
	logger.Info("plain")
	line, err = notStdout.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	test.That(t, line, test.ShouldNotContainSubstring, "session")
	logger.SetLevel(ERROR)
	test.That(t, session.GetLevel(), test.ShouldEqual, ERROR)
}

func TestSessionLogger(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	logger, closeLog := NewSessionLogger("chaincal", INFO, &console, dir)

	logger.Debug("hidden")
	logger.Infow("observation stored", "index", 0)
	test.That(t, closeLog(), test.ShouldBeNil)

	//nolint:gosec
	data, err := os.ReadFile(filepath.Join(dir, SessionLogFile))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, "observation stored")
	test.That(t, string(data), test.ShouldContainSubstring, `{"index":0}`)
	test.That(t, string(data), test.ShouldNotContainSubstring, "hidden")
	test.That(t, console.String(), test.ShouldEqual, string(data))
}

func TestLevelFromString(t *testing.T) {
	for _, tc := range []struct {
		in       string
		expected Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
	} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.expected)
	}

	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, WARN.String(), test.ShouldEqual, "Warn")
}
