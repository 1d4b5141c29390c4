package session

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shawn111/goose/pkg/conversation"
)

func newTestLog(t *testing.T) *EventLog {
	t.Helper()
	l, err := CreateLog(filepath.Join(t.TempDir(), "test.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestEventLog_AppendAssignsContiguousSeqs(t *testing.T) {
	l := newTestLog(t)

	for i := 0; i < 5; i++ {
		rec, err := l.Append(KindMessage, conversation.NewUserMessage("hello"))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), rec.Seq)
		assert.Equal(t, KindMessage, rec.Kind)
	}
}

func TestEventLog_AppendIsDurable(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(KindMessage, conversation.NewUserMessage("persisted"))
	require.NoError(t, err)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec Record
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, uint64(0), rec.Seq)

	msg, err := rec.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, "persisted", msg.Content)
}

func TestEventLog_ReplayRoundTrip(t *testing.T) {
	l := newTestLog(t)

	_, err := l.Append(KindMessage, conversation.NewUserMessage("one"))
	require.NoError(t, err)
	_, err = l.Append(KindMessage, conversation.NewAssistantMessage("two", nil))
	require.NoError(t, err)
	require.NoError(t, l.Close())

	reopened, err := OpenLog(l.Path())
	require.NoError(t, err)
	defer reopened.Close()

	var got []Record
	require.NoError(t, reopened.Replay(func(rec Record) error {
		got = append(got, rec)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, uint64(0), got[0].Seq)
	assert.Equal(t, uint64(1), got[1].Seq)

	// The next append continues the sequence.
	rec, err := reopened.Append(KindMessage, conversation.NewUserMessage("three"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Seq)
}

func TestEventLog_ReplayIsIdempotent(t *testing.T) {
	l := newTestLog(t)
	for i := 0; i < 3; i++ {
		_, err := l.Append(KindMessage, conversation.NewUserMessage("msg"))
		require.NoError(t, err)
	}

	fold := func() *State {
		st := newState()
		_, err := replayFile(l.Path(), st.apply)
		require.NoError(t, err)
		return st
	}

	first := fold()
	second := fold()
	assert.Equal(t, first, second)
}

func writeRawLog(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func rawRecord(t *testing.T, seq uint64, kind string, payload interface{}) string {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	line, err := json.Marshal(Record{Seq: seq, Kind: kind, Payload: data})
	require.NoError(t, err)
	return string(line)
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	path := writeRawLog(t, []string{
		rawRecord(t, 0, KindMessage, conversation.NewUserMessage("a")),
		rawRecord(t, 1, KindMessage, conversation.NewUserMessage("b")),
		rawRecord(t, 3, KindMessage, conversation.NewUserMessage("d")),
	})

	_, err := replayFile(path, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(2), corrupt.Expected)
	assert.Equal(t, uint64(3), corrupt.Got)
}

func TestEventLog_ReplayDetectsDuplicate(t *testing.T) {
	path := writeRawLog(t, []string{
		rawRecord(t, 0, KindMessage, conversation.NewUserMessage("a")),
		rawRecord(t, 1, KindMessage, conversation.NewUserMessage("b")),
		rawRecord(t, 1, KindMessage, conversation.NewUserMessage("b again")),
	})

	_, err := replayFile(path, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(2), corrupt.Expected)
	assert.Equal(t, uint64(1), corrupt.Got)
}

func TestEventLog_ReplayDetectsMalformedLine(t *testing.T) {
	path := writeRawLog(t, []string{
		rawRecord(t, 0, KindMessage, conversation.NewUserMessage("a")),
		"not json at all",
	})

	_, err := replayFile(path, nil)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestEventLog_ReplayEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	next, err := replayFile(path, nil)
	assert.NoError(t, err)
	assert.Equal(t, uint64(0), next)
}

func TestEventLog_ExportStopsAtCorruptionPoint(t *testing.T) {
	lines := []string{
		rawRecord(t, 0, KindMessage, conversation.NewUserMessage("r0")),
		rawRecord(t, 1, KindMessage, conversation.NewUserMessage("r1")),
		rawRecord(t, 2, KindMessage, conversation.NewUserMessage("r2")),
		rawRecord(t, 3, KindMessage, conversation.NewUserMessage("r3")),
		rawRecord(t, 4, KindMessage, conversation.NewUserMessage("r4")),
		rawRecord(t, 6, KindMessage, conversation.NewUserMessage("r6")),
	}
	path := writeRawLog(t, lines)

	var buf bytes.Buffer
	err := exportTo(path, -1, &buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)

	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(5), corrupt.Expected)
	assert.Equal(t, uint64(6), corrupt.Got)

	// Records 0 through 4 were written verbatim before the failure.
	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, got, 5)
	for i, line := range got {
		assert.Equal(t, lines[i], line)
	}
}

func TestEventLog_ExportPreservesRawBytes(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(KindMessage, conversation.NewUserMessage("exact"))
	require.NoError(t, err)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, exportTo(l.Path(), -1, &buf))
	assert.Equal(t, string(raw), buf.String())
}

func TestEventLog_ExportHonorsSnapshotLimit(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Append(KindMessage, conversation.NewUserMessage("early"))
	require.NoError(t, err)

	size, err := l.Size()
	require.NoError(t, err)

	_, err = l.Append(KindMessage, conversation.NewUserMessage("late"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, exportTo(l.Path(), size, &buf))

	got := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, got, 1)
	assert.Contains(t, got[0], "early")
}
